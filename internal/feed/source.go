// Package feed streams earthquake early-warning records from the upstream
// realtime API into the alert lifecycle registry.
package feed

import (
	"context"

	"github.com/quakewatch/eew-relay/internal/domain/model"
)

// Sink receives every record a source produces, in arrival order.
type Sink func(model.AlertRecord)

// Source is a restartable record stream. Run blocks until the context is
// cancelled; transport failures are retried internally and never end the
// stream.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}
