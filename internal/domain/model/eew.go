package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AlertStatus distinguishes a live warning from an explicit withdrawal.
type AlertStatus string

const (
	// AlertStatusAlert marks a live early-warning revision.
	AlertStatusAlert AlertStatus = "alert"
	// AlertStatusCancel marks an upstream withdrawal of a prior warning.
	AlertStatusCancel AlertStatus = "cancel"
)

// Valid returns true if the alert status is a known value.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusAlert, AlertStatusCancel:
		return true
	default:
		return false
	}
}

// String returns the string representation of the alert status.
func (s AlertStatus) String() string {
	return string(s)
}

// Earthquake is the immutable snapshot of earthquake parameters carried by one
// report revision. A revision produces a new value; prior values are never
// mutated.
type Earthquake struct {
	// Longitude and Latitude locate the epicenter.
	Longitude float64 `json:"lon"`
	Latitude  float64 `json:"lat"`

	// LocationName is the upstream-provided human-readable epicenter name.
	LocationName string `json:"loc,omitempty"`

	// Magnitude is the estimated local magnitude.
	Magnitude float64 `json:"mag"`

	// Depth is the hypocenter depth in kilometers.
	Depth float64 `json:"depth"`

	// OriginTime is when the earthquake occurred.
	OriginTime time.Time `json:"time"`

	// MaxIntensity is the maximum estimated intensity on the 0-9 CWA scale,
	// or -1 when upstream did not provide one.
	MaxIntensity int `json:"max"`

	// RegionIntensities are per-region expected intensity estimates, ordered
	// as upstream delivered them. May be empty.
	RegionIntensities []RegionIntensity `json:"regions,omitempty"`
}

// RegionIntensity is one expected intensity estimate for a monitored region.
type RegionIntensity struct {
	Region    string  `json:"region"`
	Intensity float64 `json:"intensity"`
}

// EpicenterDisplay returns the location name when present, otherwise the
// coordinates.
func (e Earthquake) EpicenterDisplay() string {
	if e.LocationName != "" {
		return e.LocationName
	}
	return fmt.Sprintf("%.2f, %.2f", e.Longitude, e.Latitude)
}

// AlertRecord is one early-warning report revision as issued by the upstream
// provider. Two records with equal (ID, Serial) are considered identical
// regardless of payload differences.
type AlertRecord struct {
	// ID identifies one physical earthquake event across revisions.
	ID string `json:"id"`

	// Serial is the monotone revision counter within ID.
	Serial int `json:"serial"`

	// Status is alert or cancel.
	Status AlertStatus `json:"status"`

	// Provider names the upstream agency the report originated from.
	Provider string `json:"provider"`

	// IssuedAt is the upstream issue timestamp of this revision.
	IssuedAt time.Time `json:"issued_at"`

	// Earthquake is the parameter snapshot attached to this revision.
	Earthquake Earthquake `json:"earthquake"`
}

// Key returns the (id, serial) identity of the record, used for log and
// dispatch correlation.
func (r AlertRecord) Key() string {
	return fmt.Sprintf("%s/%d", r.ID, r.Serial)
}

// TransitionKind tags a lifecycle transition emitted by the registry.
type TransitionKind string

const (
	// TransitionNew is emitted for the first accepted record of an id.
	TransitionNew TransitionKind = "new"
	// TransitionUpdate is emitted for an accepted revision of a known id.
	TransitionUpdate TransitionKind = "update"
	// TransitionLift is emitted when an alert is cancelled or expires.
	TransitionLift TransitionKind = "lift"
)

// String returns the string representation of the transition kind.
func (k TransitionKind) String() string {
	return string(k)
}

// Transition is one lifecycle event for an alert. Lift carries the last known
// record so backends can correlate and clean up.
type Transition struct {
	Kind   TransitionKind `json:"kind"`
	Record AlertRecord    `json:"record"`

	// EmittedAt is when the registry generated the transition.
	EmittedAt time.Time `json:"emitted_at"`
}

// Decode errors returned by DecodeRecord.
var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrMissingID     = errors.New("report id is required")
	ErrMissingSerial = errors.New("report serial must be positive")
)

// wireReport mirrors the upstream JSON report shape. Timestamps are Unix
// milliseconds.
type wireReport struct {
	ID     string   `json:"id"`
	Serial int      `json:"serial"`
	Status int      `json:"status"`
	Author string   `json:"author"`
	Time   int64    `json:"time"`
	EQ     *wireEQ  `json:"eq"`
	Detail []wireRI `json:"area,omitempty"`
}

type wireEQ struct {
	Longitude float64 `json:"lon"`
	Latitude  float64 `json:"lat"`
	Location  string  `json:"loc"`
	Magnitude float64 `json:"mag"`
	Depth     float64 `json:"depth"`
	Time      int64   `json:"time"`
	Max       *int    `json:"max"`
}

type wireRI struct {
	Region    string  `json:"region"`
	Intensity float64 `json:"int"`
}

// Upstream status codes: 0 alert, 1 cancel.
const (
	wireStatusAlert  = 0
	wireStatusCancel = 1
)

// DecodeRecord turns one raw upstream report frame into an AlertRecord.
// Malformed frames return an error; callers are expected to drop the frame
// and continue.
func DecodeRecord(frame []byte) (AlertRecord, error) {
	if len(strings.TrimSpace(string(frame))) == 0 {
		return AlertRecord{}, ErrEmptyFrame
	}

	var w wireReport
	if err := json.Unmarshal(frame, &w); err != nil {
		return AlertRecord{}, fmt.Errorf("decode report frame: %w", err)
	}

	return recordFromWire(w)
}

// DecodeSnapshot decodes the upstream polling response, a JSON array of
// report frames. Individual malformed entries abort the whole snapshot since
// the array is produced atomically by the provider.
func DecodeSnapshot(body []byte) ([]AlertRecord, error) {
	var ws []wireReport
	if err := json.Unmarshal(body, &ws); err != nil {
		return nil, fmt.Errorf("decode report snapshot: %w", err)
	}

	records := make([]AlertRecord, 0, len(ws))
	for _, w := range ws {
		rec, err := recordFromWire(w)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func recordFromWire(w wireReport) (AlertRecord, error) {
	if strings.TrimSpace(w.ID) == "" {
		return AlertRecord{}, ErrMissingID
	}
	if w.Serial <= 0 {
		return AlertRecord{}, ErrMissingSerial
	}

	status := AlertStatusAlert
	if w.Status == wireStatusCancel {
		status = AlertStatusCancel
	}

	rec := AlertRecord{
		ID:       w.ID,
		Serial:   w.Serial,
		Status:   status,
		Provider: w.Author,
		IssuedAt: fromUnixMilli(w.Time),
	}

	if w.EQ != nil {
		maxIntensity := -1
		if w.EQ.Max != nil {
			maxIntensity = *w.EQ.Max
		}
		rec.Earthquake = Earthquake{
			Longitude:    w.EQ.Longitude,
			Latitude:     w.EQ.Latitude,
			LocationName: w.EQ.Location,
			Magnitude:    w.EQ.Magnitude,
			Depth:        w.EQ.Depth,
			OriginTime:   fromUnixMilli(w.EQ.Time),
			MaxIntensity: maxIntensity,
		}
		for _, ri := range w.Detail {
			rec.Earthquake.RegionIntensities = append(rec.Earthquake.RegionIntensities, RegionIntensity{
				Region:    ri.Region,
				Intensity: ri.Intensity,
			})
		}
	}

	return rec, nil
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// CancelOf derives a synthetic cancel record from the last known revision of
// an alert. Used by polling sources when upstream stops listing an id instead
// of issuing an explicit cancel.
func CancelOf(last AlertRecord) AlertRecord {
	cancel := last
	cancel.Status = AlertStatusCancel
	return cancel
}
