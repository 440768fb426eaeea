package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	env "github.com/caarlos0/env/v11"

	"github.com/quakewatch/eew-relay/internal/domain/model"
)

// envPrefixFormat scopes a backend's configuration section, e.g. the
// "discord" backend reads BACKEND_DISCORD_* variables.
const envPrefixFormat = "BACKEND_%s_"

// Registered is one successfully constructed backend with its capability set
// resolved once at registration time. Dispatch never probes dynamically.
type Registered struct {
	backend  Backend
	onNew    NewHandler
	onUpdate UpdateHandler
	onLift   LiftHandler
	runner   Runner
}

// Name returns the backend's name.
func (r *Registered) Name() string {
	return r.backend.Name()
}

// Handles reports whether the backend subscribed to the given transition kind.
func (r *Registered) Handles(kind model.TransitionKind) bool {
	switch kind {
	case model.TransitionNew:
		return r.onNew != nil
	case model.TransitionUpdate:
		return r.onUpdate != nil
	case model.TransitionLift:
		return r.onLift != nil
	default:
		return false
	}
}

// Deliver invokes the hook matching the transition's kind. Absent hooks are
// no-ops, not errors.
func (r *Registered) Deliver(ctx context.Context, t model.Transition) error {
	switch t.Kind {
	case model.TransitionNew:
		if r.onNew != nil {
			return r.onNew.OnNew(ctx, t.Record)
		}
	case model.TransitionUpdate:
		if r.onUpdate != nil {
			return r.onUpdate.OnUpdate(ctx, t.Record)
		}
	case model.TransitionLift:
		if r.onLift != nil {
			return r.onLift.OnLift(ctx, t.Record)
		}
	}
	return nil
}

// RegistryOptions configures backend registration.
type RegistryOptions struct {
	// Catalog maps namespace keys to backend entry points.
	Catalog map[string]Registration

	// Stores are shared store handles passed through to factories.
	Stores Stores

	Logger *slog.Logger
}

// Registry resolves, constructs, and holds the configured backend set.
type Registry struct {
	logger     *slog.Logger
	catalog    map[string]Registration
	stores     Stores
	registered []*Registered

	runnersOnce sync.Once
	runnerWG    sync.WaitGroup
}

// NewRegistry creates an empty backend registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "backend_registry"),
		catalog: opts.Catalog,
		stores:  opts.Stores,
	}
}

// RegisterAll resolves and constructs each named backend in order. One
// backend failing to register is logged and skipped; the rest proceed.
func (r *Registry) RegisterAll(names []string) {
	for _, name := range names {
		if err := r.register(name); err != nil {
			r.logger.Error("backend registration failed, excluding backend",
				"backend", name,
				"error", err)
			continue
		}
		r.logger.Info("backend registered", "backend", name)
	}
}

func (r *Registry) register(name string) error {
	reg, ok := r.catalog[name]
	if !ok {
		return fmt.Errorf("unknown backend %q", name)
	}

	b, err := reg.Build(Env{
		Logger: r.logger.With("backend", name),
		DecodeConfig: func(into any) error {
			return decodeScopedConfig(reg.Namespace, into)
		},
		Stores: r.stores,
	})
	if err != nil {
		return fmt.Errorf("construct backend %q: %w", name, err)
	}
	if b == nil {
		return fmt.Errorf("backend %q factory returned nil", name)
	}

	entry := &Registered{backend: b}
	if h, ok := b.(NewHandler); ok {
		entry.onNew = h
	}
	if h, ok := b.(UpdateHandler); ok {
		entry.onUpdate = h
	}
	if h, ok := b.(LiftHandler); ok {
		entry.onLift = h
	}
	if h, ok := b.(Runner); ok {
		entry.runner = h
	}

	r.registered = append(r.registered, entry)
	return nil
}

// decodeScopedConfig parses the namespace-scoped environment section into a
// typed struct, once, at registration.
func decodeScopedConfig(namespace string, into any) error {
	prefix := fmt.Sprintf(envPrefixFormat, strings.ToUpper(namespace))
	if err := env.ParseWithOptions(into, env.Options{Prefix: prefix}); err != nil {
		return fmt.Errorf("parse %s config: %w", namespace, err)
	}
	return nil
}

// Backends returns the registered backend set in registration order.
func (r *Registry) Backends() []*Registered {
	return r.registered
}

// StartRunners launches each backend's Run hook once, fire-and-forget.
// Runner errors are logged, never propagated: a backend losing its own
// connection must not affect the engine or its siblings.
func (r *Registry) StartRunners(ctx context.Context) {
	r.runnersOnce.Do(func() {
		for _, entry := range r.registered {
			if entry.runner == nil {
				continue
			}
			r.runnerWG.Add(1)
			go func(entry *Registered) {
				defer r.runnerWG.Done()
				defer func() {
					if rec := recover(); rec != nil {
						r.logger.Error("backend run loop panicked",
							"backend", entry.Name(),
							"panic", rec)
					}
				}()
				if err := entry.runner.Run(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("backend run loop exited with error",
						"backend", entry.Name(),
						"error", err)
				}
			}(entry)
		}
	})
}

// WaitRunners blocks until all Run hooks have returned. Callers cancel the
// runner context first.
func (r *Registry) WaitRunners() {
	r.runnerWG.Wait()
}
