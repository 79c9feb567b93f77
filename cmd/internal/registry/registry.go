package registry

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "dstake/registry"

// Registry is the single owner of all user records.
//
// Every operation holds the registry lock for its full duration (writes exclusive,
// reads shared), so callers never observe a partially applied upsert regardless of
// which Store backs the registry.
type Registry struct {
	log     *slog.Logger
	store   Store
	metrics *Metrics
	tracer  trace.Tracer

	mu sync.RWMutex
}

// Option configures optional Registry dependencies.
type Option func(*Registry)

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer overrides the tracer taken from the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}

// New constructs a Registry over store.
func New(store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, OpError{Op: "registry.New", Kind: ErrInvalidInput, Msg: "nil store"}
	}

	r := &Registry{
		log:    slog.Default(),
		store:  store,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	return r, nil
}

// NewInMemory constructs a Registry backed by a fresh MemoryStore.
func NewInMemory(opts ...Option) *Registry {
	r, _ := New(NewMemoryStore(), opts...)
	return r
}

// Upsert stores User{identity, accountID, balance}, replacing any record for identity,
// and returns a confirmation message naming the identity.
func (r *Registry) Upsert(ctx context.Context, identity, accountID string, balance uint64) (string, error) {
	ctx, span := r.tracer.Start(ctx, "registry.Upsert", trace.WithAttributes(
		attribute.String("registry.identity", identity),
	))
	defer span.End()

	r.mu.Lock()
	replaced, err := r.store.Put(ctx, User{
		Identity:  identity,
		AccountID: accountID,
		Balance:   balance,
	})
	r.mu.Unlock()

	r.metrics.observeUpsert(replaced, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		r.log.Error("registry.upsert.fail", "identity", identity, "err", err)
		return "", err
	}

	span.SetAttributes(attribute.Bool("registry.replaced", replaced))
	r.log.Debug("registry.upsert", "identity", identity, "replaced", replaced)
	return Confirmation(identity), nil
}

// ListAll returns a snapshot copy of every stored user. Order is unspecified.
// The result is never nil.
func (r *Registry) ListAll(ctx context.Context) ([]User, error) {
	ctx, span := r.tracer.Start(ctx, "registry.ListAll")
	defer span.End()

	r.mu.RLock()
	users, err := r.store.List(ctx)
	r.mu.RUnlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		r.log.Error("registry.list.fail", "err", err)
		return nil, err
	}

	// The snapshot must never alias store memory.
	out := make([]User, len(users))
	copy(out, users)

	span.SetAttributes(attribute.Int("registry.users", len(out)))
	return out, nil
}

// Count returns the number of stored users.
func (r *Registry) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Count(ctx)
}

// SyncMetrics sets the users gauge from the store's current count.
func (r *Registry) SyncMetrics(ctx context.Context) error {
	n, err := r.Count(ctx)
	if err != nil {
		return err
	}
	r.metrics.setUsers(n)
	return nil
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Close()
}
