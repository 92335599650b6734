// Package registry owns the open collective operations: it serializes
// mutations per operation id and tracks which ids are still open.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"matebot/internal/core"
	"matebot/internal/metrics"
	"matebot/internal/storage"
)

// Registry serializes mutations per operation through its Locker and
// answers lookups from the store. The live set is a per-process view of the
// operations this process opened or warmed and has not seen closed; with a
// shared locker other replicas keep their own copies. It is informational
// only: Lookup, ListOpenFor and HasOpen always read the store.
type Registry struct {
	store   storage.OperationStore
	locker  Locker
	metrics *metrics.Metrics

	mu   sync.RWMutex
	live map[int64]core.Kind
}

type Option func(*Registry)

func WithLocker(l Locker) Option {
	return func(r *Registry) { r.locker = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(store storage.OperationStore, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		locker: NewLocalLocker(),
		live:   make(map[int64]core.Kind),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func operationKey(id int64) string {
	return fmt.Sprintf("op:%d", id)
}

func creatorKey(creatorID int64, kind core.Kind) string {
	return fmt.Sprintf("creator:%d:%s", creatorID, kind)
}

func (r *Registry) with(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	start := time.Now()
	unlock, err := r.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	r.metrics.ObserveLockWait(start)
	return fn(ctx)
}

// WithOperation runs fn while holding the exclusive slot of operation id.
// Calls for different ids never wait on each other.
func (r *Registry) WithOperation(ctx context.Context, id int64, fn func(ctx context.Context) error) error {
	return r.with(ctx, operationKey(id), fn)
}

// WithCreator serializes creations by the same creator and kind so the
// duplicate check and the insert cannot interleave.
func (r *Registry) WithCreator(ctx context.Context, creatorID int64, kind core.Kind, fn func(ctx context.Context) error) error {
	return r.with(ctx, creatorKey(creatorID, kind), fn)
}

// Lookup loads an operation by id.
func (r *Registry) Lookup(ctx context.Context, id int64) (core.Operation, error) {
	return r.store.GetOperation(ctx, id)
}

// ListOpenFor returns the open operations a user created or takes part in.
func (r *Registry) ListOpenFor(ctx context.Context, userID int64) ([]core.Operation, error) {
	return r.store.ListOpenFor(ctx, userID)
}

// HasOpen reports whether the creator already owns an open operation of kind.
func (r *Registry) HasOpen(ctx context.Context, creatorID int64, kind core.Kind) (bool, error) {
	ops, err := r.store.ListOpenFor(ctx, creatorID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.CreatorID == creatorID && op.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

// Open adds a committed operation to the live set.
func (r *Registry) Open(id int64, kind core.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[id] = kind
}

// Close removes an operation from the live set. Call only after the
// terminal state is committed.
func (r *Registry) Close(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

// IsLive reports whether the id is in the live set.
func (r *Registry) IsLive(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[id]
	return ok
}

// Live returns the ids of the live set in ascending order.
func (r *Registry) Live() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Warm rebuilds the live set from storage, e.g. after a restart.
func (r *Registry) Warm(ctx context.Context, now time.Time) error {
	ids, err := r.store.ListIdleOperations(ctx, now.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("warm registry: %w", err)
	}
	for _, id := range ids {
		op, err := r.store.GetOperation(ctx, id)
		if err != nil {
			return fmt.Errorf("warm registry: %w", err)
		}
		r.Open(op.ID, op.Kind)
	}
	return nil
}
