package universe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketfeed/internal/model"
)

// Diff describes how the universe changed between two syncs.
type Diff struct {
	Added   []model.InstrumentKey
	Removed []model.InstrumentKey
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Registry tracks the most recently loaded instrument set.
type Registry struct {
	source Source
	logger *slog.Logger

	mu         sync.RWMutex
	keys       []model.InstrumentKey
	index      map[model.InstrumentKey]struct{}
	lastSyncAt time.Time
}

// NewRegistry creates a registry backed by source. Nothing is loaded until Sync.
func NewRegistry(source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source: source,
		logger: logger,
		index:  make(map[model.InstrumentKey]struct{}),
	}
}

// ApplyFunc acts on a diff before the registry commits it.
type ApplyFunc func(ctx context.Context, diff Diff) error

// Sync reloads the source, hands the diff to apply and commits the new set only when apply
// succeeds. On any error the previous set is kept, so the next sync reports the same
// changes again. A nil apply commits unconditionally.
func (r *Registry) Sync(ctx context.Context, apply ApplyFunc) (Diff, error) {
	start := time.Now()

	keys, err := r.source.Load(ctx)
	if err != nil {
		r.logger.Error("universe sync failed", "source", r.source.Name(), "err", err)
		return Diff{}, err
	}

	next := make(map[model.InstrumentKey]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
	}

	r.mu.RLock()
	var diff Diff
	for _, k := range keys {
		if _, ok := r.index[k]; !ok {
			diff.Added = append(diff.Added, k)
		}
	}
	for _, k := range r.keys {
		if _, ok := next[k]; !ok {
			diff.Removed = append(diff.Removed, k)
		}
	}
	r.mu.RUnlock()

	if apply != nil && !diff.Empty() {
		if err := apply(ctx, diff); err != nil {
			r.logger.Warn("universe change not applied, will retry",
				"source", r.source.Name(),
				"added", len(diff.Added),
				"removed", len(diff.Removed),
				"err", err,
			)
			return diff, err
		}
	}

	r.mu.Lock()
	r.keys = keys
	r.index = next
	r.lastSyncAt = time.Now()
	r.mu.Unlock()

	if diff.Empty() {
		r.logger.Debug("universe unchanged",
			"source", r.source.Name(),
			"keys", len(keys),
			"duration", time.Since(start),
		)
	} else {
		r.logger.Info("universe changed",
			"source", r.source.Name(),
			"keys", len(keys),
			"added", len(diff.Added),
			"removed", len(diff.Removed),
			"duration", time.Since(start),
		)
	}
	return diff, nil
}

// Keys returns a copy of the committed set in source order.
func (r *Registry) Keys() []model.InstrumentKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.InstrumentKey, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the size of the current set.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// LastSyncAt returns when the last successful sync finished.
func (r *Registry) LastSyncAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSyncAt
}
