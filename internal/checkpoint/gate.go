package checkpoint

import (
	"context"
	"fmt"
	"time"
)

// Gate decides whether a run is new relative to the stored high-water mark.
// It is the only writer of checkpoints.
type Gate struct {
	store Store
	now   func() time.Time
}

// NewGate wraps a store.
func NewGate(store Store) *Gate {
	return &Gate{store: store, now: time.Now}
}

// ShouldProcess reports whether candidate is strictly newer than the stored
// checkpoint for key. A missing checkpoint counts as 0.
func (g *Gate) ShouldProcess(ctx context.Context, key string, candidate int64) (bool, error) {
	cp, ok, err := g.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	var stored int64
	if ok {
		stored = cp.Checkpoint
	}
	return candidate > stored, nil
}

// Advance records v as the checkpoint for key. The write is unconditional;
// callers only advance after ShouldProcess returned true for v.
func (g *Gate) Advance(ctx context.Context, key string, v int64) error {
	if err := g.store.Update(ctx, key, Checkpoint{Checkpoint: v, UpdatedAt: g.now().UTC()}); err != nil {
		return fmt.Errorf("update checkpoint %s: %w", key, err)
	}
	return nil
}
