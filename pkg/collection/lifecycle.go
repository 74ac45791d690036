// Collection lifecycle: preload, first-ready callbacks, garbage collection
// and cleanup.
//
// A collection is created idle, moves to loading when sync starts, and
// reaches ready only when the sync adapter calls MarkReady. With zero
// subscribers and a non-zero gcTime, an idle timer eventually runs Cleanup,
// which tears the adapter down, clears all state and parks the collection in
// cleaned-up — from where the next subscription or mutation transparently
// restarts sync.
package collection

import (
	"context"
)

// Preload starts sync (if needed) and blocks until the collection is ready
// or ctx is done.
func (c *Collection[T, K]) Preload(ctx context.Context) error {
	c.mu.Lock()
	if err := c.guardUsableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	ready := c.readySignal
	c.mu.Unlock()

	if err := c.StartSync(); err != nil {
		return err
	}
	return ready.Wait(ctx)
}

// OnFirstReady registers cb to run when the collection first becomes ready.
// If it already is, cb runs immediately. Each callback runs exactly once.
func (c *Collection[T, K]) OnFirstReady(cb func()) {
	c.mu.Lock()
	if c.status == StatusReady {
		c.mu.Unlock()
		cb()
		return
	}
	c.firstReadyCallbacks = append(c.firstReadyCallbacks, cb)
	c.mu.Unlock()
}

// StateWhenReady resolves to the full visible state once ready.
func (c *Collection[T, K]) StateWhenReady(ctx context.Context) (map[K]T, error) {
	if err := c.Preload(ctx); err != nil {
		return nil, err
	}
	out := make(map[K]T)
	for _, e := range c.Entries() {
		out[e.Key] = e.Item
	}
	return out, nil
}

// ToArrayWhenReady resolves to the visible items once ready, in the
// collection's iteration order.
func (c *Collection[T, K]) ToArrayWhenReady(ctx context.Context) ([]T, error) {
	if err := c.Preload(ctx); err != nil {
		return nil, err
	}
	return c.Values(), nil
}

// HasReceivedFirstCommit reports whether any sync batch has been applied.
func (c *Collection[T, K]) HasReceivedFirstCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasReceivedFirstCommit
}

// ============================================================================
// Garbage collection
// ============================================================================

// scheduleGCLocked arms the idle timer. Caller holds c.mu.
func (c *Collection[T, K]) scheduleGCLocked() {
	if c.cfg.GCTime <= 0 || c.status == StatusCleanedUp {
		return
	}
	if c.gcTimer != nil {
		c.gcTimer.Stop()
	}
	c.gcTimer = newTimer(c.cfg.GCTime, func() {
		c.mu.Lock()
		idle := len(c.subscribers) == 0
		c.mu.Unlock()
		if idle {
			c.log.Debug().Msg("gc: cleaning up idle collection")
			_ = c.Cleanup()
		}
	})
}

// cancelGCLocked disarms the idle timer. Caller holds c.mu.
func (c *Collection[T, K]) cancelGCLocked() {
	if c.gcTimer != nil {
		c.gcTimer.Stop()
		c.gcTimer = nil
	}
}

// Cleanup tears down the sync adapter and clears all state. The collection
// transitions to cleaned-up; the next use restarts sync from scratch.
//
// A failing adapter cleanup is reported asynchronously (SyncCleanupError in
// the log) and never blocks the reset.
func (c *Collection[T, K]) Cleanup() error {
	c.mu.Lock()
	c.cancelGCLocked()
	cleanup := c.syncCleanup
	c.syncCleanup = nil
	c.loadSubset = nil
	c.syncStarted = false

	if err := c.setStatusLocked(StatusCleanedUp); err != nil {
		c.mu.Unlock()
		return err
	}

	if c.cfg.Compare != nil {
		c.syncedData = newSortedStore[K, T](c.cfg.Compare)
	} else {
		c.syncedData = newMapStore[K, T]()
	}
	c.syncedMetadata = make(map[K]map[string]any)
	c.optimisticUpserts = make(map[K]T)
	c.optimisticDeletes = make(map[K]struct{})
	c.pendingSyncTxs = nil
	c.preSyncVisibleState = nil
	c.recentlySyncedKeys = make(map[K]struct{})
	c.completedEchoes = make(map[K]any)
	c.transactions = nil
	c.batchedEvents = nil
	c.batchDepth = 0
	c.hasReceivedFirstCommit = false
	c.readySignal = NewDeferred()

	for _, idx := range c.indexes {
		idx.Build(func(func(K, any)) {})
	}
	c.mu.Unlock()

	if cleanup != nil {
		go func() {
			if err := cleanup(); err != nil {
				c.log.Error().Err(&SyncCleanupError{CollectionID: c.id, Cause: err}).Msg("sync cleanup failed")
			}
		}()
	}
	c.log.Debug().Msg("collection cleaned up")
	return nil
}
