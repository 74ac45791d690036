// Sync adapter contract and synced-base commit semantics.
//
// A sync adapter streams authoritative state into the collection through
// begin → write* → commit cycles. Each cycle buffers as a pending sync
// transaction; commit applies the outermost buffered batch atomically —
// unless an optimistic transaction is persisting, in which case the batch
// defers until transactions settle, so user code never observes a commit
// interleaved with its own in-flight writes. A truncate marker clears the
// synced base while preserving a snapshot of the optimistic overlay for
// replay.
//
// Applying a batch emits diff events: for every changed key the visible
// value before the batch is compared with the visible value after it, so
// re-asserting the current value emits nothing, and a sync echo of an
// optimistic mutation the client already saw is suppressed.
package collection

import (
	"fmt"
	"sort"

	"github.com/orneryd/huginndb/pkg/expr"
	"github.com/orneryd/huginndb/pkg/index"
)

// OperationType discriminates writes, both optimistic and synced.
type OperationType string

const (
	OpInsert OperationType = "insert"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// SyncMode selects when the adapter loads data.
type SyncMode string

const (
	// SyncEager loads everything when sync starts. Default.
	SyncEager SyncMode = "eager"
	// SyncOnDemand loads subsets as subscriptions request them; requires
	// the adapter to return a LoadSubset function.
	SyncOnDemand SyncMode = "on-demand"
)

// RowUpdateMode selects how synced updates combine with stored rows.
type RowUpdateMode string

const (
	// RowUpdatePartial shallow-merges the incoming row onto the stored one.
	// Default.
	RowUpdatePartial RowUpdateMode = "partial"
	// RowUpdateFull replaces the stored row.
	RowUpdateFull RowUpdateMode = "full"
)

// SyncConfig wires a sync adapter to a collection.
type SyncConfig[T any, K comparable] struct {
	// Sync is the adapter entry point. It may retain the write functions
	// and call them for the life of the collection.
	Sync func(params SyncParams[T, K]) SyncResult

	// Mode defaults to SyncEager.
	Mode SyncMode

	// RowUpdateMode defaults to RowUpdatePartial.
	RowUpdateMode RowUpdateMode
}

func (s *SyncConfig[T, K]) validate() error {
	if s.Sync == nil {
		return &CollectionConfigurationError{Reason: "sync config requires a Sync function"}
	}
	switch s.Mode {
	case "", SyncEager, SyncOnDemand:
	default:
		return &CollectionConfigurationError{Reason: fmt.Sprintf("unknown sync mode %q", s.Mode)}
	}
	switch s.RowUpdateMode {
	case "", RowUpdatePartial, RowUpdateFull:
	default:
		return &CollectionConfigurationError{Reason: fmt.Sprintf("unknown row update mode %q", s.RowUpdateMode)}
	}
	return nil
}

// SyncWrite is one operation inside a sync transaction. The key derives from
// Value through the collection's GetKey.
type SyncWrite[T any] struct {
	Type     OperationType
	Value    T
	Metadata map[string]any
}

// SyncParams is handed to the adapter when sync starts.
type SyncParams[T any, K comparable] struct {
	Collection *Collection[T, K]

	// Begin opens a new pending sync transaction.
	Begin func() error
	// Write buffers one operation into the open transaction.
	Write func(op SyncWrite[T]) error
	// Commit seals the open transaction and applies committed batches.
	Commit func() error
	// MarkReady transitions the collection to ready. First call wins.
	MarkReady func()
	// Truncate resets the open transaction into truncate mode: the synced
	// base will be cleared before its writes replay, and the current
	// optimistic overlay is captured for replay.
	Truncate func() error
}

// LoadSubsetOptions is the on-demand load request a subscription sends when
// an ordered, limited snapshot may need rows the adapter has not loaded.
type LoadSubsetOptions struct {
	Where   expr.Expression
	OrderBy []OrderBy
	Limit   int
	// Cursor is the last indexed value delivered, so the adapter can load
	// strictly beyond it.
	Cursor any
}

// LoadSubsetFunc asks the adapter to load more rows. A nil return channel
// means the request completed synchronously; otherwise the channel yields
// the outcome once and the subscription reports loadingSubset until then.
type LoadSubsetFunc func(opts LoadSubsetOptions) <-chan error

// SyncResult is what the adapter returns from Sync.
type SyncResult struct {
	// Cleanup tears the adapter down when the collection is cleaned up.
	// Failures are reported asynchronously as SyncCleanupError.
	Cleanup func() error
	// LoadSubset must be set for on-demand mode.
	LoadSubset LoadSubsetFunc
}

// pendingSyncTransaction buffers one begin/commit cycle.
type pendingSyncTransaction[T any, K comparable] struct {
	ops       []syncWriteOp[T, K]
	committed bool
	truncate  bool
	// snapshot of the optimistic overlay captured when truncate was called.
	snapshotUpserts map[K]T
	snapshotDeletes map[K]struct{}
}

type syncWriteOp[T any, K comparable] struct {
	typ      OperationType
	key      K
	value    T
	metadata map[string]any
}

// ============================================================================
// Sync start
// ============================================================================

// StartSync starts (or restarts, after cleanup) the sync adapter. Idempotent
// while sync is running.
func (c *Collection[T, K]) StartSync() error {
	c.mu.Lock()
	if c.syncStarted {
		c.mu.Unlock()
		return nil
	}
	if err := c.setStatusLocked(StatusLoading); err != nil {
		c.mu.Unlock()
		return err
	}
	c.syncStarted = true
	syncCfg := c.cfg.Sync
	c.mu.Unlock()

	if syncCfg == nil {
		// No adapter: nothing to load, the collection is its own source.
		c.markReady()
		return nil
	}

	res := syncCfg.Sync(SyncParams[T, K]{
		Collection: c,
		Begin:      c.syncBegin,
		Write:      c.syncWrite,
		Commit:     c.syncCommit,
		MarkReady:  c.markReady,
		Truncate:   c.syncTruncate,
	})

	c.mu.Lock()
	c.syncCleanup = res.Cleanup
	c.loadSubset = res.LoadSubset
	missingLoadSubset := syncCfg.Mode == SyncOnDemand && res.LoadSubset == nil
	c.mu.Unlock()

	if missingLoadSubset {
		return &CollectionConfigurationError{Reason: "on-demand sync requires a LoadSubset function"}
	}
	return nil
}

func (c *Collection[T, K]) syncBegin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingSyncTxs = append(c.pendingSyncTxs, &pendingSyncTransaction[T, K]{})
	return nil
}

func (c *Collection[T, K]) syncWrite(op SyncWrite[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := c.openSyncTxLocked()
	if tx == nil {
		return ErrNoPendingSyncTransaction
	}
	key, err := c.keyOf(op.Value)
	if err != nil {
		return err
	}
	// Record the pre-batch visible value the first time each key shows up,
	// so deferred batches still diff against what the subscriber last saw.
	if _, seen := c.preSyncVisibleState[key]; !seen {
		if c.preSyncVisibleState == nil {
			c.preSyncVisibleState = make(map[K]T)
		}
		if cur, ok := c.getVisibleLocked(key); ok {
			c.preSyncVisibleState[key] = cur
		}
	}
	tx.ops = append(tx.ops, syncWriteOp[T, K]{typ: op.Type, key: key, value: op.Value, metadata: op.Metadata})
	return nil
}

func (c *Collection[T, K]) syncTruncate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := c.openSyncTxLocked()
	if tx == nil {
		return ErrNoPendingSyncTransaction
	}
	tx.truncate = true
	tx.ops = nil
	tx.snapshotUpserts = make(map[K]T, len(c.optimisticUpserts))
	for k, v := range c.optimisticUpserts {
		tx.snapshotUpserts[k] = v
	}
	tx.snapshotDeletes = make(map[K]struct{}, len(c.optimisticDeletes))
	for k := range c.optimisticDeletes {
		tx.snapshotDeletes[k] = struct{}{}
	}
	return nil
}

func (c *Collection[T, K]) syncCommit() error {
	c.mu.Lock()
	tx := c.openSyncTxLocked()
	if tx == nil {
		c.mu.Unlock()
		return ErrNoPendingSyncTransaction
	}
	tx.committed = true
	events, err := c.commitPendingTransactionsLocked()
	c.mu.Unlock()

	c.deliverEvents(events)
	return err
}

// openSyncTxLocked returns the last uncommitted sync transaction.
func (c *Collection[T, K]) openSyncTxLocked() *pendingSyncTransaction[T, K] {
	if len(c.pendingSyncTxs) == 0 {
		return nil
	}
	last := c.pendingSyncTxs[len(c.pendingSyncTxs)-1]
	if last.committed {
		return nil
	}
	return last
}

// ============================================================================
// Commit semantics
// ============================================================================

// commitPendingTransactionsLocked applies every committed batch at the front
// of the queue, unless a persisting optimistic transaction forces a defer.
// Returns the events to deliver after the lock is released.
func (c *Collection[T, K]) commitPendingTransactionsLocked() ([]ChangeEvent[T, K], error) {
	truncateQueued := false
	for _, tx := range c.pendingSyncTxs {
		if tx.committed && tx.truncate {
			truncateQueued = true
			break
		}
	}
	if c.hasPersistingTransactionLocked() && !truncateQueued {
		// Defer: user code is mid-persist; applying now would interleave
		// its optimistic view with a half-confirmed base.
		return nil, nil
	}

	c.beginEventBatchLocked()
	var firstErr error
	for len(c.pendingSyncTxs) > 0 && c.pendingSyncTxs[0].committed {
		batch := c.pendingSyncTxs[0]
		c.pendingSyncTxs = c.pendingSyncTxs[1:]
		if err := c.applySyncBatchLocked(batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	events := c.endEventBatchLocked()

	// The commit cycle is over; same-tick bookkeeping resets here, the Go
	// analogue of clearing on a microtask.
	c.recentlySyncedKeys = make(map[K]struct{})
	c.completedEchoes = make(map[K]any)
	c.preSyncVisibleState = nil

	if firstErr != nil {
		return events, firstErr
	}
	return events, nil
}

func (c *Collection[T, K]) hasPersistingTransactionLocked() bool {
	for _, tx := range c.transactions {
		if tx.State() == TxPersisting {
			return true
		}
	}
	return false
}

// applySyncBatchLocked applies one committed batch and buffers its diff
// events.
func (c *Collection[T, K]) applySyncBatchLocked(batch *pendingSyncTransaction[T, K]) error {
	if batch.truncate {
		c.applyTruncateBatchLocked(batch)
		c.hasReceivedFirstCommit = true
		return nil
	}

	// Pre-state restricted to the batch's keys: prefer the value captured
	// at write time (pre-defer), fall back to the current visible value.
	pre := make(map[K]*T, len(batch.ops))
	for _, op := range batch.ops {
		if _, done := pre[op.key]; done {
			continue
		}
		if v, ok := c.preSyncVisibleState[op.key]; ok {
			vv := v
			pre[op.key] = &vv
		} else if v, ok := c.getVisibleLocked(op.key); ok {
			vv := v
			pre[op.key] = &vv
		} else {
			pre[op.key] = nil
		}
	}

	var applyErr error
	for _, op := range batch.ops {
		if err := c.applySyncOpLocked(op); err != nil && applyErr == nil {
			applyErr = err
		}
	}

	c.rebuildOverlayLocked()

	events := make([]ChangeEvent[T, K], 0, len(pre))
	for key, before := range pre {
		events = append(events, c.diffEventsLocked(key, before)...)
		c.recentlySyncedKeys[key] = struct{}{}
	}
	sortEventsDeletesFirst(events)
	c.updateIndexesLocked(events)
	// Always inside the commit cycle's event batch; buffered for a single
	// delivery when the cycle ends.
	c.batchedEvents = append(c.batchedEvents, events...)

	c.hasReceivedFirstCommit = true
	return applyErr
}

// applySyncOpLocked applies one op to the synced base.
func (c *Collection[T, K]) applySyncOpLocked(op syncWriteOp[T, K]) error {
	switch op.typ {
	case OpInsert:
		if existing, ok := c.syncedData.Get(op.key); ok {
			if !deepEqual(existing, op.value) {
				c.log.Warn().Any("key", op.key).Msg("sync insert on existing key with different value")
				return &DuplicateKeySyncError{CollectionID: c.id, Key: op.key}
			}
			// Same value re-asserted: treat as update, which is a no-op.
		}
		c.syncedData.Set(op.key, deepClone(op.value))
	case OpUpdate:
		if existing, ok := c.syncedData.Get(op.key); ok && c.rowUpdateMode() == RowUpdatePartial {
			c.syncedData.Set(op.key, shallowMerge(existing, deepClone(op.value)))
		} else {
			c.syncedData.Set(op.key, deepClone(op.value))
		}
	case OpDelete:
		c.syncedData.Delete(op.key)
		delete(c.syncedMetadata, op.key)
		return nil
	}
	if op.metadata != nil {
		meta := c.syncedMetadata[op.key]
		if meta == nil {
			meta = make(map[string]any, len(op.metadata))
			c.syncedMetadata[op.key] = meta
		}
		for k, v := range op.metadata {
			meta[k] = v
		}
	}
	return nil
}

func (c *Collection[T, K]) rowUpdateMode() RowUpdateMode {
	if c.cfg.Sync != nil && c.cfg.Sync.RowUpdateMode == RowUpdateFull {
		return RowUpdateFull
	}
	return RowUpdatePartial
}

// applyTruncateBatchLocked clears the synced base, replays the batch's
// writes, and re-applies the optimistic overlay captured at truncate time.
// Deletes are emitted before inserts.
func (c *Collection[T, K]) applyTruncateBatchLocked(batch *pendingSyncTransaction[T, K]) {
	// Full pre-state: everything currently visible.
	pre := make(map[K]T)
	c.eachVisibleLocked(func(key K, item T) bool {
		pre[key] = item
		return true
	})

	c.syncedData.Clear()
	c.syncedMetadata = make(map[K]map[string]any)

	for _, op := range batch.ops {
		if err := c.applySyncOpLocked(op); err != nil {
			c.log.Warn().Err(err).Any("key", op.key).Msg("truncate replay op failed")
		}
	}

	// Overlay: the snapshot captured at truncate time first, then whatever
	// live transactions still assert.
	c.optimisticUpserts = make(map[K]T)
	c.optimisticDeletes = make(map[K]struct{})
	for k, v := range batch.snapshotUpserts {
		c.optimisticUpserts[k] = v
	}
	for k := range batch.snapshotDeletes {
		c.optimisticDeletes[k] = struct{}{}
	}
	c.overlayActiveTransactionsLocked()

	// Diff: every key in pre or now visible.
	post := make(map[K]T)
	c.eachVisibleLocked(func(key K, item T) bool {
		post[key] = item
		return true
	})

	var events []ChangeEvent[T, K]
	for key, before := range pre {
		beforeCopy := before
		if after, ok := post[key]; ok {
			if !deepEqual(before, after) {
				events = append(events, ChangeEvent[T, K]{Type: EventUpdate, Key: key, Value: after, PreviousValue: &beforeCopy})
			}
		} else {
			events = append(events, ChangeEvent[T, K]{Type: EventDelete, Key: key, Value: before})
		}
		c.recentlySyncedKeys[key] = struct{}{}
	}
	for key, after := range post {
		if _, existed := pre[key]; !existed {
			events = append(events, ChangeEvent[T, K]{Type: EventInsert, Key: key, Value: after})
			c.recentlySyncedKeys[key] = struct{}{}
		}
	}
	sortEventsDeletesFirst(events)
	c.updateIndexesLocked(events)
	c.batchedEvents = append(c.batchedEvents, events...)
}

// diffEventsLocked compares one key's pre-batch value against its current
// visible value and produces at most one event. A sync echo of an optimistic
// value the client already saw is suppressed.
func (c *Collection[T, K]) diffEventsLocked(key K, before *T) []ChangeEvent[T, K] {
	after, visible := c.getVisibleLocked(key)
	switch {
	case before == nil && visible:
		if echo, ok := c.completedEchoes[key]; ok && deepEqual(echo, after) {
			return nil
		}
		return []ChangeEvent[T, K]{{Type: EventInsert, Key: key, Value: after}}
	case before != nil && visible:
		if deepEqual(*before, after) {
			return nil
		}
		if echo, ok := c.completedEchoes[key]; ok && deepEqual(echo, after) {
			return nil
		}
		return []ChangeEvent[T, K]{{Type: EventUpdate, Key: key, Value: after, PreviousValue: before}}
	case before != nil && !visible:
		return []ChangeEvent[T, K]{{Type: EventDelete, Key: key, Value: *before}}
	default:
		return nil
	}
}

// sortEventsDeletesFirst orders one batch's events so deletes precede
// inserts and updates (stable otherwise). Truncate relies on this ordering;
// for plain batches keys are disjoint and it changes nothing observable.
func sortEventsDeletesFirst[T any, K comparable](events []ChangeEvent[T, K]) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Type == EventDelete && events[j].Type != EventDelete
	})
}

// markReady transitions to ready and runs first-ready callbacks exactly once.
func (c *Collection[T, K]) markReady() {
	c.mu.Lock()
	if c.status != StatusReady {
		if err := c.setStatusLocked(StatusReady); err != nil {
			c.mu.Unlock()
			c.log.Error().Err(err).Msg("markReady refused")
			return
		}
	}
	cbs := c.firstReadyCallbacks
	c.firstReadyCallbacks = nil
	c.readySignal.Resolve()
	c.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// updateIndexesLocked folds a slice of emitted events into every index.
func (c *Collection[T, K]) updateIndexesLocked(events []ChangeEvent[T, K]) {
	for _, idx := range c.indexes {
		for _, ev := range events {
			switch ev.Type {
			case EventInsert:
				idx.Add(ev.Key, ev.Value)
			case EventUpdate:
				var old any
				if ev.PreviousValue != nil {
					old = *ev.PreviousValue
				}
				idx.Update(ev.Key, old, ev.Value)
			case EventDelete:
				idx.Remove(ev.Key, ev.Value)
			}
		}
	}
}

// requestLoadSubset forwards a subset request to the adapter. Used by
// subscriptions; returns nil when the adapter supplied no LoadSubset.
func (c *Collection[T, K]) requestLoadSubset(opts LoadSubsetOptions) <-chan error {
	c.mu.Lock()
	fn := c.loadSubset
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(opts)
}

// OrderBy is one ordering term for snapshots and subset loads.
type OrderBy struct {
	Field   []string
	Desc    bool
	Compare index.CompareOptions
}
