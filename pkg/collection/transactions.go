// Transactions and the optimistic overlay.
//
// Every mutation lives inside exactly one transaction. A transaction is
// created explicitly (CreateTransaction + Mutate + Commit) or implicitly by
// a direct collection mutation, which builds an autocommit transaction
// around the collection's configured handler.
//
// While a transaction's Mutate callback runs it sits on the ambient stack,
// and collection mutations attach to it instead of creating their own.
// Mutations on the same global key merge (see mergeMutations); the
// optimistic overlay of each touched collection is recomputed by collapsing
// every live transaction's mutations in creation order.
//
// Commit moves the transaction to persisting and runs its mutation function.
// Success completes it; failure fails it and cascades a rollback to every
// other pending transaction that shares a global key — one hop, secondary
// rollbacks do not cascade further.
package collection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/huginndb/pkg/scheduler"
)

// TransactionState is the transaction lifecycle state.
type TransactionState string

const (
	TxPending    TransactionState = "pending"
	TxPersisting TransactionState = "persisting"
	TxCompleted  TransactionState = "completed"
	TxFailed     TransactionState = "failed"
)

// MutationFunc persists a transaction's mutations to the backend. It runs
// with the transaction in the persisting state.
type MutationFunc func(ctx context.Context, tx *Transaction) error

// PendingMutation is one merged mutation inside a transaction. Key, Original
// and Modified are type-erased so one transaction can span collections of
// different item types.
type PendingMutation struct {
	MutationID string
	Type       OperationType
	Key        any
	// GlobalKey is "KEY::<collectionID>/<key>", the identity used for
	// intra-transaction merging and cross-transaction conflict detection.
	GlobalKey string
	// Original is the pre-image; nil for inserts.
	Original any
	// Modified is the post-image; for deletes it carries the removed value.
	Modified any
	// Changes is the minimal top-level diff.
	Changes      map[string]any
	Metadata     map[string]any
	SyncMetadata map[string]any
	Optimistic   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time

	collection txCollection
}

// txCollection is the collection surface transactions need; Collection[T,K]
// implements it for every T/K.
type txCollection interface {
	ID() string
	// refreshOptimistic recomputes the overlay after mutations changed.
	// Inside the owning transaction's ambient phase, event emission is
	// scheduled onto the transaction's flush; otherwise it is immediate.
	refreshOptimistic(tx *Transaction)
	// transactionSettled runs when tx reaches a terminal state: deferred
	// sync batches become eligible and the overlay is recomputed.
	transactionSettled(tx *Transaction)
}

// TransactionConfig configures CreateTransaction.
type TransactionConfig struct {
	// MutationFn persists the transaction on commit. Required.
	MutationFn MutationFunc
	// AutoCommit commits automatically after Mutate returns.
	AutoCommit bool
	Metadata   map[string]any
}

// Transaction groups mutations for a single commit.
type Transaction struct {
	mu sync.Mutex

	id         string
	state      TransactionState
	autoCommit bool
	mutations  []*PendingMutation
	mutationFn MutationFunc
	metadata   map[string]any
	createdAt  time.Time
	seq        int64
	err        error

	isPersisted *Deferred

	// collections touched by this transaction's mutations.
	collections map[txCollection]struct{}
}

// ============================================================================
// Registry, ambient stack, scheduler
// ============================================================================

var txSeq int64

var txRegistry = struct {
	mu   sync.Mutex
	byID map[string]*Transaction
}{byID: make(map[string]*Transaction)}

// ambientStack is process-wide with strict push/pop discipline. Nested
// Mutate calls stack; the top transaction adopts collection mutations.
var ambientStack = struct {
	mu    sync.Mutex
	stack []*Transaction
}{}

// txScheduler orders deferred effects (event emission) of a mutation phase.
var txScheduler = scheduler.New()

func pushAmbient(t *Transaction) {
	ambientStack.mu.Lock()
	ambientStack.stack = append(ambientStack.stack, t)
	ambientStack.mu.Unlock()
}

func popAmbient() {
	ambientStack.mu.Lock()
	ambientStack.stack = ambientStack.stack[:len(ambientStack.stack)-1]
	ambientStack.mu.Unlock()
}

// AmbientTransaction returns the transaction collection mutations currently
// attach to, or nil.
func AmbientTransaction() *Transaction {
	ambientStack.mu.Lock()
	defer ambientStack.mu.Unlock()
	if n := len(ambientStack.stack); n > 0 {
		return ambientStack.stack[n-1]
	}
	return nil
}

// ============================================================================
// Construction and accessors
// ============================================================================

// CreateTransaction creates a pending transaction.
//
// Returns ErrMissingMutationFunction when cfg.MutationFn is nil.
func CreateTransaction(cfg TransactionConfig) (*Transaction, error) {
	if cfg.MutationFn == nil {
		return nil, ErrMissingMutationFunction
	}
	t := &Transaction{
		id:          uuid.NewString(),
		state:       TxPending,
		autoCommit:  cfg.AutoCommit,
		mutationFn:  cfg.MutationFn,
		metadata:    cfg.Metadata,
		createdAt:   time.Now(),
		seq:         atomic.AddInt64(&txSeq, 1),
		isPersisted: NewDeferred(),
		collections: make(map[txCollection]struct{}),
	}
	txRegistry.mu.Lock()
	txRegistry.byID[t.id] = t
	txRegistry.mu.Unlock()
	return t, nil
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure cause after the transaction failed.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// IsPersisted resolves when the transaction completes and rejects when it
// fails or rolls back.
func (t *Transaction) IsPersisted() *Deferred { return t.isPersisted }

// CreatedAt returns the creation timestamp.
func (t *Transaction) CreatedAt() time.Time { return t.createdAt }

// AutoCommit reports whether the transaction commits after Mutate.
func (t *Transaction) AutoCommit() bool { return t.autoCommit }

// Metadata returns the metadata supplied at creation.
func (t *Transaction) Metadata() map[string]any { return t.metadata }

// Mutations returns a snapshot of the transaction's merged mutations.
func (t *Transaction) Mutations() []*PendingMutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PendingMutation, len(t.mutations))
	copy(out, t.mutations)
	return out
}

// MutationsForCollection filters the snapshot to one collection's mutations.
func (t *Transaction) MutationsForCollection(collectionID string) []*PendingMutation {
	var out []*PendingMutation
	for _, m := range t.Mutations() {
		if m.collection != nil && m.collection.ID() == collectionID {
			out = append(out, m)
		}
	}
	return out
}

func (t *Transaction) globalKeys() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make(map[string]struct{}, len(t.mutations))
	for _, m := range t.mutations {
		keys[m.GlobalKey] = struct{}{}
	}
	return keys
}

// ============================================================================
// Mutate / commit / rollback
// ============================================================================

// Mutate registers the transaction as ambient, runs fn, then flushes the
// deferred effects the mutation phase scheduled. With AutoCommit the commit
// starts asynchronously after the flush; await IsPersisted for the outcome.
//
// The ambient stack is process-wide with stack discipline: mutation phases
// assume a single logical mutator (nested Mutate calls are fine, concurrent
// ones from independent goroutines are not). Reads and sync commits from
// other goroutines stay safe throughout.
func (t *Transaction) Mutate(fn func() error) error {
	if t.State() != TxPending {
		return ErrTransactionNotPendingMutate
	}

	pushAmbient(t)
	err := func() error {
		defer popAmbient()
		return fn()
	}()

	// Effects queued during the ambient phase run only after it ends, and
	// in dependency order per collection.
	if flushErr := txScheduler.Flush(t.id); flushErr != nil && err == nil {
		err = flushErr
	}
	txScheduler.ClearContext(t.id)

	if err != nil {
		return err
	}
	if t.autoCommit {
		go func() {
			_ = t.Commit(context.Background())
		}()
	}
	return nil
}

// Commit persists the transaction: pending → persisting → completed, or
// failed when the mutation function errors (cascading a rollback to
// conflicting pending transactions).
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != TxPending {
		t.mu.Unlock()
		return ErrTransactionNotPendingCommit
	}
	t.state = TxPersisting
	fn := t.mutationFn
	empty := len(t.mutations) == 0
	t.mu.Unlock()

	if empty {
		t.settle(TxCompleted, nil)
		return nil
	}

	err := fn(ctx, t)
	if err != nil {
		t.settle(TxFailed, err)
		t.cascadeRollback()
		return err
	}
	t.settle(TxCompleted, nil)
	return nil
}

// Rollback abandons a pending (or persisting) transaction, reverting its
// optimistic state and cascading to conflicting pending transactions.
func (t *Transaction) Rollback() error {
	return t.rollback(true)
}

func (t *Transaction) rollback(primary bool) error {
	t.mu.Lock()
	if t.state == TxCompleted || t.state == TxFailed {
		t.mu.Unlock()
		return ErrTransactionNotPendingRollback
	}
	t.mu.Unlock()

	t.settle(TxFailed, fmt.Errorf("transaction %s rolled back", t.id))
	if primary {
		t.cascadeRollback()
	}
	return nil
}

// settle moves the transaction to a terminal state, resolves IsPersisted,
// and notifies every touched collection. Must be called without t.mu held.
func (t *Transaction) settle(state TransactionState, cause error) {
	t.mu.Lock()
	if t.state == TxCompleted || t.state == TxFailed {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.err = cause
	cols := make([]txCollection, 0, len(t.collections))
	for col := range t.collections {
		cols = append(cols, col)
	}
	t.mu.Unlock()

	// Stable notification order keeps multi-collection tests deterministic.
	sort.Slice(cols, func(i, j int) bool { return cols[i].ID() < cols[j].ID() })
	for _, col := range cols {
		col.transactionSettled(t)
	}

	if state == TxCompleted {
		t.isPersisted.Resolve()
	} else {
		t.isPersisted.Reject(cause)
	}

	txRegistry.mu.Lock()
	delete(txRegistry.byID, t.id)
	txRegistry.mu.Unlock()
}

// cascadeRollback rolls back every other pending transaction that shares a
// global key with this one. One hop only: the secondary rollbacks do not
// cascade further.
func (t *Transaction) cascadeRollback() {
	mine := t.globalKeys()

	txRegistry.mu.Lock()
	var conflicting []*Transaction
	for _, other := range txRegistry.byID {
		if other == t {
			continue
		}
		if other.State() != TxPending {
			continue
		}
		for _, m := range other.Mutations() {
			if _, clash := mine[m.GlobalKey]; clash {
				conflicting = append(conflicting, other)
				break
			}
		}
	}
	txRegistry.mu.Unlock()

	sort.Slice(conflicting, func(i, j int) bool { return conflicting[i].seq < conflicting[j].seq })
	for _, other := range conflicting {
		_ = other.rollback(false)
	}
}

// ============================================================================
// Mutation attachment and merging
// ============================================================================

// addMutations merges muts into the transaction. Caller then triggers
// refreshOptimistic on the touched collection.
func (t *Transaction) addMutations(col txCollection, muts []*PendingMutation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxPending {
		return ErrTransactionNotPendingMutate
	}
	t.collections[col] = struct{}{}
	for _, next := range muts {
		next.collection = col
		idx := -1
		for i, prev := range t.mutations {
			if prev.GlobalKey == next.GlobalKey {
				idx = i
				break
			}
		}
		if idx < 0 {
			t.mutations = append(t.mutations, next)
			continue
		}
		merged, drop := mergeMutations(t.mutations[idx], next)
		if drop {
			t.mutations = append(t.mutations[:idx], t.mutations[idx+1:]...)
			continue
		}
		t.mutations[idx] = merged
	}
	return nil
}

// mergeMutations folds a successor mutation into its same-global-key
// predecessor:
//
//	prev \ next   insert          update                      delete
//	insert        replace         insert (post-image=next)    drop both
//	update        replace/insert  update (union changes)      delete
//	delete        replace         (unreachable)               (unreachable)
//
// The unreachable cells are guarded by the mutation builders: an update or
// delete requires a visible value, and a key deleted earlier in the same
// transaction is not visible.
func mergeMutations(prev, next *PendingMutation) (*PendingMutation, bool) {
	now := time.Now()
	switch prev.Type {
	case OpInsert:
		switch next.Type {
		case OpInsert:
			return next, false
		case OpUpdate:
			merged := *next
			merged.Type = OpInsert
			merged.Original = nil
			merged.Changes = unionChanges(prev.Changes, next.Changes)
			merged.CreatedAt = prev.CreatedAt
			merged.UpdatedAt = now
			return &merged, false
		case OpDelete:
			return nil, true
		}
	case OpUpdate:
		switch next.Type {
		case OpInsert:
			return next, false
		case OpUpdate:
			merged := *next
			merged.Original = prev.Original
			merged.Changes = unionChanges(prev.Changes, next.Changes)
			merged.CreatedAt = prev.CreatedAt
			merged.UpdatedAt = now
			return &merged, false
		case OpDelete:
			merged := *next
			merged.Original = prev.Original
			merged.CreatedAt = prev.CreatedAt
			merged.UpdatedAt = now
			return &merged, false
		}
	case OpDelete:
		if next.Type == OpInsert {
			return next, false
		}
	}
	return next, false
}

func unionChanges(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// ============================================================================
// Collection side: overlay recomputation
// ============================================================================

// registerTransactionLocked tracks tx in seq order. Caller holds c.mu.
func (c *Collection[T, K]) registerTransactionLocked(tx *Transaction) {
	for _, existing := range c.transactions {
		if existing == tx {
			return
		}
	}
	c.transactions = append(c.transactions, tx)
	sort.SliceStable(c.transactions, func(i, j int) bool {
		return c.transactions[i].seq < c.transactions[j].seq
	})
}

func (c *Collection[T, K]) unregisterTransactionLocked(tx *Transaction) {
	for i, existing := range c.transactions {
		if existing == tx {
			c.transactions = append(c.transactions[:i], c.transactions[i+1:]...)
			return
		}
	}
}

// refreshOptimistic recomputes the overlay after tx's mutation set changed.
//
// Within tx's own ambient phase, state updates immediately (reads inside the
// callback see every mutation issued so far) but emission is deferred: one
// scheduler job per collection diffs the phase-start baseline against the
// final state when the phase flushes, so a mutation and its revert cancel.
// Outside an ambient phase the diff is emitted immediately.
func (c *Collection[T, K]) refreshOptimistic(tx *Transaction) {
	c.mu.Lock()
	c.registerTransactionLocked(tx)

	if AmbientTransaction() == tx {
		c.extendAmbientBaselineLocked()
		c.rebuildOverlayLocked()
		scheduled := c.ambientEmitScheduled
		c.ambientEmitScheduled = true
		c.mu.Unlock()

		if !scheduled {
			txScheduler.Schedule(tx.id, c.id+"/emit", nil, c.flushAmbientDiff)
		}
		return
	}

	events := c.recomputeOptimisticLocked()
	c.mu.Unlock()
	c.deliverEvents(events)
}

// extendAmbientBaselineLocked records the current visible value for every
// key the live transactions touch, the first time the phase reaches it.
func (c *Collection[T, K]) extendAmbientBaselineLocked() {
	if c.ambientBaseline == nil {
		c.ambientBaseline = make(map[K]*T)
	}
	for key := range c.affectedKeysLocked() {
		if _, seen := c.ambientBaseline[key]; seen {
			continue
		}
		if v, ok := c.getVisibleLocked(key); ok {
			vv := v
			c.ambientBaseline[key] = &vv
		} else {
			c.ambientBaseline[key] = nil
		}
	}
}

// flushAmbientDiff is the scheduler job that closes a mutation phase for
// this collection: diff the phase baseline against the final visible state
// and deliver the net events.
func (c *Collection[T, K]) flushAmbientDiff() {
	c.mu.Lock()
	baseline := c.ambientBaseline
	c.ambientBaseline = nil
	c.ambientEmitScheduled = false
	events := c.diffAgainstLocked(baseline)
	c.mu.Unlock()

	c.deliverEvents(events)
}

// asTxCollection returns the type-erased self used as a map key in
// transactions. The method value is stable because the receiver is a
// pointer.
func (c *Collection[T, K]) asTxCollection() txCollection { return c }

// transactionSettled handles a terminal transaction: completed mutations
// leave sync-echo markers, deferred sync batches get their chance to apply,
// and the overlay is recomputed without the settled transaction.
func (c *Collection[T, K]) transactionSettled(tx *Transaction) {
	c.mu.Lock()
	if tx.State() == TxCompleted {
		for _, m := range tx.MutationsForCollection(c.id) {
			if !m.Optimistic {
				continue
			}
			if key, ok := m.Key.(K); ok && (m.Type == OpInsert || m.Type == OpUpdate) {
				c.completedEchoes[key] = m.Modified
			}
		}
		// A collection without a sync adapter is its own source of truth:
		// confirmed mutations land in the synced base directly.
		if c.cfg.Sync == nil {
			c.absorbMutationsLocked(tx)
		}
	}
	c.unregisterTransactionLocked(tx)

	syncEvents, err := c.commitPendingTransactionsLocked()
	if err != nil {
		c.log.Error().Err(err).Msg("deferred sync commit failed")
	}
	overlayEvents := c.recomputeOptimisticLocked()
	c.mu.Unlock()

	c.deliverEvents(append(syncEvents, overlayEvents...))
}

// recomputeOptimisticLocked rebuilds the overlay from the live transactions
// and returns diff events for every key whose visible value moved.
func (c *Collection[T, K]) recomputeOptimisticLocked() []ChangeEvent[T, K] {
	affected := c.affectedKeysLocked()
	pre := make(map[K]*T, len(affected))
	for key := range affected {
		if v, ok := c.getVisibleLocked(key); ok {
			vv := v
			pre[key] = &vv
		} else {
			pre[key] = nil
		}
	}

	c.rebuildOverlayLocked()
	return c.diffAgainstLocked(pre)
}

// affectedKeysLocked is the union of keys in the overlay and keys any
// registered transaction mutates: the keys whose visible value can move when
// the overlay is rebuilt.
func (c *Collection[T, K]) affectedKeysLocked() map[K]struct{} {
	affected := make(map[K]struct{})
	for k := range c.optimisticUpserts {
		affected[k] = struct{}{}
	}
	for k := range c.optimisticDeletes {
		affected[k] = struct{}{}
	}
	for _, tx := range c.transactions {
		for _, m := range tx.MutationsForCollection(c.id) {
			if key, ok := m.Key.(K); ok {
				affected[key] = struct{}{}
			}
		}
	}
	return affected
}

// diffAgainstLocked compares a pre-state against the current visible view,
// updates indexes, and returns (or buffers) the resulting events.
func (c *Collection[T, K]) diffAgainstLocked(pre map[K]*T) []ChangeEvent[T, K] {
	var events []ChangeEvent[T, K]
	for key, before := range pre {
		after, visible := c.getVisibleLocked(key)
		switch {
		case before == nil && visible:
			if _, synced := c.recentlySyncedKeys[key]; synced {
				// Optimistic echo of a value the sync layer just applied
				// and already announced.
				if base, ok := c.syncedData.Get(key); ok && deepEqual(base, after) {
					continue
				}
			}
			events = append(events, ChangeEvent[T, K]{Type: EventInsert, Key: key, Value: after})
		case before != nil && visible:
			if deepEqual(*before, after) {
				continue
			}
			events = append(events, ChangeEvent[T, K]{Type: EventUpdate, Key: key, Value: after, PreviousValue: before})
		case before != nil && !visible:
			events = append(events, ChangeEvent[T, K]{Type: EventDelete, Key: key, Value: *before})
		}
	}
	sortEventsDeletesFirst(events)
	c.updateIndexesLocked(events)
	return c.collectEventsLocked(events)
}

// absorbMutationsLocked writes a completed transaction's mutations into the
// synced base. Only used when no sync adapter is configured.
func (c *Collection[T, K]) absorbMutationsLocked(tx *Transaction) {
	for _, m := range tx.MutationsForCollection(c.id) {
		key, ok := m.Key.(K)
		if !ok {
			continue
		}
		switch m.Type {
		case OpInsert, OpUpdate:
			if item, ok := m.Modified.(T); ok {
				c.syncedData.Set(key, item)
			}
		case OpDelete:
			c.syncedData.Delete(key)
			delete(c.syncedMetadata, key)
		}
	}
}

// rebuildOverlayLocked clears the optimistic maps and collapses every live
// transaction's mutations in creation order.
func (c *Collection[T, K]) rebuildOverlayLocked() {
	c.optimisticUpserts = make(map[K]T)
	c.optimisticDeletes = make(map[K]struct{})
	c.overlayActiveTransactionsLocked()
}

func (c *Collection[T, K]) overlayActiveTransactionsLocked() {
	for _, tx := range c.transactions {
		state := tx.State()
		if state != TxPending && state != TxPersisting {
			continue
		}
		for _, m := range tx.MutationsForCollection(c.id) {
			if !m.Optimistic {
				continue
			}
			key, ok := m.Key.(K)
			if !ok {
				continue
			}
			switch m.Type {
			case OpInsert, OpUpdate:
				if item, ok := m.Modified.(T); ok {
					c.optimisticUpserts[key] = item
					delete(c.optimisticDeletes, key)
				}
			case OpDelete:
				delete(c.optimisticUpserts, key)
				c.optimisticDeletes[key] = struct{}{}
			}
		}
	}
}
