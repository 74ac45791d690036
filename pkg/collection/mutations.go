// Mutation manager: optimistic insert, update and delete.
//
// Each public mutation validates against the visible view, produces
// PendingMutations, and attaches them to the ambient transaction when one is
// on the stack. Without an ambient transaction, an implicit autocommit
// transaction is created around the collection's configured handler; a
// missing handler is an error, not a silent local write.
//
// Updates hand the callback a deep-cloned draft and diff it against the
// original afterwards. The diff is the source of truth for Changes: setting
// a field and setting it back contributes nothing, and a fully reverted
// draft produces no mutation at all.
package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WriteOptions carries per-call mutation options.
type WriteOptions struct {
	// Metadata is attached to each produced mutation.
	Metadata map[string]any
	// Optimistic controls whether the mutation applies to the overlay
	// before the handler confirms. Defaults to true.
	Optimistic *bool
}

func (o *WriteOptions) optimistic() bool {
	if o == nil || o.Optimistic == nil {
		return true
	}
	return *o.Optimistic
}

func (o *WriteOptions) metadata() map[string]any {
	if o == nil {
		return nil
	}
	return o.Metadata
}

// Insert adds items to the collection.
//
// Each item is schema-validated and checked for key collisions against the
// visible view (and against its batch siblings). Returns the transaction the
// mutations attached to: the ambient one, or a new autocommit transaction
// driven by the OnInsert handler.
func (c *Collection[T, K]) Insert(items []T, opts *WriteOptions) (*Transaction, error) {
	if err := c.ensureUsable(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &CollectionConfigurationError{Reason: "insert requires at least one item"}
	}

	c.mu.Lock()
	muts := make([]*PendingMutation, 0, len(items))
	batchKeys := make(map[K]struct{}, len(items))
	for _, item := range items {
		if err := c.validateSchema(item); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		key, err := c.keyOf(item)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if _, dup := batchKeys[key]; dup {
			c.mu.Unlock()
			return nil, &DuplicateKeyError{CollectionID: c.id, Key: key}
		}
		if _, visible := c.getVisibleLocked(key); visible {
			c.mu.Unlock()
			return nil, &DuplicateKeyError{CollectionID: c.id, Key: key}
		}
		batchKeys[key] = struct{}{}
		clone := deepClone(item)
		muts = append(muts, c.newMutation(OpInsert, key, nil, clone, diffChanges(nil, clone), opts))
	}
	c.mu.Unlock()

	return c.attach(c.fillSyncMetadata(muts), "insert", c.cfg.OnInsert)
}

// InsertOne is Insert for a single item with default options.
func (c *Collection[T, K]) InsertOne(item T) (*Transaction, error) {
	return c.Insert([]T{item}, nil)
}

// Update mutates the items at keys through a draft callback.
//
// For every key the current visible item is deep-cloned; the callback
// mutates the clone in place. Changing an item's key is rejected. A callback
// that leaves the draft equal to the original produces no mutation.
func (c *Collection[T, K]) Update(keys []K, opts *WriteOptions, fn func(draft *T)) (*Transaction, error) {
	if err := c.ensureUsable(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrMissingUpdateArgument
	}
	if len(keys) == 0 {
		return nil, ErrNoKeysPassedToUpdate
	}

	// Snapshot originals under the lock; the draft callback is user code
	// and runs with the lock released.
	c.mu.Lock()
	originals := make([]T, 0, len(keys))
	for _, key := range keys {
		original, visible := c.getVisibleLocked(key)
		if !visible {
			c.mu.Unlock()
			return nil, &UpdateKeyNotFoundError{CollectionID: c.id, Key: key}
		}
		originals = append(originals, original)
	}
	c.mu.Unlock()

	muts := make([]*PendingMutation, 0, len(keys))
	for i, key := range keys {
		original := originals[i]
		draft := deepClone(original)
		fn(&draft)

		changes := diffChanges(original, draft)
		if len(changes) == 0 {
			// Fully reverted (or untouched): no mutation.
			continue
		}
		newKey, err := c.keyOf(draft)
		if err != nil {
			return nil, err
		}
		if newKey != key {
			return nil, &KeyUpdateNotAllowedError{CollectionID: c.id, Key: key, NewKey: newKey}
		}
		// Validation runs on the merged post-image; Changes still records
		// only what the callback touched.
		if err := c.validateSchema(draft); err != nil {
			return nil, err
		}
		muts = append(muts, c.newMutation(OpUpdate, key, deepClone(original), draft, changes, opts))
	}

	if len(muts) == 0 {
		// No effective change; nothing to persist, nothing to attach.
		return AmbientTransaction(), nil
	}
	return c.attach(c.fillSyncMetadata(muts), "update", c.cfg.OnUpdate)
}

// UpdateOne is Update for a single key with default options.
func (c *Collection[T, K]) UpdateOne(key K, fn func(draft *T)) (*Transaction, error) {
	return c.Update([]K{key}, nil, fn)
}

// Delete removes the items at keys.
//
// Every key must be visible; the produced mutations carry the current value
// as their pre-image.
func (c *Collection[T, K]) Delete(keys []K, opts *WriteOptions) (*Transaction, error) {
	if err := c.ensureUsable(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNoKeysPassedToDelete
	}

	c.mu.Lock()
	muts := make([]*PendingMutation, 0, len(keys))
	for _, key := range keys {
		original, visible := c.getVisibleLocked(key)
		if !visible {
			c.mu.Unlock()
			return nil, &DeleteKeyNotFoundError{CollectionID: c.id, Key: key}
		}
		originalClone := deepClone(original)
		muts = append(muts, c.newMutation(OpDelete, key, originalClone, originalClone, nil, opts))
	}
	c.mu.Unlock()

	return c.attach(c.fillSyncMetadata(muts), "delete", c.cfg.OnDelete)
}

// DeleteOne is Delete for a single key with default options.
func (c *Collection[T, K]) DeleteOne(key K) (*Transaction, error) {
	return c.Delete([]K{key}, nil)
}

// fillSyncMetadata attaches the synced layer's per-key metadata to each
// mutation, so handlers can hand back etags or versions to the backend.
func (c *Collection[T, K]) fillSyncMetadata(muts []*PendingMutation) []*PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range muts {
		key, ok := m.Key.(K)
		if !ok {
			continue
		}
		if meta := c.syncedMetadata[key]; meta != nil {
			m.SyncMetadata = cloneMetadata(meta)
		}
	}
	return muts
}

// newMutation builds one PendingMutation. Touches no collection state.
func (c *Collection[T, K]) newMutation(typ OperationType, key K, original, modified any, changes map[string]any, opts *WriteOptions) *PendingMutation {
	now := time.Now()
	return &PendingMutation{
		MutationID: uuid.NewString(),
		Type:       typ,
		Key:        key,
		GlobalKey:  c.globalKey(key),
		Original:   original,
		Modified:   modified,
		Changes:    changes,
		Metadata:   cloneMetadata(opts.metadata()),
		Optimistic: opts.optimistic(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// globalKey builds the cross-transaction identity of (collection, key).
func (c *Collection[T, K]) globalKey(key K) string {
	return fmt.Sprintf("KEY::%s/%v", c.id, key)
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// attach routes mutations to the ambient transaction, or wraps them in an
// autocommit transaction around the matching handler.
func (c *Collection[T, K]) attach(muts []*PendingMutation, op string, handler HandlerFunc) (*Transaction, error) {
	if ambient := AmbientTransaction(); ambient != nil {
		if err := ambient.addMutations(c.asTxCollection(), muts); err != nil {
			return nil, err
		}
		c.refreshOptimistic(ambient)
		return ambient, nil
	}

	if handler == nil {
		return nil, &MissingHandlerError{CollectionID: c.id, Operation: op}
	}
	tx, err := CreateTransaction(TransactionConfig{
		AutoCommit: true,
		MutationFn: func(ctx context.Context, t *Transaction) error {
			return handler(ctx, HandlerParams{Transaction: t})
		},
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Mutate(func() error {
		if err := tx.addMutations(c.asTxCollection(), muts); err != nil {
			return err
		}
		c.refreshOptimistic(tx)
		return nil
	}); err != nil {
		return nil, err
	}
	return tx, nil
}

// ensureUsable gates mutations on lifecycle state: error raises, cleaned-up
// restarts sync lazily.
func (c *Collection[T, K]) ensureUsable() error {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	switch status {
	case StatusError:
		return &CollectionInErrorStateError{CollectionID: c.id}
	case StatusCleanedUp:
		return c.StartSync()
	default:
		return nil
	}
}
