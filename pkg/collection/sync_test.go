// Sync glue tests: write protocol, commit semantics, truncate and the
// defer-while-persisting rule.
package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncWriteProtocol(t *testing.T) {
	c, ms := newSyncedCollection(t)

	t.Run("write requires begin", func(t *testing.T) {
		err := ms.params.Write(SyncWrite[todo]{Type: OpInsert, Value: todo{ID: "x"}})
		assert.ErrorIs(t, err, ErrNoPendingSyncTransaction)
	})

	t.Run("commit requires begin", func(t *testing.T) {
		assert.ErrorIs(t, ms.params.Commit(), ErrNoPendingSyncTransaction)
	})

	t.Run("write after commit is rejected", func(t *testing.T) {
		require.NoError(t, ms.params.Begin())
		require.NoError(t, ms.params.Write(SyncWrite[todo]{Type: OpInsert, Value: todo{ID: "a"}}))
		require.NoError(t, ms.params.Commit())
		err := ms.params.Write(SyncWrite[todo]{Type: OpInsert, Value: todo{ID: "b"}})
		assert.ErrorIs(t, err, ErrNoPendingSyncTransaction)
	})

	if _, ok := c.Get("a"); !ok {
		t.Error("committed write should be visible")
	}
	if !c.HasReceivedFirstCommit() {
		t.Error("first commit flag should be set")
	}
}

func TestSyncCommitEmitsDiffEvents(t *testing.T) {
	c, ms := newSyncedCollection(t, todo{ID: "a", Text: "v1"})
	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ms.push(todo{ID: "a", Text: "v2"}, todo{ID: "b", Text: "new"})

	events := rec.all()
	require.Len(t, events, 2)
	byKey := map[string]ChangeEvent[todo, string]{}
	for _, ev := range events {
		byKey[ev.Key] = ev
	}
	assert.Equal(t, EventUpdate, byKey["a"].Type)
	require.NotNil(t, byKey["a"].PreviousValue)
	assert.Equal(t, "v1", byKey["a"].PreviousValue.Text)
	assert.Equal(t, EventInsert, byKey["b"].Type)
}

func TestSyncReassertEmitsNothing(t *testing.T) {
	c, ms := newSyncedCollection(t, todo{ID: "a", Text: "same"})
	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ms.push(todo{ID: "a", Text: "same"})
	assert.Zero(t, rec.count(), "re-asserting the current value emits nothing")
	_ = c
}

func TestSyncDuplicateInsert(t *testing.T) {
	_, ms := newSyncedCollection(t, todo{ID: "a", Text: "stored"})

	t.Run("different value errors", func(t *testing.T) {
		require.NoError(t, ms.params.Begin())
		require.NoError(t, ms.params.Write(SyncWrite[todo]{Type: OpInsert, Value: todo{ID: "a", Text: "conflict"}}))
		err := ms.params.Commit()
		var dup *DuplicateKeySyncError
		assert.ErrorAs(t, err, &dup)
	})

	t.Run("deep-equal value is a no-op update", func(t *testing.T) {
		require.NoError(t, ms.params.Begin())
		require.NoError(t, ms.params.Write(SyncWrite[todo]{Type: OpInsert, Value: todo{ID: "a", Text: "stored"}}))
		assert.NoError(t, ms.params.Commit())
	})
}

func TestRowUpdateModes(t *testing.T) {
	type doc struct {
		ID string `json:"id"`
		A  string `json:"a"`
		B  string `json:"b"`
	}

	newDocCollection := func(t *testing.T, mode RowUpdateMode) (*Collection[doc, string], *SyncParams[doc, string]) {
		t.Helper()
		var captured SyncParams[doc, string]
		c, err := New(Config[doc, string]{
			ID:         "docs-" + string(mode) + t.Name(),
			GetKey:     func(d doc) string { return d.ID },
			GCDisabled: true,
			StartSync:  true,
			Sync: &SyncConfig[doc, string]{
				RowUpdateMode: mode,
				Sync: func(p SyncParams[doc, string]) SyncResult {
					captured = p
					p.MarkReady()
					return SyncResult{}
				},
			},
		})
		require.NoError(t, err)
		require.NoError(t, captured.Begin())
		require.NoError(t, captured.Write(SyncWrite[doc]{Type: OpInsert, Value: doc{ID: "d", A: "a1", B: "b1"}}))
		require.NoError(t, captured.Commit())
		return c, &captured
	}

	t.Run("partial shallow-merges", func(t *testing.T) {
		c, p := newDocCollection(t, RowUpdatePartial)
		require.NoError(t, p.Begin())
		require.NoError(t, p.Write(SyncWrite[doc]{Type: OpUpdate, Value: doc{ID: "d", A: "a2"}}))
		require.NoError(t, p.Commit())
		got, _ := c.Get("d")
		assert.Equal(t, "a2", got.A)
		assert.Equal(t, "b1", got.B, "untouched field survives a partial update")
	})

	t.Run("full replaces", func(t *testing.T) {
		c, p := newDocCollection(t, RowUpdateFull)
		require.NoError(t, p.Begin())
		require.NoError(t, p.Write(SyncWrite[doc]{Type: OpUpdate, Value: doc{ID: "d", A: "a2"}}))
		require.NoError(t, p.Commit())
		got, _ := c.Get("d")
		assert.Equal(t, "a2", got.A)
		assert.Equal(t, "", got.B, "full mode replaces the stored row")
	})
}

func TestSyncMetadata(t *testing.T) {
	c, ms := newSyncedCollection(t)
	require.NoError(t, ms.params.Begin())
	require.NoError(t, ms.params.Write(SyncWrite[todo]{
		Type:     OpInsert,
		Value:    todo{ID: "m"},
		Metadata: map[string]any{"etag": "abc"},
	}))
	require.NoError(t, ms.params.Commit())

	c.mu.Lock()
	meta := c.syncedMetadata["m"]
	c.mu.Unlock()
	assert.Equal(t, "abc", meta["etag"])
}

func TestTruncateSemantics(t *testing.T) {
	c, ms := newSyncedCollection(t,
		todo{ID: "a", Text: "keep"},
		todo{ID: "b", Text: "drop"},
		todo{ID: "c", Text: "drop"},
	)

	// Optimistic overlay present at truncate time must survive via the
	// captured snapshot.
	tx, err := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
	require.NoError(t, err)
	require.NoError(t, tx.Mutate(func() error {
		_, err := c.Insert([]todo{{ID: "opt", Text: "overlay"}}, nil)
		return err
	}))
	defer func() { _ = tx.Rollback() }()

	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Truncate batch re-asserts "a" and introduces "e".
	require.NoError(t, ms.params.Begin())
	require.NoError(t, ms.params.Truncate())
	require.NoError(t, ms.params.Write(SyncWrite[todo]{Type: OpInsert, Value: todo{ID: "a", Text: "keep"}}))
	require.NoError(t, ms.params.Write(SyncWrite[todo]{Type: OpInsert, Value: todo{ID: "e", Text: "new"}}))
	require.NoError(t, ms.params.Commit())

	t.Run("final state", func(t *testing.T) {
		assert.True(t, c.Has("a"))
		assert.True(t, c.Has("e"))
		assert.True(t, c.Has("opt"), "optimistic snapshot replays over the truncate")
		assert.False(t, c.Has("b"))
		assert.False(t, c.Has("c"))
	})

	t.Run("deletes precede inserts", func(t *testing.T) {
		events := rec.all()
		firstInsert := len(events)
		lastDelete := -1
		for i, ev := range events {
			switch ev.Type {
			case EventInsert:
				if i < firstInsert {
					firstInsert = i
				}
			case EventDelete:
				lastDelete = i
			}
		}
		if lastDelete >= 0 && lastDelete > firstInsert {
			t.Errorf("delete after insert in truncate batch: %v", events)
		}
		deleted := map[string]bool{}
		for _, ev := range events {
			if ev.Type == EventDelete {
				deleted[ev.Key] = true
			}
		}
		assert.True(t, deleted["b"] && deleted["c"], "dropped rows emit deletes: %v", events)
		assert.False(t, deleted["a"], "re-asserted row does not flap")
	})
}

func TestSyncDeferredWhilePersisting(t *testing.T) {
	ms := &manualSync{autoReady: true}
	release := make(chan struct{})
	entered := make(chan struct{})

	c, err := New(Config[todo, string]{
		ID:         "defer-" + t.Name(),
		GetKey:     todoKey,
		GCDisabled: true,
		StartSync:  true,
		Sync:       ms.config(),
		OnInsert: func(ctx context.Context, p HandlerParams) error {
			close(entered)
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	tx, err := c.Insert([]todo{{ID: "mine", Text: "optimistic"}}, nil)
	require.NoError(t, err)
	<-entered // handler is persisting now

	// A sync batch for an unrelated key arrives mid-persist: deferred.
	ms.push(todo{ID: "other", Text: "from server"})
	assert.False(t, c.Has("other"), "batch must defer while a transaction persists")

	close(release)
	waitPersisted(t, tx)
	time.Sleep(10 * time.Millisecond)

	assert.True(t, c.Has("other"), "deferred batch applies once transactions settle")
}

func TestSyncErrorStateGatesMutations(t *testing.T) {
	c := newLocalCollection(t)
	c.mu.Lock()
	require.NoError(t, c.setStatusLocked(StatusLoading))
	require.NoError(t, c.setStatusLocked(StatusError))
	c.mu.Unlock()

	_, err := c.Insert([]todo{{ID: "x"}}, nil)
	var stateErr *CollectionInErrorStateError
	assert.ErrorAs(t, err, &stateErr)

	_, err = c.CurrentStateAsChanges(SnapshotOptions{})
	assert.ErrorAs(t, err, &stateErr)
}

func TestOnDemandSyncRequiresLoadSubset(t *testing.T) {
	_, err := New(Config[todo, string]{
		GetKey:     todoKey,
		GCDisabled: true,
		StartSync:  true,
		Sync: &SyncConfig[todo, string]{
			Mode: SyncOnDemand,
			Sync: func(p SyncParams[todo, string]) SyncResult {
				p.MarkReady()
				return SyncResult{} // no LoadSubset
			},
		},
	})
	var cfgErr *CollectionConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected CollectionConfigurationError, got %v", err)
	}
}
