// Transaction layer tests: ambient stack, mutation merging, commit and
// cascading rollback.
package collection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTransactionRequiresMutationFn(t *testing.T) {
	_, err := CreateTransaction(TransactionConfig{})
	if !errors.Is(err, ErrMissingMutationFunction) {
		t.Fatalf("expected ErrMissingMutationFunction, got %v", err)
	}
}

func TestAmbientStackDiscipline(t *testing.T) {
	if AmbientTransaction() != nil {
		t.Fatal("no ambient transaction expected at rest")
	}
	tx, err := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
	require.NoError(t, err)

	var insideOuter, insideInner *Transaction
	inner, err := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
	require.NoError(t, err)

	err = tx.Mutate(func() error {
		insideOuter = AmbientTransaction()
		return inner.Mutate(func() error {
			insideInner = AmbientTransaction()
			return nil
		})
	})
	require.NoError(t, err)

	assert.Same(t, tx, insideOuter, "outer callback sees outer tx")
	assert.Same(t, inner, insideInner, "nested callback sees inner tx")
	assert.Nil(t, AmbientTransaction(), "stack empty after both pop")

	_ = tx.Rollback()
	_ = inner.Rollback()
}

func TestMutationMergeTable(t *testing.T) {
	run := func(t *testing.T, ops func(c *Collection[todo, string]) error) *Transaction {
		t.Helper()
		c := newLocalCollection(t)
		seed, _ := c.Insert([]todo{{ID: "existing", Text: "seed", Priority: 1}}, nil)
		waitPersisted(t, seed)

		tx, err := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
		require.NoError(t, err)
		require.NoError(t, tx.Mutate(func() error { return ops(c) }))
		t.Cleanup(func() { _ = tx.Rollback() })
		return tx
	}

	t.Run("insert then update stays an insert", func(t *testing.T) {
		tx := run(t, func(c *Collection[todo, string]) error {
			if _, err := c.Insert([]todo{{ID: "n", Text: "v1"}}, nil); err != nil {
				return err
			}
			_, err := c.Update([]string{"n"}, nil, func(d *todo) { d.Text = "v2" })
			return err
		})
		muts := tx.Mutations()
		require.Len(t, muts, 1)
		assert.Equal(t, OpInsert, muts[0].Type)
		assert.Equal(t, "v2", muts[0].Modified.(todo).Text, "post-image from the update")
		assert.Nil(t, muts[0].Original)
	})

	t.Run("update then update unions changes and keeps original", func(t *testing.T) {
		tx := run(t, func(c *Collection[todo, string]) error {
			if _, err := c.Update([]string{"existing"}, nil, func(d *todo) { d.Text = "t2" }); err != nil {
				return err
			}
			_, err := c.Update([]string{"existing"}, nil, func(d *todo) { d.Priority = 9 })
			return err
		})
		muts := tx.Mutations()
		require.Len(t, muts, 1)
		assert.Equal(t, OpUpdate, muts[0].Type)
		assert.Equal(t, "seed", muts[0].Original.(todo).Text, "original is the pre-image of the first update")
		assert.Contains(t, muts[0].Changes, "text")
		assert.Contains(t, muts[0].Changes, "priority")
		final := muts[0].Modified.(todo)
		assert.Equal(t, "t2", final.Text)
		assert.Equal(t, 9, final.Priority)
	})

	t.Run("update then delete becomes delete with first original", func(t *testing.T) {
		tx := run(t, func(c *Collection[todo, string]) error {
			if _, err := c.Update([]string{"existing"}, nil, func(d *todo) { d.Text = "tmp" }); err != nil {
				return err
			}
			_, err := c.Delete([]string{"existing"}, nil)
			return err
		})
		muts := tx.Mutations()
		require.Len(t, muts, 1)
		assert.Equal(t, OpDelete, muts[0].Type)
		assert.Equal(t, "seed", muts[0].Original.(todo).Text)
	})

	t.Run("insert then delete vanishes", func(t *testing.T) {
		tx := run(t, func(c *Collection[todo, string]) error {
			if _, err := c.Insert([]todo{{ID: "n"}}, nil); err != nil {
				return err
			}
			_, err := c.Delete([]string{"n"}, nil)
			return err
		})
		assert.Empty(t, tx.Mutations())
	})

	t.Run("delete then insert replaces", func(t *testing.T) {
		tx := run(t, func(c *Collection[todo, string]) error {
			if _, err := c.Delete([]string{"existing"}, nil); err != nil {
				return err
			}
			_, err := c.Insert([]todo{{ID: "existing", Text: "reborn"}}, nil)
			return err
		})
		muts := tx.Mutations()
		require.Len(t, muts, 1)
		assert.Equal(t, OpInsert, muts[0].Type)
		assert.Equal(t, "reborn", muts[0].Modified.(todo).Text)
	})
}

func TestGlobalKeyUniqueness(t *testing.T) {
	c := newLocalCollection(t)
	tx, err := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	require.NoError(t, tx.Mutate(func() error {
		if _, err := c.Insert([]todo{{ID: "k", Text: "a"}}, nil); err != nil {
			return err
		}
		_, err := c.Update([]string{"k"}, nil, func(d *todo) { d.Text = "b" })
		return err
	}))

	seen := map[string]int{}
	for _, m := range tx.Mutations() {
		seen[m.GlobalKey]++
	}
	for gk, n := range seen {
		if n != 1 {
			t.Errorf("global key %s appears %d times", gk, n)
		}
	}
}

func TestOptimisticInsertWithSyncConfirm(t *testing.T) {
	// End-to-end: autocommit insert, handler confirms through sync after a
	// delay, the subscriber sees exactly one insert and the final state is
	// the confirmed row.
	ms := &manualSync{autoReady: true}
	slowConfirm := func(ctx context.Context, p HandlerParams) error {
		time.Sleep(20 * time.Millisecond)
		return ms.confirmHandler()(ctx, p)
	}
	c, err := New(Config[todo, string]{
		ID:         "confirm-" + t.Name(),
		GetKey:     todoKey,
		GCDisabled: true,
		StartSync:  true,
		Sync:       ms.config(),
		OnInsert:   slowConfirm,
	})
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	tx, err := c.Insert([]todo{{ID: "1", Text: "a"}}, nil)
	require.NoError(t, err)

	// Optimistic event arrives before the handler resolves.
	require.Equal(t, 1, rec.count(), "insert should emit immediately")
	assert.Equal(t, EventInsert, rec.all()[0].Type)

	waitPersisted(t, tx)
	// Allow any straggling deliveries to land.
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, rec.count(), "sync confirmation must not duplicate the insert: %v", rec.all())
	got, ok := c.Get("1")
	require.True(t, ok)
	assert.Equal(t, "a", got.Text)
	assert.Equal(t, 1, c.Size())
}

func TestFailedCommitRollsBackOptimisticState(t *testing.T) {
	c, _ := newSyncedCollection(t, todo{ID: "7", Text: "baseline"})

	boom := errors.New("backend rejected")
	failing := func(context.Context, HandlerParams) error { return boom }
	c.cfg.OnUpdate = failing

	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	tx, err := c.Update([]string{"7"}, nil, func(d *todo) { d.Text = "optimistic" })
	require.NoError(t, err)

	err = waitFailed(t, tx)
	assert.ErrorIs(t, err, boom)
	time.Sleep(10 * time.Millisecond)

	got, _ := c.Get("7")
	assert.Equal(t, "baseline", got.Text, "optimistic value must revert")

	events := rec.all()
	require.GreaterOrEqual(t, len(events), 2, "update then revert")
	assert.Equal(t, EventUpdate, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, EventUpdate, last.Type)
	assert.Equal(t, "baseline", last.Value.Text)
}

func TestCascadeRollbackOnConflict(t *testing.T) {
	c, _ := newSyncedCollection(t, todo{ID: "7", Text: "baseline"})

	tx1, err := CreateTransaction(TransactionConfig{MutationFn: func(context.Context, *Transaction) error {
		return errors.New("tx1 persist failed")
	}})
	require.NoError(t, err)
	tx2, err := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
	require.NoError(t, err)

	require.NoError(t, tx1.Mutate(func() error {
		_, err := c.Update([]string{"7"}, nil, func(d *todo) { d.Text = "v1" })
		return err
	}))
	require.NoError(t, tx2.Mutate(func() error {
		_, err := c.Update([]string{"7"}, nil, func(d *todo) { d.Text = "v2" })
		return err
	}))

	// Both pending and overlapping on key 7; visible value is tx2's (last
	// writer in sequence order).
	got, _ := c.Get("7")
	require.Equal(t, "v2", got.Text)

	err = tx1.Commit(context.Background())
	require.Error(t, err)

	assert.Equal(t, TxFailed, tx1.State())
	assert.Equal(t, TxFailed, tx2.State(), "conflicting pending transaction cascades")
	_ = waitFailed(t, tx2)

	got, _ = c.Get("7")
	assert.Equal(t, "baseline", got.Text, "visible value returns to the synced baseline")
}

func TestCascadeRollbackIsOneHop(t *testing.T) {
	c, _ := newSyncedCollection(t,
		todo{ID: "a", Text: "a0"},
		todo{ID: "b", Text: "b0"},
	)

	// txA and txB conflict on "a"; txB and txC conflict on "b". txA's
	// rollback must take down txB but NOT txC (secondary rollbacks do not
	// recurse).
	txA, _ := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
	txB, _ := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
	txC, _ := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})

	require.NoError(t, txA.Mutate(func() error {
		_, err := c.Update([]string{"a"}, nil, func(d *todo) { d.Text = "a-A" })
		return err
	}))
	require.NoError(t, txB.Mutate(func() error {
		if _, err := c.Update([]string{"a"}, nil, func(d *todo) { d.Text = "a-B" }); err != nil {
			return err
		}
		_, err := c.Update([]string{"b"}, nil, func(d *todo) { d.Text = "b-B" })
		return err
	}))
	require.NoError(t, txC.Mutate(func() error {
		_, err := c.Update([]string{"b"}, nil, func(d *todo) { d.Text = "b-C" })
		return err
	}))

	require.NoError(t, txA.Rollback())

	assert.Equal(t, TxFailed, txA.State())
	assert.Equal(t, TxFailed, txB.State(), "txB conflicts with txA")
	assert.Equal(t, TxPending, txC.State(), "txC only conflicts with txB; one hop only")

	_ = txC.Rollback()
}

func TestTransactionStateGating(t *testing.T) {
	tx, err := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.ErrorIs(t, tx.Mutate(func() error { return nil }), ErrTransactionNotPendingMutate)
	assert.ErrorIs(t, tx.Commit(context.Background()), ErrTransactionNotPendingCommit)
	assert.ErrorIs(t, tx.Rollback(), ErrTransactionNotPendingRollback)
}

func TestEmptyTransactionCommitCompletes(t *testing.T) {
	called := false
	tx, err := CreateTransaction(TransactionConfig{MutationFn: func(context.Context, *Transaction) error {
		called = true
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, TxCompleted, tx.State())
	assert.False(t, called, "mutationFn is skipped for empty transactions")
	waitPersisted(t, tx)
}

func TestManySequentialTransactions(t *testing.T) {
	// Mutation phases are single-mutator by contract; what must stay safe
	// under concurrency is reading while transactions settle. Run a reader
	// goroutine against a stream of sequential transactions.
	c := newLocalCollection(t)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = c.Size()
				_, _ = c.Get("a")
			}
		}
	}()

	for i := 0; i < 8; i++ {
		tx, err := CreateTransaction(TransactionConfig{MutationFn: noopMutationFn})
		require.NoError(t, err)
		id := string(rune('a' + i))
		require.NoError(t, tx.Mutate(func() error {
			_, err := c.Insert([]todo{{ID: id}}, nil)
			return err
		}))
		require.NoError(t, tx.Commit(context.Background()))
	}
	close(done)
	wg.Wait()

	if c.Size() != 8 {
		t.Errorf("size = %d, want 8", c.Size())
	}
}
