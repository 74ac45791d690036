// Subscription protocol tests: filtering, synthesized events, initial
// snapshots and subset loading.
package collection

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/huginndb/pkg/expr"
	"github.com/orneryd/huginndb/pkg/index"
)

func TestSubscribeValidation(t *testing.T) {
	c := newLocalCollection(t)

	t.Run("limit requires orderBy", func(t *testing.T) {
		_, err := c.SubscribeChanges(func([]ChangeEvent[todo, string]) {}, SubscribeOptions{Limit: 5})
		var cfgErr *CollectionConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("bad where fails compilation", func(t *testing.T) {
		_, err := c.SubscribeChanges(func([]ChangeEvent[todo, string]) {}, SubscribeOptions{
			Where: expr.Func("nope"),
		})
		assert.Error(t, err)
	})
}

func TestWhereFilteredStream(t *testing.T) {
	c, ms := newSyncedCollection(t)
	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{
		Where: expr.Gte(expr.Ref("priority"), expr.Value(5)),
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	t.Run("insert below filter is silent", func(t *testing.T) {
		ms.push(todo{ID: "low", Priority: 1})
		assert.Zero(t, rec.count())
	})

	t.Run("insert passing filter emits", func(t *testing.T) {
		ms.push(todo{ID: "high", Priority: 9})
		require.Equal(t, 1, rec.count())
		assert.Equal(t, EventInsert, rec.all()[0].Type)
	})

	t.Run("update entering the view synthesizes insert", func(t *testing.T) {
		rec.reset()
		ms.pushUpdate(todo{ID: "low", Priority: 7})
		require.Equal(t, 1, rec.count())
		ev := rec.all()[0]
		assert.Equal(t, EventInsert, ev.Type, "entering row surfaces as insert")
		assert.Equal(t, "low", ev.Key)
	})

	t.Run("update leaving the view synthesizes delete", func(t *testing.T) {
		rec.reset()
		ms.pushUpdate(todo{ID: "high", Priority: 0})
		require.Equal(t, 1, rec.count())
		ev := rec.all()[0]
		assert.Equal(t, EventDelete, ev.Type, "leaving row surfaces as delete")
		assert.Equal(t, 9, ev.Value.Priority, "delete carries the last value the subscriber saw")
	})

	t.Run("update within the view stays an update", func(t *testing.T) {
		rec.reset()
		ms.pushUpdate(todo{ID: "low", Priority: 8})
		require.Equal(t, 1, rec.count())
		assert.Equal(t, EventUpdate, rec.all()[0].Type)
	})

	t.Run("never an event when both sides fail the filter", func(t *testing.T) {
		rec.reset()
		ms.push(todo{ID: "low2", Priority: 0})
		ms.pushUpdate(todo{ID: "low2", Priority: 2})
		assert.Zero(t, rec.count())
	})
}

func TestIncludeInitialState(t *testing.T) {
	c, _ := newSyncedCollection(t,
		todo{ID: "a", Priority: 9},
		todo{ID: "b", Priority: 1},
	)

	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{
		IncludeInitialState: true,
		Where:               expr.Gte(expr.Ref("priority"), expr.Value(5)),
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	events := rec.all()
	require.Len(t, events, 1, "only matching rows in the snapshot")
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, EventInsert, events[0].Type)
}

func TestFlipSemanticsBeforeInitialState(t *testing.T) {
	c, ms := newSyncedCollection(t, todo{ID: "unseen", Text: "v1"})

	rec := &recorder{}
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{}) // no initial state
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Force the pre-initial-state window.
	sub.mu.Lock()
	sub.loadedInitialState = false
	sub.mu.Unlock()

	t.Run("update for never-sent key flips to insert", func(t *testing.T) {
		ms.pushUpdate(todo{ID: "unseen", Text: "v2"})
		require.Equal(t, 1, rec.count())
		assert.Equal(t, EventInsert, rec.all()[0].Type)
	})

	t.Run("delete for never-sent key is swallowed", func(t *testing.T) {
		rec.reset()
		sub.mu.Lock()
		delete(sub.sentKeys, "unseen")
		sub.mu.Unlock()
		require.NoError(t, ms.params.Begin())
		require.NoError(t, ms.params.Write(SyncWrite[todo]{Type: OpDelete, Value: todo{ID: "unseen"}}))
		require.NoError(t, ms.params.Commit())
		assert.Zero(t, rec.count())
	})
}

func TestOrderedLimitedSnapshot(t *testing.T) {
	seed := make([]todo, 0, 30)
	for i := 0; i < 30; i++ {
		seed = append(seed, todo{ID: string(rune('A' + i)), Priority: i})
	}

	var loadRequests []LoadSubsetOptions
	var loadMu sync.Mutex
	loadCh := make(chan error, 4)
	ms := &manualSync{autoReady: true, seedOnStart: seed}
	ms.loadSubset = func(opts LoadSubsetOptions) <-chan error {
		loadMu.Lock()
		loadRequests = append(loadRequests, opts)
		loadMu.Unlock()
		return loadCh
	}

	c, err := New(Config[todo, string]{
		ID:         "ordered-" + t.Name(),
		GetKey:     todoKey,
		GCDisabled: true,
		StartSync:  true,
		Sync:       ms.config(),
	})
	require.NoError(t, err)

	_, err = c.CreateIndex(expr.Ref("priority"), IndexOptions{})
	require.NoError(t, err)

	rec := &recorder{}
	var statuses []SubscriptionStatus
	var statusMu sync.Mutex
	sub, err := c.SubscribeChanges(rec.callback, SubscribeOptions{
		IncludeInitialState: true,
		OrderBy:             []OrderBy{{Field: []string{"priority"}, Desc: true}},
		Limit:               10,
		OnStatusChange: func(s SubscriptionStatus) {
			statusMu.Lock()
			statuses = append(statuses, s)
			statusMu.Unlock()
		},
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	t.Run("descending order and limit", func(t *testing.T) {
		events := rec.all()
		require.Len(t, events, 10)
		for i := 1; i < len(events); i++ {
			if events[i].Value.Priority > events[i-1].Value.Priority {
				t.Fatalf("not descending at %d: %v", i, events)
			}
		}
		assert.Equal(t, 29, events[0].Value.Priority, "highest priority first")
	})

	t.Run("loadSubset requested with cursor", func(t *testing.T) {
		loadMu.Lock()
		defer loadMu.Unlock()
		require.NotEmpty(t, loadRequests)
		assert.Equal(t, []string{"priority"}, loadRequests[0].OrderBy[0].Field)
	})

	t.Run("status transitions through loadingSubset", func(t *testing.T) {
		assert.Equal(t, SubscriptionLoadingSubset, sub.Status())
		loadCh <- nil
		deadline := time.After(time.Second)
		for sub.Status() != SubscriptionReady {
			select {
			case <-deadline:
				t.Fatal("subscription never returned to ready")
			case <-time.After(5 * time.Millisecond):
			}
		}
		statusMu.Lock()
		defer statusMu.Unlock()
		assert.Contains(t, statuses, SubscriptionLoadingSubset)
		assert.Contains(t, statuses, SubscriptionReady)
	})
}

func TestSnapshotSortFallback(t *testing.T) {
	// No index on text: orderBy falls back to the composite comparator.
	c, _ := newSyncedCollection(t,
		todo{ID: "1", Text: "charlie"},
		todo{ID: "2", Text: "alpha"},
		todo{ID: "3", Text: "bravo"},
	)

	events, err := c.CurrentStateAsChanges(SnapshotOptions{
		OrderBy: []OrderBy{{Field: []string{"text"}}},
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "alpha", events[0].Value.Text)
	assert.Equal(t, "bravo", events[1].Value.Text)
	assert.Equal(t, "charlie", events[2].Value.Text)
}

func TestSnapshotOptimizedOnly(t *testing.T) {
	c, _ := newSyncedCollection(t, todo{ID: "a", Priority: 3})

	t.Run("planned where succeeds", func(t *testing.T) {
		events, err := c.CurrentStateAsChanges(SnapshotOptions{
			Where:         expr.Eq(expr.Ref("priority"), expr.Value(3)),
			OptimizedOnly: true,
		})
		require.NoError(t, err, "auto-indexing makes the predicate answerable")
		assert.Len(t, events, 1)
	})

	t.Run("unanswerable where fails", func(t *testing.T) {
		_, err := c.CurrentStateAsChanges(SnapshotOptions{
			Where:         expr.Like(expr.Ref("text"), expr.Value("%x")),
			OptimizedOnly: true,
		})
		assert.Error(t, err)
	})
}

func TestSubscriberPanicIsolation(t *testing.T) {
	c, ms := newSyncedCollection(t)

	panicking, err := c.SubscribeChanges(func([]ChangeEvent[todo, string]) {
		panic("bad listener")
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer panicking.Unsubscribe()

	rec := &recorder{}
	healthy, err := c.SubscribeChanges(rec.callback, SubscribeOptions{})
	require.NoError(t, err)
	defer healthy.Unsubscribe()

	ms.push(todo{ID: "x"})
	assert.Equal(t, 1, rec.count(), "a panicking listener must not starve the others")
}

func TestSubscriberOrderIsRegistrationOrder(t *testing.T) {
	c, ms := newSyncedCollection(t)

	var order []string
	var mu sync.Mutex
	subA, err := c.SubscribeChanges(func([]ChangeEvent[todo, string]) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subB, err := c.SubscribeChanges(func([]ChangeEvent[todo, string]) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer subB.Unsubscribe()

	ms.push(todo{ID: "x"})
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, order)
}

func TestAutoIndexFromSubscription(t *testing.T) {
	c, _ := newSyncedCollection(t, todo{ID: "a", Priority: 5})

	sub, err := c.SubscribeChanges(func([]ChangeEvent[todo, string]) {}, SubscribeOptions{
		Where: expr.Eq(expr.Ref("priority"), expr.Value(5)),
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	found := false
	for _, idx := range c.Indexes() {
		if index.MatchesRef(idx, []string{"priority"}, index.CompareOptions{}) {
			found = true
		}
	}
	assert.True(t, found, "eager auto-indexing creates an index for the predicate field")
}
