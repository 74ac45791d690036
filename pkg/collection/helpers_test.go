// Shared test fixtures for the collection engine.
package collection

import (
	"context"
	"sync"
	"testing"
	"time"
)

type todo struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Done     bool   `json:"done"`
	Priority int    `json:"priority"`
}

func todoKey(t todo) string { return t.ID }

// manualSync is a hand-driven sync adapter: tests call seed/push/truncate to
// emulate a backend.
type manualSync struct {
	mu        sync.Mutex
	params    SyncParams[todo, string]
	started   int
	autoReady bool
	// seedOnStart replays on every sync start (exercises restart-after-gc).
	seedOnStart []todo
	cleanupErr  error
	loadSubset  LoadSubsetFunc
}

func (m *manualSync) config() *SyncConfig[todo, string] {
	return &SyncConfig[todo, string]{Sync: m.sync}
}

func (m *manualSync) sync(params SyncParams[todo, string]) SyncResult {
	m.mu.Lock()
	m.params = params
	m.started++
	seed := append([]todo(nil), m.seedOnStart...)
	autoReady := m.autoReady
	loadSubset := m.loadSubset
	cleanupErr := m.cleanupErr
	m.mu.Unlock()

	if len(seed) > 0 {
		m.push(seed...)
	}
	if autoReady {
		params.MarkReady()
	}
	return SyncResult{
		Cleanup:    func() error { return cleanupErr },
		LoadSubset: loadSubset,
	}
}

// push applies one insert batch through the sync path.
func (m *manualSync) push(items ...todo) {
	m.pushOp(OpInsert, items...)
}

// pushUpdate applies one update batch through the sync path.
func (m *manualSync) pushUpdate(items ...todo) {
	m.pushOp(OpUpdate, items...)
}

func (m *manualSync) pushOp(typ OperationType, items ...todo) {
	m.mu.Lock()
	params := m.params
	m.mu.Unlock()
	if err := params.Begin(); err != nil {
		panic(err)
	}
	for _, item := range items {
		if err := params.Write(SyncWrite[todo]{Type: typ, Value: item}); err != nil {
			panic(err)
		}
	}
	if err := params.Commit(); err != nil {
		panic(err)
	}
}

// confirmHandler echoes a transaction's mutations back through the sync
// path, the way a real backend confirms optimistic writes.
func (m *manualSync) confirmHandler() HandlerFunc {
	return func(ctx context.Context, p HandlerParams) error {
		m.mu.Lock()
		params := m.params
		m.mu.Unlock()
		if err := params.Begin(); err != nil {
			return err
		}
		for _, mut := range p.Transaction.Mutations() {
			item, ok := mut.Modified.(todo)
			if !ok {
				continue
			}
			if err := params.Write(SyncWrite[todo]{Type: OperationType(mut.Type), Value: item}); err != nil {
				return err
			}
		}
		return params.Commit()
	}
}

func okHandler(context.Context, HandlerParams) error { return nil }

// newLocalCollection builds a sync-less collection with permissive handlers.
func newLocalCollection(t *testing.T) *Collection[todo, string] {
	t.Helper()
	c, err := New(Config[todo, string]{
		ID:         "todos-" + t.Name(),
		GetKey:     todoKey,
		GCDisabled: true,
		OnInsert:   okHandler,
		OnUpdate:   okHandler,
		OnDelete:   okHandler,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// newSyncedCollection builds a collection driven by a manualSync that marks
// ready immediately, seeded with items.
func newSyncedCollection(t *testing.T, seed ...todo) (*Collection[todo, string], *manualSync) {
	t.Helper()
	ms := &manualSync{autoReady: true, seedOnStart: seed}
	c, err := New(Config[todo, string]{
		ID:         "todos-" + t.Name(),
		GetKey:     todoKey,
		GCDisabled: true,
		StartSync:  true,
		Sync:       ms.config(),
		OnInsert:   ms.confirmHandler(),
		OnUpdate:   ms.confirmHandler(),
		OnDelete:   ms.confirmHandler(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, ms
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []ChangeEvent[todo, string]
}

func (r *recorder) callback(events []ChangeEvent[todo, string]) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

func (r *recorder) all() []ChangeEvent[todo, string] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeEvent[todo, string], len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// waitPersisted fails the test if the transaction does not settle in time.
func waitPersisted(t *testing.T, tx *Transaction) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tx.IsPersisted().Wait(ctx); err != nil {
		t.Fatalf("IsPersisted: %v", err)
	}
}

// waitFailed expects the transaction to settle with an error.
func waitFailed(t *testing.T, tx *Transaction) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tx.IsPersisted().Wait(ctx)
	if err == nil {
		t.Fatal("expected transaction failure")
	}
	return err
}

// noopMutationFn is a MutationFunc for explicit transactions in tests.
func noopMutationFn(context.Context, *Transaction) error { return nil }
