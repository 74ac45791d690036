// Package collection implements HuginnDB's reactive collection engine.
//
// A Collection is a typed container of keyed entities with two layers of
// state: a synced base written only by the sync adapter, and an optimistic
// overlay derived from the live transactions that have touched the
// collection. The visible value at a key is
//
//	optimisticUpserts[k]  if present
//	⊥ (absent)            if k is optimistically deleted
//	syncedData[k]         otherwise
//
// Every visible-state change is emitted as a ChangeEvent to subscribers,
// each of which can filter through a compiled where-expression. Indexes
// track the visible view and drive both where-planning and ordered
// snapshots.
//
// Example Usage:
//
//	type Todo struct {
//		ID   string `json:"id"`
//		Text string `json:"text"`
//		Done bool   `json:"done"`
//	}
//
//	todos, err := collection.New(collection.Config[Todo, string]{
//		ID:     "todos",
//		GetKey: func(t Todo) string { return t.ID },
//		Sync:   &collection.SyncConfig[Todo, string]{Sync: mySyncFn},
//		OnInsert: func(ctx context.Context, p collection.HandlerParams) error {
//			return api.CreateTodos(ctx, p.Transaction)
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	sub, _ := todos.SubscribeChanges(func(events []collection.ChangeEvent[Todo, string]) {
//		render(events)
//	}, collection.SubscribeOptions{IncludeInitialState: true})
//	defer sub.Unsubscribe()
//
//	todos.Insert([]Todo{{ID: "1", Text: "write spec"}}, nil)
//
// Thread Safety:
//
//	All public methods are safe for concurrent use. Subscriber callbacks run
//	outside the collection lock and may call back into the collection.
package collection

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orneryd/huginndb/pkg/cache"
	"github.com/orneryd/huginndb/pkg/expr"
	"github.com/orneryd/huginndb/pkg/index"
)

// Status is the collection lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
	StatusCleanedUp Status = "cleaned-up"
)

// allowedTransitions encodes the lifecycle machine. Ready is entered only
// through markReady, never directly by callers.
var allowedTransitions = map[Status][]Status{
	StatusIdle:      {StatusLoading, StatusError, StatusCleanedUp},
	StatusLoading:   {StatusReady, StatusError, StatusCleanedUp},
	StatusReady:     {StatusCleanedUp, StatusError},
	StatusError:     {StatusCleanedUp, StatusIdle},
	StatusCleanedUp: {StatusLoading, StatusError},
}

// AutoIndexMode controls predicate-driven index synthesis.
type AutoIndexMode string

const (
	AutoIndexEager AutoIndexMode = "eager"
	AutoIndexOff   AutoIndexMode = "off"
)

// HandlerParams is what autocommit transactions pass to mutation handlers.
type HandlerParams struct {
	Transaction *Transaction
}

// HandlerFunc persists one autocommit transaction's mutations. The handler
// runs with the transaction in the persisting state; returning an error
// fails the transaction and rolls back its optimistic changes.
type HandlerFunc func(ctx context.Context, p HandlerParams) error

// Config configures a Collection. GetKey is the only required field.
type Config[T any, K comparable] struct {
	// ID names the collection; it prefixes global keys. Defaults to a UUID.
	ID string

	// GetKey derives the primary key of an item. Required.
	GetKey func(item T) K

	// Compare, when set, switches synced storage to a sorted map ordered by
	// this comparator (ties broken by key).
	Compare func(a, b T) int

	// Schema validates items on the mutation path. It must not mutate.
	Schema func(item T) error

	// Sync configures the sync adapter. Nil collections become ready on
	// their own and hold only optimistic + locally confirmed state.
	Sync *SyncConfig[T, K]

	// AutoIndex is eager (default) or off.
	AutoIndex AutoIndexMode

	// GCTime is how long the collection survives with zero subscribers
	// before automatic cleanup. 0 disables GC. Default 5m.
	GCTime time.Duration

	// GCDisabled distinguishes "unset, use default" from an explicit 0.
	GCDisabled bool

	// StartSync starts the sync adapter at construction instead of on the
	// first subscription or preload.
	StartSync bool

	// Handlers for autocommit transactions.
	OnInsert HandlerFunc
	OnUpdate HandlerFunc
	OnDelete HandlerFunc

	// Logger overrides the default (Nop) engine logger.
	Logger *zerolog.Logger

	// PlanCache overrides the shared compiled-plan cache.
	PlanCache *cache.PlanCache
}

// defaultPlanCache is shared by collections that do not bring their own.
var defaultPlanCache = cache.NewPlanCache(1000, 5*time.Minute)

// Collection is a reactive container of items of type T keyed by K.
type Collection[T any, K comparable] struct {
	// mu guards all mutable state below. Subscriber callbacks and sync
	// adapter calls always run with mu released.
	mu sync.Mutex

	id  string
	cfg Config[T, K]
	log zerolog.Logger

	status                 Status
	hasReceivedFirstCommit bool

	syncedData        syncedStore[K, T]
	syncedMetadata    map[K]map[string]any
	optimisticUpserts map[K]T
	optimisticDeletes map[K]struct{}

	pendingSyncTxs      []*pendingSyncTransaction[T, K]
	preSyncVisibleState map[K]T
	recentlySyncedKeys  map[K]struct{}
	completedEchoes     map[K]any

	// transactions touching this collection, ordered by sequence number.
	transactions []*Transaction

	subscribers []*Subscription[T, K]

	indexes     []index.Index[K]
	indexNames  map[string]index.Index[K]
	autoIndexed map[string]struct{}

	batchDepth    int
	batchedEvents []ChangeEvent[T, K]

	// Ambient-phase diff state: the visible values when the current
	// mutation phase first touched each key. The phase's scheduler job
	// diffs against this at flush, so a mutation and its revert inside one
	// phase cancel instead of emitting a pair of events.
	ambientBaseline      map[K]*T
	ambientEmitScheduled bool

	firstReadyCallbacks []func()
	readySignal         *Deferred

	gcTimer *time.Timer

	syncStarted bool
	syncCleanup func() error
	loadSubset  LoadSubsetFunc

	plans *cache.PlanCache
}

// New creates a collection from cfg.
//
// Returns CollectionConfigurationError when GetKey is missing. When
// cfg.StartSync is set the sync adapter starts before New returns.
func New[T any, K comparable](cfg Config[T, K]) (*Collection[T, K], error) {
	if cfg.GetKey == nil {
		return nil, &CollectionConfigurationError{Reason: "getKey is required"}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.AutoIndex == "" {
		cfg.AutoIndex = AutoIndexEager
	}
	if cfg.AutoIndex != AutoIndexEager && cfg.AutoIndex != AutoIndexOff {
		return nil, &CollectionConfigurationError{Reason: fmt.Sprintf("unknown autoIndex mode %q", cfg.AutoIndex)}
	}
	if cfg.GCTime == 0 && !cfg.GCDisabled {
		cfg.GCTime = 5 * time.Minute
	}
	if cfg.Sync != nil {
		if err := cfg.Sync.validate(); err != nil {
			return nil, err
		}
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	plans := cfg.PlanCache
	if plans == nil {
		plans = defaultPlanCache
	}

	c := &Collection[T, K]{
		id:                 cfg.ID,
		cfg:                cfg,
		log:                logger.With().Str("collection", cfg.ID).Logger(),
		status:             StatusIdle,
		syncedMetadata:     make(map[K]map[string]any),
		optimisticUpserts:  make(map[K]T),
		optimisticDeletes:  make(map[K]struct{}),
		recentlySyncedKeys: make(map[K]struct{}),
		completedEchoes:    make(map[K]any),
		indexNames:         make(map[string]index.Index[K]),
		autoIndexed:        make(map[string]struct{}),
		readySignal:        NewDeferred(),
		plans:              plans,
	}
	if cfg.Compare != nil {
		c.syncedData = newSortedStore[K, T](cfg.Compare)
	} else {
		c.syncedData = newMapStore[K, T]()
	}

	if cfg.StartSync {
		if err := c.StartSync(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ID returns the collection's identifier.
func (c *Collection[T, K]) ID() string { return c.id }

// Status returns the current lifecycle state.
func (c *Collection[T, K]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// setStatusLocked validates and applies a lifecycle transition.
func (c *Collection[T, K]) setStatusLocked(to Status) error {
	if c.status == to {
		return nil
	}
	for _, allowed := range allowedTransitions[c.status] {
		if allowed == to {
			c.log.Debug().Str("from", string(c.status)).Str("to", string(to)).Msg("status transition")
			c.status = to
			return nil
		}
	}
	return &InvalidCollectionStatusTransitionError{CollectionID: c.id, From: c.status, To: to}
}

// guardUsableLocked gates reads on the lifecycle state. Mutations go through
// ensureUsable, which additionally restarts a cleaned-up collection.
func (c *Collection[T, K]) guardUsableLocked() error {
	if c.status == StatusError {
		return &CollectionInErrorStateError{CollectionID: c.id}
	}
	return nil
}

// ============================================================================
// Visible view
// ============================================================================

// getVisibleLocked applies the overlay formula for one key.
func (c *Collection[T, K]) getVisibleLocked(key K) (T, bool) {
	if item, ok := c.optimisticUpserts[key]; ok {
		return item, true
	}
	var zero T
	if _, deleted := c.optimisticDeletes[key]; deleted {
		return zero, false
	}
	return c.syncedData.Get(key)
}

// eachVisibleLocked iterates the visible view. Synced order first (sorted
// when a comparator is configured), then optimistic-only keys.
func (c *Collection[T, K]) eachVisibleLocked(fn func(key K, item T) bool) {
	stop := false
	c.syncedData.Each(func(key K, item T) bool {
		if up, ok := c.optimisticUpserts[key]; ok {
			item = up
		} else if _, deleted := c.optimisticDeletes[key]; deleted {
			return true
		}
		if !fn(key, item) {
			stop = true
			return false
		}
		return true
	})
	if stop {
		return
	}
	for key, item := range c.optimisticUpserts {
		if _, inSynced := c.syncedData.Get(key); inSynced {
			continue
		}
		if !fn(key, item) {
			return
		}
	}
}

// Get returns the visible value at key.
func (c *Collection[T, K]) Get(key K) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getVisibleLocked(key)
}

// Has reports whether key is visible.
func (c *Collection[T, K]) Has(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Size returns the number of visible items.
func (c *Collection[T, K]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := c.syncedData.Len()
	for key := range c.optimisticDeletes {
		_, inSynced := c.syncedData.Get(key)
		_, upserted := c.optimisticUpserts[key]
		if inSynced && !upserted {
			size--
		}
	}
	for key := range c.optimisticUpserts {
		if _, inSynced := c.syncedData.Get(key); !inSynced {
			size++
		}
	}
	return size
}

// Keys returns the visible keys, synced order first.
func (c *Collection[T, K]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []K
	c.eachVisibleLocked(func(key K, _ T) bool {
		out = append(out, key)
		return true
	})
	return out
}

// Values returns the visible items, synced order first.
func (c *Collection[T, K]) Values() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []T
	c.eachVisibleLocked(func(_ K, item T) bool {
		out = append(out, item)
		return true
	})
	return out
}

// Entry is one visible key/item pair.
type Entry[T any, K comparable] struct {
	Key  K
	Item T
}

// Entries returns the visible key/item pairs, synced order first.
func (c *Collection[T, K]) Entries() []Entry[T, K] {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry[T, K]
	c.eachVisibleLocked(func(key K, item T) bool {
		out = append(out, Entry[T, K]{Key: key, Item: item})
		return true
	})
	return out
}

// ForEach calls fn for every visible item.
func (c *Collection[T, K]) ForEach(fn func(key K, item T)) {
	for _, e := range c.Entries() {
		fn(e.Key, e.Item)
	}
}

// Map projects every visible item through fn.
func (c *Collection[T, K]) Map(fn func(key K, item T) any) []any {
	entries := c.Entries()
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, fn(e.Key, e.Item))
	}
	return out
}

// keyOf derives and validates the key for an item.
func (c *Collection[T, K]) keyOf(item T) (K, error) {
	key := c.cfg.GetKey(item)
	rv := reflect.ValueOf(key)
	if !rv.IsValid() {
		return key, &UndefinedKeyError{CollectionID: c.id, Item: item}
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return key, &UndefinedKeyError{CollectionID: c.id, Item: item}
		}
	}
	return key, nil
}

// validateSchema runs the configured schema against an item.
func (c *Collection[T, K]) validateSchema(item T) error {
	if c.cfg.Schema == nil {
		return nil
	}
	if err := c.cfg.Schema(item); err != nil {
		return &SchemaValidationError{CollectionID: c.id, Cause: err}
	}
	return nil
}

// compiledPredicate compiles (or fetches from the plan cache) a where
// expression as a row predicate.
func (c *Collection[T, K]) compiledPredicate(e expr.Expression) (func(row any) bool, error) {
	if e == nil {
		return nil, nil
	}
	key := c.plans.Key(e)
	if cached, ok := c.plans.Get(key); ok {
		return cached.(func(row any) bool), nil
	}
	pred, err := expr.CompilePredicate(e)
	if err != nil {
		return nil, err
	}
	c.plans.Put(key, pred)
	return pred, nil
}
