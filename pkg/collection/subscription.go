// Subscription protocol.
//
// A subscription is one listener's filtered view of the change stream. Its
// optional where-expression partitions events:
//
//   - insert/delete events pass through when the value matches.
//   - update events whose previous and new values straddle the filter are
//     synthesized into inserts (row entered the view) or deletes (row left).
//
// Until a subscription has loaded initial state, deletes for keys it never
// saw are swallowed and updates for unseen keys flip to inserts, so the
// subscriber's world starts consistent no matter when it attached.
//
// Initial snapshots come in two shapes: a full enumeration of the visible
// view (optionally index-accelerated), or an ordered, limited delivery
// driven by an orderBy index, paired with on-demand loadSubset requests to
// the sync layer.
package collection

import (
	"sync"

	"github.com/orneryd/huginndb/pkg/expr"
	"github.com/orneryd/huginndb/pkg/index"
)

// SubscriptionStatus reports whether a subscription is waiting on the sync
// layer to load more rows.
type SubscriptionStatus string

const (
	SubscriptionReady         SubscriptionStatus = "ready"
	SubscriptionLoadingSubset SubscriptionStatus = "loadingSubset"
)

// SubscribeOptions configures SubscribeChanges.
type SubscribeOptions struct {
	// IncludeInitialState delivers the current visible state as insert
	// events before live changes.
	IncludeInitialState bool

	// Where filters the stream to matching rows.
	Where expr.Expression

	// OrderBy + Limit request an ordered, limited initial snapshot backed
	// by an index on the first orderBy field. Requires
	// IncludeInitialState.
	OrderBy []OrderBy
	Limit   int

	// OnStatusChange observes ready ↔ loadingSubset transitions.
	OnStatusChange func(SubscriptionStatus)
}

// Subscription is one registered listener.
type Subscription[T any, K comparable] struct {
	c *Collection[T, K]

	mu                 sync.Mutex
	callback           func([]ChangeEvent[T, K])
	whereExpr          expr.Expression
	predicate          func(row any) bool
	sentKeys           map[K]struct{}
	loadedInitialState bool
	snapshotSent       bool
	status             SubscriptionStatus
	onStatusChange     func(SubscriptionStatus)
	orderByIndex       index.Index[K]
	limit              int
	pendingLoads       int
	unsubscribed       bool
}

// SubscribeChanges registers cb for the collection's filtered change stream
// and starts sync if it has not started yet.
func (c *Collection[T, K]) SubscribeChanges(cb func([]ChangeEvent[T, K]), opts SubscribeOptions) (*Subscription[T, K], error) {
	if opts.Limit > 0 && len(opts.OrderBy) == 0 {
		return nil, &CollectionConfigurationError{Reason: "limit requires orderBy"}
	}
	var predicate func(row any) bool
	if opts.Where != nil {
		var err error
		predicate, err = c.compiledPredicate(opts.Where)
		if err != nil {
			return nil, err
		}
	}

	sub := &Subscription[T, K]{
		c:              c,
		callback:       cb,
		whereExpr:      opts.Where,
		predicate:      predicate,
		sentKeys:       make(map[K]struct{}),
		status:         SubscriptionReady,
		onStatusChange: opts.OnStatusChange,
		limit:          opts.Limit,
	}

	c.mu.Lock()
	c.subscribers = append(c.subscribers, sub)
	c.cancelGCLocked()
	if opts.Where != nil {
		c.ensureAutoIndexesLocked(opts.Where)
	}
	c.mu.Unlock()

	if err := c.StartSync(); err != nil {
		c.removeSubscriber(sub)
		return nil, err
	}

	if opts.IncludeInitialState {
		if err := sub.sendInitialSnapshot(opts); err != nil {
			c.removeSubscriber(sub)
			return nil, err
		}
	}
	sub.mu.Lock()
	sub.loadedInitialState = true
	sub.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes the listener. The last unsubscriber arms the GC timer.
func (s *Subscription[T, K]) Unsubscribe() {
	s.mu.Lock()
	if s.unsubscribed {
		s.mu.Unlock()
		return
	}
	s.unsubscribed = true
	s.mu.Unlock()
	s.c.removeSubscriber(s)
}

// Status returns ready or loadingSubset.
func (s *Subscription[T, K]) Status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (c *Collection[T, K]) removeSubscriber(sub *Subscription[T, K]) {
	c.mu.Lock()
	for i, existing := range c.subscribers {
		if existing == sub {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			break
		}
	}
	if len(c.subscribers) == 0 {
		c.scheduleGCLocked()
	}
	c.mu.Unlock()
}

// ============================================================================
// Event delivery
// ============================================================================

// deliver transforms events through the subscription's filter and invokes
// the callback. A panicking callback is isolated: the error is logged on its
// own goroutine and other subscribers are unaffected.
func (s *Subscription[T, K]) deliver(events []ChangeEvent[T, K]) {
	s.mu.Lock()
	if s.unsubscribed {
		s.mu.Unlock()
		return
	}
	out := make([]ChangeEvent[T, K], 0, len(events))
	for _, ev := range events {
		if transformed, ok := s.transformLocked(ev); ok {
			out = append(out, transformed)
		}
	}
	cb := s.callback
	s.mu.Unlock()

	if len(out) == 0 {
		return
	}
	s.safeInvoke(cb, out)
}

func (s *Subscription[T, K]) safeInvoke(cb func([]ChangeEvent[T, K]), events []ChangeEvent[T, K]) {
	defer func() {
		if r := recover(); r != nil {
			// Raised off the delivery path so one bad listener cannot
			// poison the others or the commit cycle.
			go s.c.log.Error().Any("panic", r).Msg("subscriber callback panicked")
		}
	}()
	cb(events)
}

// transformLocked applies the where-filter and pre-snapshot flip semantics
// to one event. Caller holds s.mu.
func (s *Subscription[T, K]) transformLocked(ev ChangeEvent[T, K]) (ChangeEvent[T, K], bool) {
	out := ev
	if s.predicate != nil {
		switch ev.Type {
		case EventInsert:
			if !s.predicate(ev.Value) {
				return out, false
			}
		case EventUpdate:
			prevPass := ev.PreviousValue != nil && s.predicate(*ev.PreviousValue)
			newPass := s.predicate(ev.Value)
			switch {
			case prevPass && newPass:
				// keep update
			case newPass:
				// Row entered the filtered view.
				out = ChangeEvent[T, K]{Type: EventInsert, Key: ev.Key, Value: ev.Value}
			case prevPass:
				// Row left the filtered view; the delete carries the last
				// value the subscriber saw.
				out = ChangeEvent[T, K]{Type: EventDelete, Key: ev.Key, Value: *ev.PreviousValue}
			default:
				return out, false
			}
		case EventDelete:
			if !s.predicate(ev.Value) {
				return out, false
			}
		}
	}

	_, seen := s.sentKeys[ev.Key]
	if !s.loadedInitialState && !seen {
		switch out.Type {
		case EventDelete:
			// Never announced: nothing to retract.
			return out, false
		case EventUpdate:
			out = ChangeEvent[T, K]{Type: EventInsert, Key: out.Key, Value: out.Value}
		}
	}

	switch out.Type {
	case EventInsert, EventUpdate:
		s.sentKeys[out.Key] = struct{}{}
	case EventDelete:
		delete(s.sentKeys, out.Key)
	}
	return out, true
}

// ============================================================================
// Initial snapshots
// ============================================================================

func (s *Subscription[T, K]) sendInitialSnapshot(opts SubscribeOptions) error {
	if opts.Limit > 0 && len(opts.OrderBy) > 0 {
		if idx := s.c.findOrderByIndex(opts.OrderBy[0]); idx != nil {
			s.mu.Lock()
			s.orderByIndex = idx
			s.mu.Unlock()
			s.sendOrderedSnapshot(opts, idx)
			return nil
		}
	}

	events, err := s.c.CurrentStateAsChanges(SnapshotOptions{
		Where:   opts.Where,
		OrderBy: opts.OrderBy,
		Limit:   opts.Limit,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	cb := s.callback
	for _, ev := range events {
		s.sentKeys[ev.Key] = struct{}{}
	}
	s.snapshotSent = true
	s.mu.Unlock()

	if len(events) > 0 {
		s.safeInvoke(cb, events)
	}
	return nil
}

// sendOrderedSnapshot walks the orderBy index, delivering up to limit
// matching rows in index order, refilling until the limit is met or the
// index is exhausted. Each batch is followed by a loadSubset request so an
// on-demand sync source can page more rows in behind the snapshot.
func (s *Subscription[T, K]) sendOrderedSnapshot(opts SubscribeOptions, idx index.Index[K]) {
	var cursor any
	delivered := 0

	// Work from a point-in-time copy of the visible view: the take filter
	// runs under the index's lock and must not reach back into the
	// collection lock.
	visible := make(map[K]T)
	for _, e := range s.c.Entries() {
		visible[e.Key] = e.Item
	}

	filter := func(key K) bool {
		s.mu.Lock()
		_, seen := s.sentKeys[key]
		s.mu.Unlock()
		if seen {
			return false
		}
		item, ok := visible[key]
		if !ok {
			return false
		}
		if s.predicate != nil && !s.predicate(item) {
			return false
		}
		return true
	}

	for delivered < opts.Limit {
		want := opts.Limit - delivered
		keys := idx.Take(want, cursor, filter)

		events := make([]ChangeEvent[T, K], 0, len(keys))
		for _, key := range keys {
			if item, ok := visible[key]; ok {
				events = append(events, ChangeEvent[T, K]{Type: EventInsert, Key: key, Value: item})
			}
		}

		s.mu.Lock()
		cb := s.callback
		for _, ev := range events {
			s.sentKeys[ev.Key] = struct{}{}
		}
		s.mu.Unlock()

		if len(events) > 0 {
			s.safeInvoke(cb, events)
			delivered += len(events)
			cursor = indexedValueOf(idx, events[len(events)-1].Value)
		}

		// Ask the sync layer for rows beyond what the index held.
		s.requestSubset(LoadSubsetOptions{
			Where:   opts.Where,
			OrderBy: opts.OrderBy,
			Limit:   opts.Limit - delivered,
			Cursor:  cursor,
		})

		if len(keys) < want {
			// Index exhausted below the limit.
			break
		}
	}

	s.mu.Lock()
	s.snapshotSent = true
	s.mu.Unlock()
}

// indexedValueOf evaluates the index's expression on an item, giving the
// cursor value for take/loadSubset continuation.
func indexedValueOf[K comparable](idx index.Index[K], item any) any {
	fn, err := expr.Compile(idx.Expression())
	if err != nil {
		return nil
	}
	return fn(item)
}

// requestSubset forwards a loadSubset request and tracks loadingSubset
// status while the returned channel is outstanding.
func (s *Subscription[T, K]) requestSubset(opts LoadSubsetOptions) {
	ch := s.c.requestLoadSubset(opts)
	if ch == nil {
		return
	}

	s.mu.Lock()
	s.pendingLoads++
	notify := s.onStatusChange
	transitioned := s.status != SubscriptionLoadingSubset
	s.status = SubscriptionLoadingSubset
	s.mu.Unlock()

	if transitioned && notify != nil {
		notify(SubscriptionLoadingSubset)
	}

	go func() {
		if err := <-ch; err != nil {
			s.c.log.Warn().Err(err).Msg("loadSubset failed")
		}
		s.mu.Lock()
		s.pendingLoads--
		done := s.pendingLoads == 0
		if done {
			s.status = SubscriptionReady
		}
		notify := s.onStatusChange
		s.mu.Unlock()
		if done && notify != nil {
			notify(SubscriptionReady)
		}
	}()
}

// findOrderByIndex returns a direction-adjusted index matching the first
// orderBy term, or nil.
func (c *Collection[T, K]) findOrderByIndex(term OrderBy) index.Index[K] {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.indexes {
		if index.MatchesRef(idx, term.Field, term.Compare) {
			if term.Desc {
				return index.NewReverse(idx)
			}
			return idx
		}
	}
	return nil
}
