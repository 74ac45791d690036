// Full-state snapshots.
//
// CurrentStateAsChanges enumerates the visible view as insert events, the
// building block for includeInitialState subscriptions and for query layers
// bootstrapping a live result set. The planner narrows the enumeration to
// index candidates when the where-expression allows; rows are always
// re-checked against the compiled predicate, so a candidate set may safely
// over-approximate.
package collection

import (
	"sort"

	"github.com/orneryd/huginndb/pkg/expr"
	"github.com/orneryd/huginndb/pkg/index"
)

// SnapshotOptions configures CurrentStateAsChanges.
type SnapshotOptions struct {
	// Where filters rows.
	Where expr.Expression

	// OrderBy orders the snapshot; required when Limit is set.
	OrderBy []OrderBy

	// Limit caps the number of returned events (0 = unlimited).
	Limit int

	// OptimizedOnly fails instead of falling back to a full scan when no
	// index can answer Where.
	OptimizedOnly bool
}

// CurrentStateAsChanges returns the visible rows matching opts as insert
// events.
func (c *Collection[T, K]) CurrentStateAsChanges(opts SnapshotOptions) ([]ChangeEvent[T, K], error) {
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

	c.mu.Lock()
	if err := c.guardUsableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	var rows []Entry[T, K]
	if opts.Where != nil {
		c.ensureAutoIndexesLocked(opts.Where)
		plan := index.PlanWhere(opts.Where, c.indexes)
		if plan.CanOptimize {
			for _, key := range plan.MatchingKeys.ToSlice() {
				item, visible := c.getVisibleLocked(key)
				if !visible {
					continue
				}
				if predicate != nil && !predicate(item) {
					continue
				}
				rows = append(rows, Entry[T, K]{Key: key, Item: item})
			}
		} else if opts.OptimizedOnly {
			c.mu.Unlock()
			return nil, &CollectionConfigurationError{Reason: "no index can answer the where expression"}
		} else {
			c.eachVisibleLocked(func(key K, item T) bool {
				if predicate == nil || predicate(item) {
					rows = append(rows, Entry[T, K]{Key: key, Item: item})
				}
				return true
			})
		}
	} else {
		c.eachVisibleLocked(func(key K, item T) bool {
			rows = append(rows, Entry[T, K]{Key: key, Item: item})
			return true
		})
	}
	c.mu.Unlock()

	if len(opts.OrderBy) > 0 {
		// Index fast path: a single orderBy term answered by an index
		// yields the first Limit rows without a sort.
		if opts.Limit > 0 && len(opts.OrderBy) == 1 {
			if idx := c.findOrderByIndex(opts.OrderBy[0]); idx != nil {
				return c.takeOrderedFromIndex(idx, rows, opts.Limit), nil
			}
		}
		sortRows(rows, opts.OrderBy)
		if opts.Limit > 0 && len(rows) > opts.Limit {
			rows = rows[:opts.Limit]
		}
	}

	events := make([]ChangeEvent[T, K], 0, len(rows))
	for _, row := range rows {
		events = append(events, ChangeEvent[T, K]{Type: EventInsert, Key: row.Key, Value: row.Item})
	}
	return events, nil
}

// takeOrderedFromIndex returns the first limit rows of the candidate set in
// index order.
func (c *Collection[T, K]) takeOrderedFromIndex(idx index.Index[K], rows []Entry[T, K], limit int) []ChangeEvent[T, K] {
	byKey := make(map[K]T, len(rows))
	for _, row := range rows {
		byKey[row.Key] = row.Item
	}
	keys := idx.Take(limit, nil, func(key K) bool {
		_, ok := byKey[key]
		return ok
	})
	events := make([]ChangeEvent[T, K], 0, len(keys))
	for _, key := range keys {
		events = append(events, ChangeEvent[T, K]{Type: EventInsert, Key: key, Value: byKey[key]})
	}
	return events
}

// sortRows orders rows by the composite orderBy comparator.
func sortRows[T any, K comparable](rows []Entry[T, K], orderBy []OrderBy) {
	extractors := make([]expr.Compiled, len(orderBy))
	for i, term := range orderBy {
		fn, err := expr.Compile(expr.Ref(term.Field...))
		if err != nil {
			continue
		}
		extractors[i] = fn
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for t, term := range orderBy {
			if extractors[t] == nil {
				continue
			}
			cmp := index.Compare(extractors[t](rows[i].Item), extractors[t](rows[j].Item), term.Compare)
			if cmp == 0 {
				continue
			}
			if term.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
