// B+-tree ordered index.
//
// A BTree index keeps two views of the same membership:
//
//   - byValue: normalized value → entry, for O(1) equality lookups
//   - tree: entries ordered by normalized value, for range queries and
//     ordered take
//
// Every mutation keeps both views and the per-key reverse map coherent under
// one mutex. Rows whose indexed expression fails to evaluate (or yields an
// unindexable value such as NaN) are omitted from the index and reported
// through the row-error hook; the write that carried them is never failed.
package index

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/tidwall/btree"

	"github.com/orneryd/huginndb/pkg/expr"
)

// valueEntry groups all keys sharing one normalized indexed value.
// Keys keep insertion order so ordered take is deterministic.
type valueEntry[K comparable] struct {
	val   any
	keys  map[K]struct{}
	order []K
}

// BTree is the default ordered index. Thread-safe.
type BTree[K comparable] struct {
	mu sync.RWMutex

	name     string
	source   expr.Expression
	opts     CompareOptions
	extract  expr.Compiled
	tree     *btree.BTreeG[*valueEntry[K]]
	byValue  map[any]*valueEntry[K]
	byKey    map[K]any // key → normalized value currently indexed
	onRowErr func(key any, err error)
}

// NewBTree creates an ordered index over e with the given compare options.
// Fails only if e does not compile (unknown function, empty ref path).
func NewBTree[K comparable](e expr.Expression, opts CompareOptions) (*BTree[K], error) {
	return NewBTreeNamed[K]("", e, opts)
}

// NewBTreeNamed is NewBTree with an explicit index name.
func NewBTreeNamed[K comparable](name string, e expr.Expression, opts CompareOptions) (*BTree[K], error) {
	extract, err := expr.Compile(e)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	idx := &BTree[K]{
		name:    name,
		source:  e,
		opts:    opts,
		extract: extract,
		byValue: make(map[any]*valueEntry[K]),
		byKey:   make(map[K]any),
	}
	idx.tree = btree.NewBTreeG(func(a, b *valueEntry[K]) bool {
		return Compare(a.val, b.val, opts) < 0
	})
	return idx, nil
}

// SetRowErrorHook installs a callback invoked when a row cannot be indexed.
// The collection wires this to its logger.
func (ix *BTree[K]) SetRowErrorHook(fn func(key any, err error)) {
	ix.mu.Lock()
	ix.onRowErr = fn
	ix.mu.Unlock()
}

func (ix *BTree[K]) Name() string                { return ix.name }
func (ix *BTree[K]) Expression() expr.Expression { return ix.source }
func (ix *BTree[K]) CompareOpts() CompareOptions { return ix.opts }

func (ix *BTree[K]) Supports(op Op) bool {
	switch op {
	case OpEq, OpGt, OpGte, OpLt, OpLte, OpIn:
		return true
	default:
		return false
	}
}

func (ix *BTree[K]) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byKey)
}

// Add indexes item under key.
func (ix *BTree[K]) Add(key K, item any) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.addLocked(key, item)
}

// Remove drops key. The item argument is accepted for interface symmetry;
// removal uses the reverse map, so a stale item cannot desync the index.
func (ix *BTree[K]) Remove(key K, _ any) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(key)
}

// Update re-indexes key for its new item.
func (ix *BTree[K]) Update(key K, _, newItem any) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(key)
	ix.addLocked(key, newItem)
}

// Build replaces all index contents from an iteration of rows.
func (ix *BTree[K]) Build(each func(yield func(key K, item any))) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tree.Clear()
	ix.byValue = make(map[any]*valueEntry[K])
	ix.byKey = make(map[K]any)
	each(func(key K, item any) {
		ix.addLocked(key, item)
	})
}

func (ix *BTree[K]) addLocked(key K, item any) {
	if _, exists := ix.byKey[key]; exists {
		ix.removeLocked(key)
	}
	val, err := normalizeValue(ix.extract(item), ix.opts)
	if err != nil {
		if ix.onRowErr != nil {
			ix.onRowErr(key, err)
		}
		return
	}
	entry, ok := ix.byValue[val]
	if !ok {
		entry = &valueEntry[K]{val: val, keys: make(map[K]struct{})}
		ix.byValue[val] = entry
		ix.tree.Set(entry)
	}
	if _, dup := entry.keys[key]; !dup {
		entry.keys[key] = struct{}{}
		entry.order = append(entry.order, key)
	}
	ix.byKey[key] = val
}

func (ix *BTree[K]) removeLocked(key K) {
	val, ok := ix.byKey[key]
	if !ok {
		return
	}
	delete(ix.byKey, key)
	entry, ok := ix.byValue[val]
	if !ok {
		return
	}
	if _, present := entry.keys[key]; present {
		delete(entry.keys, key)
		for i, k := range entry.order {
			if k == key {
				entry.order = append(entry.order[:i], entry.order[i+1:]...)
				break
			}
		}
	}
	if len(entry.keys) == 0 {
		delete(ix.byValue, val)
		ix.tree.Delete(entry)
	}
}

// Lookup answers a point operation.
func (ix *BTree[K]) Lookup(op Op, value any) mapset.Set[K] {
	switch op {
	case OpEq:
		return ix.lookupEq(value)
	case OpGt:
		return ix.RangeQuery(Range{Lower: &Bound{Value: value}})
	case OpGte:
		return ix.RangeQuery(Range{Lower: &Bound{Value: value, Inclusive: true}})
	case OpLt:
		return ix.RangeQuery(Range{Upper: &Bound{Value: value}})
	case OpLte:
		return ix.RangeQuery(Range{Upper: &Bound{Value: value, Inclusive: true}})
	case OpIn:
		return ix.lookupIn(value)
	default:
		return mapset.NewThreadUnsafeSet[K]()
	}
}

func (ix *BTree[K]) lookupEq(value any) mapset.Set[K] {
	out := mapset.NewThreadUnsafeSet[K]()
	val, err := normalizeValue(value, ix.opts)
	if err != nil {
		return out
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if entry, ok := ix.byValue[val]; ok {
		for k := range entry.keys {
			out.Add(k)
		}
	}
	return out
}

func (ix *BTree[K]) lookupIn(value any) mapset.Set[K] {
	out := mapset.NewThreadUnsafeSet[K]()
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return out
	}
	for i := 0; i < rv.Len(); i++ {
		out = out.Union(ix.lookupEq(rv.Index(i).Interface()))
	}
	return out
}

// RangeQuery returns all keys whose normalized value lies in r. Comparison
// with null is never true, so bounded ranges skip null-valued entries.
func (ix *BTree[K]) RangeQuery(r Range) mapset.Set[K] {
	out := mapset.NewThreadUnsafeSet[K]()
	bounded := r.Lower != nil || r.Upper != nil

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	collect := func(entry *valueEntry[K]) bool {
		if entry.val == nil && bounded {
			// Nulls sort at one end of the tree; skip, keep scanning.
			return true
		}
		if r.Upper != nil {
			c := Compare(entry.val, r.Upper.Value, ix.opts)
			if c > 0 || (c == 0 && !r.Upper.Inclusive) {
				return false
			}
		}
		for k := range entry.keys {
			out.Add(k)
		}
		return true
	}

	if r.Lower != nil {
		pivot := &valueEntry[K]{val: mustNormalize(r.Lower.Value, ix.opts)}
		lower := r.Lower
		ix.tree.Ascend(pivot, func(entry *valueEntry[K]) bool {
			if !lower.Inclusive && Compare(entry.val, pivot.val, ix.opts) == 0 {
				return true
			}
			return collect(entry)
		})
	} else {
		ix.tree.Scan(collect)
	}
	return out
}

// Take returns up to n keys in ascending index order starting at the first
// value >= from. filter, when non-nil, skips keys without consuming budget.
func (ix *BTree[K]) Take(n int, from any, filter func(K) bool) []K {
	if n <= 0 {
		return nil
	}
	out := make([]K, 0, n)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	iter := func(entry *valueEntry[K]) bool {
		for _, k := range entry.order {
			if filter != nil && !filter(k) {
				continue
			}
			out = append(out, k)
			if len(out) == n {
				return false
			}
		}
		return true
	}

	if from != nil {
		pivot := &valueEntry[K]{val: mustNormalize(from, ix.opts)}
		ix.tree.Ascend(pivot, iter)
	} else {
		ix.tree.Scan(iter)
	}
	return out
}

// TakeReversed returns up to n keys in descending index order starting at the
// last value <= from.
func (ix *BTree[K]) TakeReversed(n int, from any, filter func(K) bool) []K {
	if n <= 0 {
		return nil
	}
	out := make([]K, 0, n)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	iter := func(entry *valueEntry[K]) bool {
		// Reverse the within-value order too, so ascending take and
		// descending take mirror each other exactly.
		for i := len(entry.order) - 1; i >= 0; i-- {
			k := entry.order[i]
			if filter != nil && !filter(k) {
				continue
			}
			out = append(out, k)
			if len(out) == n {
				return false
			}
		}
		return true
	}

	if from != nil {
		pivot := &valueEntry[K]{val: mustNormalize(from, ix.opts)}
		ix.tree.Descend(pivot, iter)
	} else {
		ix.tree.Reverse(iter)
	}
	return out
}

// Verify BTree implements Index.
var _ Index[string] = (*BTree[string])(nil)

// ============================================================================
// Value normalization and ordering
// ============================================================================

// typeRank buckets normalized values so mixed-type indexes have a total
// order: null < bool < number < string < everything else.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// normalizeValue maps an extracted value onto the comparison scalars the
// tree orders: nil, bool, float64, string, or any other comparable type.
func normalizeValue(v any, opts CompareOptions) (any, error) {
	if v == nil || expr.IsUndefined(v) {
		return nil, nil
	}
	switch t := v.(type) {
	case time.Time:
		return float64(t.UnixNano()), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return float64(t.UnixNano()), nil
	case string:
		if opts.StringSort == StringSortLocale {
			return strings.ToLower(t), nil
		}
		return t, nil
	case bool:
		return t, nil
	}
	if f, ok := floatOf(v); ok {
		if math.IsNaN(f) {
			return nil, ErrNaNKey
		}
		return f, nil
	}
	if !reflect.TypeOf(v).Comparable() {
		return nil, ErrUnindexableValue
	}
	return v, nil
}

func mustNormalize(v any, opts CompareOptions) any {
	out, err := normalizeValue(v, opts)
	if err != nil {
		return nil
	}
	return out
}

func floatOf(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Compare orders two values under opts. Inputs may be raw or already
// normalized; both sides are normalized before comparison. The collection
// engine reuses this for comparator-sorted storage and orderBy fallbacks.
func Compare(a, b any, opts CompareOptions) int {
	opts = opts.withDefaults()
	an, _ := normalizeValue(a, opts)
	bn, _ := normalizeValue(b, opts)

	if an == nil || bn == nil {
		if an == nil && bn == nil {
			return 0
		}
		nullFirst := opts.Nulls != NullsLast
		if an == nil {
			if nullFirst {
				return -1
			}
			return 1
		}
		if nullFirst {
			return 1
		}
		return -1
	}

	ra, rb := typeRank(an), typeRank(bn)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch av := an.(type) {
	case bool:
		bv := bn.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		bv := bn.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(av, bn.(string))
	default:
		// Arbitrary comparable types order by their string form. Stable,
		// if not semantically meaningful; such values only support eq/in.
		return strings.Compare(fmt.Sprint(an), fmt.Sprint(bn))
	}
}
