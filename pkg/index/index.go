// Package index provides ordered secondary indexes and index-driven query
// planning for HuginnDB collections.
//
// The default index is a B+-tree over the normalized value of an indexed
// expression, backed by a value → key-set map. One index answers four kinds
// of question:
//
//   - Point lookups: eq(v), in([v1..vn])
//   - Range lookups: gt/gte/lt/lte(v) and fused compound ranges
//   - Ordered iteration: take(n) in index order, with a start cursor and a
//     per-key filter, in either direction
//   - Membership maintenance: add/remove/update/build as rows change
//
// Value normalization keeps ordering consistent with the expression
// evaluator: time.Time collapses to its instant, all numerics coerce through
// float64, NaN keys are rejected, and nulls sort first or last per the
// index's CompareOptions.
//
// Example Usage:
//
//	idx, err := index.NewBTree[string](expr.Ref("age"), index.CompareOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	idx.Add("u1", map[string]any{"age": 30})
//	idx.Add("u2", map[string]any{"age": 18})
//
//	adults := idx.RangeQuery(index.Range{
//		Lower: &index.Bound{Value: 18, Inclusive: true},
//	})
//	// adults contains u1 and u2
//
//	first := idx.Take(1, nil, nil) // ["u2"], lowest age first
package index

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/orneryd/huginndb/pkg/expr"
)

// Errors reported by index construction and maintenance.
var (
	ErrNaNKey           = errors.New("index: NaN is not an indexable value")
	ErrUnindexableValue = errors.New("index: value type is not indexable")
)

// Op is an index lookup operation.
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

// NullsOrder controls where null indexed values sort.
type NullsOrder string

const (
	NullsFirst NullsOrder = "first" // default
	NullsLast  NullsOrder = "last"
)

// StringSort selects the string comparison mode.
//
// Lexical compares byte-wise. Locale folds case before comparing, the
// closest collation the engine supports without shipping ICU tables; two
// strings that differ only by case order (and equal-compare) together.
type StringSort string

const (
	StringSortLexical StringSort = "lexical" // default
	StringSortLocale  StringSort = "locale"
)

// CompareOptions parameterize value ordering for one index. Two indexes on
// the same field with different options are distinct indexes, and the planner
// only uses an index whose options match the query's.
type CompareOptions struct {
	Nulls      NullsOrder
	StringSort StringSort
}

func (o CompareOptions) withDefaults() CompareOptions {
	if o.Nulls == "" {
		o.Nulls = NullsFirst
	}
	if o.StringSort == "" {
		o.StringSort = StringSortLexical
	}
	return o
}

// Bound is one end of a range query.
type Bound struct {
	Value     any
	Inclusive bool
}

// Range is a (possibly half-open) interval over normalized indexed values.
// A nil Lower or Upper leaves that side unbounded.
type Range struct {
	Lower *Bound
	Upper *Bound
}

// Index is the contract every secondary index satisfies. Implementations in
// this package: BTree (ordered, all ops) and Reverse (a direction-flipping
// adapter over any Index).
type Index[K comparable] interface {
	// Name identifies the index within its collection.
	Name() string

	// Expression returns the IR the index is built over.
	Expression() expr.Expression

	// CompareOpts returns the ordering options the index was created with.
	CompareOpts() CompareOptions

	// Supports reports whether the index can answer op.
	Supports(op Op) bool

	// Add indexes item under key. Rows whose indexed expression fails to
	// evaluate are omitted from the index, never an error for the write.
	Add(key K, item any)

	// Remove drops key from the index.
	Remove(key K, item any)

	// Update re-indexes key after its item changed.
	Update(key K, oldItem, newItem any)

	// Build replaces the index contents from an iteration of rows.
	Build(each func(yield func(key K, item any)))

	// Lookup answers a point operation (eq, gt, gte, lt, lte, in).
	Lookup(op Op, value any) mapset.Set[K]

	// RangeQuery returns all keys whose indexed value lies in r.
	RangeQuery(r Range) mapset.Set[K]

	// Take returns up to n keys in ascending index order, starting at the
	// first value >= from (when from is non-nil) and keeping only keys that
	// pass filter (when non-nil).
	Take(n int, from any, filter func(K) bool) []K

	// TakeReversed is Take in descending index order, starting at the last
	// value <= from.
	TakeReversed(n int, from any, filter func(K) bool) []K

	// Len returns the number of indexed keys.
	Len() int
}

// MatchesRef reports whether idx indexes exactly the property path and is
// ordered with compatible options. This is the planner's and the orderBy
// resolver's single point of truth for "does this index fit".
func MatchesRef[K comparable](idx Index[K], path []string, opts CompareOptions) bool {
	ref, ok := idx.Expression().(*expr.RefExpr)
	if !ok || len(ref.Path) != len(path) {
		return false
	}
	for i := range path {
		if ref.Path[i] != path[i] {
			return false
		}
	}
	return idx.CompareOpts() == opts.withDefaults()
}
