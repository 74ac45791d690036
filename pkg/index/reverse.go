// Reverse adapter.
//
// A Reverse index presents an existing index with all orderings and range
// operations flipped, so a descending orderBy can reuse an ascending index
// without rebuilding anything. Lookups that are direction-free (eq, in)
// delegate unchanged.
package index

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/orneryd/huginndb/pkg/expr"
)

// Reverse flips the direction of an underlying index.
type Reverse[K comparable] struct {
	inner Index[K]
}

// NewReverse wraps idx with flipped direction. Reversing twice returns the
// original index.
func NewReverse[K comparable](idx Index[K]) Index[K] {
	if r, ok := idx.(*Reverse[K]); ok {
		return r.inner
	}
	return &Reverse[K]{inner: idx}
}

func (r *Reverse[K]) Name() string                { return r.inner.Name() }
func (r *Reverse[K]) Expression() expr.Expression { return r.inner.Expression() }
func (r *Reverse[K]) CompareOpts() CompareOptions { return r.inner.CompareOpts() }
func (r *Reverse[K]) Supports(op Op) bool         { return r.inner.Supports(flipOp(op)) }
func (r *Reverse[K]) Len() int                    { return r.inner.Len() }

func (r *Reverse[K]) Add(key K, item any)            { r.inner.Add(key, item) }
func (r *Reverse[K]) Remove(key K, item any)         { r.inner.Remove(key, item) }
func (r *Reverse[K]) Update(key K, oldItem, n any)   { r.inner.Update(key, oldItem, n) }
func (r *Reverse[K]) Build(each func(func(K, any))) { r.inner.Build(each) }

func (r *Reverse[K]) Lookup(op Op, value any) mapset.Set[K] {
	return r.inner.Lookup(flipOp(op), value)
}

func (r *Reverse[K]) RangeQuery(rng Range) mapset.Set[K] {
	return r.inner.RangeQuery(Range{Lower: rng.Upper, Upper: rng.Lower})
}

func (r *Reverse[K]) Take(n int, from any, filter func(K) bool) []K {
	return r.inner.TakeReversed(n, from, filter)
}

func (r *Reverse[K]) TakeReversed(n int, from any, filter func(K) bool) []K {
	return r.inner.Take(n, from, filter)
}

func flipOp(op Op) Op {
	switch op {
	case OpGt:
		return OpLt
	case OpGte:
		return OpLte
	case OpLt:
		return OpGt
	case OpLte:
		return OpGte
	default:
		return op
	}
}

var _ Index[string] = (*Reverse[string])(nil)
