// Index-driven where planning.
//
// PlanWhere turns a where-expression into a candidate key set using the
// indexes available on a collection:
//
//   - and → intersection of per-argument candidates, with compound range
//     fusion: several range predicates on one indexed field collapse into a
//     single rangeQuery with the tightest bounds.
//   - or → union of per-argument candidates (every branch must be
//     index-answerable, or the whole or is not).
//   - eq/gt/gte/lt/lte(ref, value) — or the flipped (value, ref) form — use
//     an index matching the ref path and the default compare options.
//   - in(ref, list) uses the index's native IN.
//
// The planner is conservative: it only consults indexes whose compare
// options equal the engine defaults, because non-default collation changes
// equality semantics. When no index fits, CanOptimize is false and the
// caller falls back to a full scan.
package index

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/orneryd/huginndb/pkg/expr"
)

// Plan is the planner's answer for one where-expression.
type Plan[K comparable] struct {
	CanOptimize  bool
	MatchingKeys mapset.Set[K]
}

func noPlan[K comparable]() Plan[K] {
	return Plan[K]{CanOptimize: false, MatchingKeys: mapset.NewThreadUnsafeSet[K]()}
}

// PlanWhere attempts to answer where from the given indexes.
func PlanWhere[K comparable](where expr.Expression, indexes []Index[K]) Plan[K] {
	fn, ok := where.(*expr.FuncExpr)
	if !ok {
		return noPlan[K]()
	}

	switch fn.Name {
	case "and":
		return planAnd(fn.Args, indexes)
	case "or":
		return planOr(fn.Args, indexes)
	case "eq", "gt", "gte", "lt", "lte":
		cmp, ok := refComparison(fn)
		if !ok {
			return noPlan[K]()
		}
		idx := findIndex(indexes, cmp.path)
		if idx == nil {
			return noPlan[K]()
		}
		return Plan[K]{CanOptimize: true, MatchingKeys: idx.Lookup(cmp.op, cmp.value)}
	case "in":
		return planIn(fn, indexes)
	default:
		return noPlan[K]()
	}
}

// refComparison matches cmp(ref, value) or cmp(value, ref), flipping the
// operator for the reversed form (5 < age ≡ age > 5).
type comparison struct {
	path  []string
	op    Op
	value any
}

func refComparison(fn *expr.FuncExpr) (comparison, bool) {
	if len(fn.Args) != 2 {
		return comparison{}, false
	}
	op := Op(fn.Name)
	if ref, ok := fn.Args[0].(*expr.RefExpr); ok {
		if val, ok := fn.Args[1].(*expr.ValueExpr); ok {
			return comparison{path: ref.Path, op: op, value: val.V}, true
		}
		return comparison{}, false
	}
	if val, ok := fn.Args[0].(*expr.ValueExpr); ok {
		if ref, ok := fn.Args[1].(*expr.RefExpr); ok {
			return comparison{path: ref.Path, op: flipOp(op), value: val.V}, true
		}
	}
	return comparison{}, false
}

func findIndex[K comparable](indexes []Index[K], path []string) Index[K] {
	for _, idx := range indexes {
		if MatchesRef(idx, path, CompareOptions{}) {
			return idx
		}
	}
	return nil
}

func planAnd[K comparable](args []expr.Expression, indexes []Index[K]) Plan[K] {
	// First pass: pull out simple range comparisons per field so that
	// age >= 18 AND age < 65 fuses into one rangeQuery instead of two
	// traversals intersected.
	type fieldRange struct {
		idx   Index[K]
		r     Range
		count int
	}
	ranges := make(map[string]*fieldRange)
	consumed := make(map[int]bool)

	for i, arg := range args {
		fn, ok := arg.(*expr.FuncExpr)
		if !ok {
			continue
		}
		switch fn.Name {
		case "gt", "gte", "lt", "lte":
		default:
			continue
		}
		cmp, ok := refComparison(fn)
		if !ok {
			continue
		}
		idx := findIndex(indexes, cmp.path)
		if idx == nil {
			continue
		}
		key := pathKey(cmp.path)
		fr, ok := ranges[key]
		if !ok {
			fr = &fieldRange{idx: idx}
			ranges[key] = fr
		}
		tightenRange(&fr.r, cmp, idx.CompareOpts())
		fr.count++
		consumed[i] = true
	}

	var sets []mapset.Set[K]
	for _, fr := range ranges {
		if fr.count >= 2 {
			sets = append(sets, fr.idx.RangeQuery(fr.r))
			continue
		}
		// A single bound gains nothing from fusion; un-consume so the
		// plain per-argument path handles it below.
		fr.count = 0
	}
	for i, arg := range args {
		if consumed[i] {
			// Re-check: single-bound fields were un-consumed above.
			fn := arg.(*expr.FuncExpr)
			cmp, _ := refComparison(fn)
			if fr := ranges[pathKey(cmp.path)]; fr != nil && fr.count >= 2 {
				continue
			}
		}
		sub := PlanWhere(arg, indexes)
		if !sub.CanOptimize {
			return noPlan[K]()
		}
		sets = append(sets, sub.MatchingKeys)
	}

	if len(sets) == 0 {
		return noPlan[K]()
	}
	out := sets[0]
	for _, s := range sets[1:] {
		out = out.Intersect(s)
	}
	return Plan[K]{CanOptimize: true, MatchingKeys: out}
}

func planOr[K comparable](args []expr.Expression, indexes []Index[K]) Plan[K] {
	if len(args) == 0 {
		return noPlan[K]()
	}
	out := mapset.NewThreadUnsafeSet[K]()
	for _, arg := range args {
		sub := PlanWhere(arg, indexes)
		if !sub.CanOptimize {
			return noPlan[K]()
		}
		out = out.Union(sub.MatchingKeys)
	}
	return Plan[K]{CanOptimize: true, MatchingKeys: out}
}

func planIn[K comparable](fn *expr.FuncExpr, indexes []Index[K]) Plan[K] {
	if len(fn.Args) != 2 {
		return noPlan[K]()
	}
	ref, ok := fn.Args[0].(*expr.RefExpr)
	if !ok {
		return noPlan[K]()
	}
	val, ok := fn.Args[1].(*expr.ValueExpr)
	if !ok {
		return noPlan[K]()
	}
	idx := findIndex(indexes, ref.Path)
	if idx == nil {
		return noPlan[K]()
	}
	if idx.Supports(OpIn) {
		return Plan[K]{CanOptimize: true, MatchingKeys: idx.Lookup(OpIn, val.V)}
	}
	return noPlan[K]()
}

// tightenRange folds one comparison into r, keeping the tightest bounds.
func tightenRange(r *Range, cmp comparison, opts CompareOptions) {
	switch cmp.op {
	case OpGt, OpGte:
		b := &Bound{Value: cmp.value, Inclusive: cmp.op == OpGte}
		if r.Lower == nil || tighterLower(b, r.Lower, opts) {
			r.Lower = b
		}
	case OpLt, OpLte:
		b := &Bound{Value: cmp.value, Inclusive: cmp.op == OpLte}
		if r.Upper == nil || tighterUpper(b, r.Upper, opts) {
			r.Upper = b
		}
	}
}

func tighterLower(a, b *Bound, opts CompareOptions) bool {
	c := Compare(a.Value, b.Value, opts)
	if c != 0 {
		return c > 0
	}
	return !a.Inclusive && b.Inclusive
}

func tighterUpper(a, b *Bound, opts CompareOptions) bool {
	c := Compare(a.Value, b.Value, opts)
	if c != 0 {
		return c < 0
	}
	return !a.Inclusive && b.Inclusive
}

func pathKey(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}

// RefPaths walks a where-expression and returns every property path used in
// an index-answerable predicate (eq/gt/gte/lt/lte/in under and/or). The
// collection's eager auto-indexer synthesizes one index per returned path.
func RefPaths(where expr.Expression) [][]string {
	var out [][]string
	collectRefPaths(where, &out)
	return out
}

func collectRefPaths(e expr.Expression, out *[][]string) {
	fn, ok := e.(*expr.FuncExpr)
	if !ok {
		return
	}
	switch fn.Name {
	case "and", "or":
		for _, a := range fn.Args {
			collectRefPaths(a, out)
		}
	case "eq", "gt", "gte", "lt", "lte":
		if cmp, ok := refComparison(fn); ok {
			appendPath(out, cmp.path)
		}
	case "in":
		if len(fn.Args) == 2 {
			if ref, ok := fn.Args[0].(*expr.RefExpr); ok {
				if _, ok := fn.Args[1].(*expr.ValueExpr); ok {
					appendPath(out, ref.Path)
				}
			}
		}
	}
}

func appendPath(out *[][]string, path []string) {
	key := pathKey(path)
	for _, p := range *out {
		if pathKey(p) == key {
			return
		}
	}
	*out = append(*out, path)
}
