// Scalar function semantics for the expression evaluator.
//
// This file contains the closed function set and the comparison rules the
// whole engine shares. Semantics follow the same coercion rules the rest of
// HuginnDB uses for ordering and index keys:
//
//   - Numeric types compare as numbers (ints and floats coerce via float64).
//   - time.Time compares by its instant (normalized to Unix nanoseconds).
//   - NULL propagates through ordering comparisons (gt/gte/lt/lte with a nil
//     operand are false); eq is false against nil except nil == nil,
//     while arithmetic treats a nil operand as absent (add(nil, x) == x).
//   - divide by zero yields nil rather than an error or Inf.
//   - like/ilike compile SQL-ish patterns (% and _) to full-string-anchored
//     regular expressions; non-string inputs match nothing.
package expr

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"
)

// funcDef describes one scalar function: arity bounds and its binder.
type funcDef struct {
	minArgs int
	maxArgs int // -1 = variadic
	bind    func(args []Compiled) Compiled
}

func (f funcDef) checkArity(name string, got int) error {
	if got < f.minArgs || (f.maxArgs >= 0 && got > f.maxArgs) {
		want := fmt.Sprintf("%d", f.minArgs)
		if f.maxArgs < 0 {
			want = fmt.Sprintf("at least %d", f.minArgs)
		} else if f.maxArgs != f.minArgs {
			want = fmt.Sprintf("%d..%d", f.minArgs, f.maxArgs)
		}
		return &ArityError{Name: name, Want: want, Got: got}
	}
	return nil
}

var functions = map[string]funcDef{
	// Comparison
	"eq":  binary(func(a, b any) any { return looseEqual(a, b) }),
	"gt":  binary(func(a, b any) any { return orderedCompare(a, b, func(c int) bool { return c > 0 }) }),
	"gte": binary(func(a, b any) any { return orderedCompare(a, b, func(c int) bool { return c >= 0 }) }),
	"lt":  binary(func(a, b any) any { return orderedCompare(a, b, func(c int) bool { return c < 0 }) }),
	"lte": binary(func(a, b any) any { return orderedCompare(a, b, func(c int) bool { return c <= 0 }) }),

	// Boolean
	"and": {minArgs: 1, maxArgs: -1, bind: bindAnd},
	"or":  {minArgs: 1, maxArgs: -1, bind: bindOr},
	"not": unary(func(a any) any { return !isTruthy(a) }),

	// Array
	"in": binary(evalIn),

	// String
	"like":  binary(func(a, b any) any { return evalLike(a, b, false) }),
	"ilike": binary(func(a, b any) any { return evalLike(a, b, true) }),
	"upper": unary(func(a any) any {
		if s, ok := a.(string); ok {
			return strings.ToUpper(s)
		}
		return nil
	}),
	"lower": unary(func(a any) any {
		if s, ok := a.(string); ok {
			return strings.ToLower(s)
		}
		return nil
	}),
	"length": unary(evalLength),
	"concat": {minArgs: 1, maxArgs: -1, bind: bindConcat},
	"coalesce": {minArgs: 1, maxArgs: -1, bind: func(args []Compiled) Compiled {
		return func(row Row) any {
			for _, a := range args {
				if v := a(row); !isNullish(v) {
					return v
				}
			}
			return nil
		}
	}},

	// Math
	"add":      binary(func(a, b any) any { return arith(a, b, func(x, y float64) float64 { return x + y }) }),
	"subtract": binary(func(a, b any) any { return arith(a, b, func(x, y float64) float64 { return x - y }) }),
	"multiply": binary(func(a, b any) any { return arith(a, b, func(x, y float64) float64 { return x * y }) }),
	"divide":   binary(evalDivide),

	// Null checks
	"isNull":      unary(func(a any) any { return a == nil }),
	"isUndefined": unary(func(a any) any { return IsUndefined(a) }),
}

func unary(fn func(a any) any) funcDef {
	return funcDef{minArgs: 1, maxArgs: 1, bind: func(args []Compiled) Compiled {
		a := args[0]
		return func(row Row) any { return fn(a(row)) }
	}}
}

func binary(fn func(a, b any) any) funcDef {
	return funcDef{minArgs: 2, maxArgs: 2, bind: func(args []Compiled) Compiled {
		a, b := args[0], args[1]
		return func(row Row) any { return fn(a(row), b(row)) }
	}}
}

func bindAnd(args []Compiled) Compiled {
	return func(row Row) any {
		for _, a := range args {
			if !isTruthy(a(row)) {
				return false
			}
		}
		return true
	}
}

func bindOr(args []Compiled) Compiled {
	return func(row Row) any {
		for _, a := range args {
			if isTruthy(a(row)) {
				return true
			}
		}
		return false
	}
}

func bindConcat(args []Compiled) Compiled {
	return func(row Row) any {
		var sb strings.Builder
		for _, a := range args {
			v := a(row)
			if isNullish(v) {
				continue
			}
			fmt.Fprintf(&sb, "%v", v)
		}
		return sb.String()
	}
}

// isTruthy implements boolean coercion: false, nil, and Undefined are falsy;
// everything else, including 0 and "", is truthy. Predicate results are
// expected to be booleans; the permissive coercion mirrors how the collection
// engine treats filter outputs.
func isTruthy(v any) bool {
	if isNullish(v) {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func isNullish(v any) bool {
	return v == nil || IsUndefined(v)
}

// looseEqual is the engine-wide equality: numeric coercion, time.Time by
// instant, nil == nil, deep equality for composite values.
func looseEqual(a, b any) bool {
	a, b = normalizeScalar(a), normalizeScalar(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
		return false
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// orderedCompare compares two ordered values and applies test to the result.
// Any nil operand or incomparable pair yields false (NULL propagation).
func orderedCompare(a, b any, test func(int) bool) any {
	c, ok := CompareOrdered(a, b)
	if !ok {
		return false
	}
	return test(c)
}

// CompareOrdered compares two values under the engine's ordering rules.
// Returns (-1|0|1, true) for comparable pairs, (0, false) otherwise.
// Exported for the index package, which must order values identically.
func CompareOrdered(a, b any) (int, bool) {
	a, b = normalizeScalar(a), normalizeScalar(b)
	if a == nil || b == nil {
		return 0, false
	}
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ab == bb:
				return 0, true
			case !ab:
				return -1, true
			default:
				return 1, true
			}
		}
		return 0, false
	}
	return 0, false
}

// normalizeScalar maps values onto the small set of comparison scalars:
// time.Time collapses to Unix nanoseconds so equal instants in different
// locations compare equal, and Undefined collapses to nil.
func normalizeScalar(v any) any {
	switch t := v.(type) {
	case undefined:
		return nil
	case time.Time:
		return t.UnixNano()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UnixNano()
	default:
		return v
	}
}

// toFloat64 coerces numeric types to float64 for comparison.
func toFloat64(v any) (float64, bool) {
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

func evalIn(a, list any) any {
	if isNullish(list) {
		return false
	}
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEqual(a, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func evalLength(a any) any {
	switch v := a.(type) {
	case string:
		return float64(len([]rune(v)))
	case nil, undefined:
		return nil
	default:
		rv := reflect.ValueOf(a)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
			return float64(rv.Len())
		}
		return nil
	}
}

func arith(a, b any, op func(x, y float64) float64) any {
	af, aok := toFloat64(normalizeScalar(a))
	bf, bok := toFloat64(normalizeScalar(b))
	switch {
	case aok && bok:
		return op(af, bf)
	case aok:
		return af
	case bok:
		return bf
	default:
		return nil
	}
}

func evalDivide(a, b any) any {
	af, aok := toFloat64(normalizeScalar(a))
	bf, bok := toFloat64(normalizeScalar(b))
	if !aok || !bok || bf == 0 {
		return nil
	}
	return af / bf
}

// patternCache holds compiled like/ilike regexps keyed by pattern and case
// mode. Patterns come from query IR, so the population is small and stable.
var patternCache = struct {
	mu sync.Mutex
	m  map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

func evalLike(a, pattern any, caseInsensitive bool) any {
	s, ok := a.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	re := compileLikePattern(p, caseInsensitive)
	return re.MatchString(s)
}

// compileLikePattern converts a SQL-ish pattern to an anchored regexp:
// % matches any run of characters, _ matches exactly one.
func compileLikePattern(pattern string, caseInsensitive bool) *regexp.Regexp {
	key := pattern
	if caseInsensitive {
		key = "i\x00" + pattern
	}
	patternCache.mu.Lock()
	defer patternCache.mu.Unlock()
	if re, ok := patternCache.m[key]; ok {
		return re
	}

	var sb strings.Builder
	if caseInsensitive {
		sb.WriteString("(?is)")
	} else {
		sb.WriteString("(?s)")
	}
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	re := regexp.MustCompile(sb.String())
	patternCache.m[key] = re
	return re
}
