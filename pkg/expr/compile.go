// Expression compilation.
//
// Compile walks the IR once and produces a closure per node; evaluation does
// no tree walking and no name lookups. Two forms exist:
//
//   - Single-row form (Compile): references resolve directly against the item.
//     Used by indexes and per-row subscription filters.
//   - Namespaced form (CompileNamespaced): the row is map[alias]item and the
//     first path segment of every reference names the alias. Used by
//     multi-source query layers.
package expr

import (
	"reflect"
)

// Compiled is an evaluated expression: a pure row → value function.
type Compiled func(row Row) any

// Compile compiles an expression in single-row form.
//
// The returned closure never panics on missing properties; an unresolvable
// path yields Undefined, which scalar functions other than isNull treat as nil.
func Compile(e Expression) (Compiled, error) {
	return compile(e, false)
}

// CompileNamespaced compiles an expression in namespaced form, where a row is
// map[alias]item and reference paths start with the source alias.
func CompileNamespaced(e Expression) (Compiled, error) {
	return compile(e, true)
}

// CompilePredicate compiles an expression and coerces its result to a bool
// using truthiness rules (nil, Undefined and false are falsy).
func CompilePredicate(e Expression) (func(row Row) bool, error) {
	fn, err := Compile(e)
	if err != nil {
		return nil, err
	}
	return func(row Row) bool { return isTruthy(fn(row)) }, nil
}

func compile(e Expression, namespaced bool) (Compiled, error) {
	switch n := e.(type) {
	case *ValueExpr:
		v := n.V
		return func(Row) any { return v }, nil

	case *RefExpr:
		if len(n.Path) == 0 {
			return nil, &EmptyReferencePathError{}
		}
		if namespaced && len(n.Path) == 1 {
			// Bare alias: the whole namespaced item.
			alias := n.Path[0]
			return func(row Row) any { return resolveSegment(row, alias) }, nil
		}
		path := n.Path
		return func(row Row) any { return resolvePath(row, path) }, nil

	case *FuncExpr:
		fn, ok := functions[n.Name]
		if !ok {
			return nil, &UnknownFunctionError{Name: n.Name}
		}
		if err := fn.checkArity(n.Name, len(n.Args)); err != nil {
			return nil, err
		}
		args := make([]Compiled, len(n.Args))
		for i, a := range n.Args {
			c, err := compile(a, namespaced)
			if err != nil {
				return nil, err
			}
			args[i] = c
		}
		return fn.bind(args), nil

	case *AggExpr:
		// Per-row aggregate: a single row is a one-element group. Group-by
		// evaluation belongs to the query execution layer above this package.
		return compileRowAggregate(n, namespaced)

	case *CollectionRefExpr:
		if namespaced {
			alias := n.Alias
			return func(row Row) any { return resolveSegment(row, alias) }, nil
		}
		return func(row Row) any { return row }, nil

	case *QueryRefExpr:
		if namespaced {
			alias := n.Alias
			return func(row Row) any { return resolveSegment(row, alias) }, nil
		}
		return func(row Row) any { return row }, nil

	default:
		return nil, &UnknownExpressionTypeError{Expr: e}
	}
}

func compileRowAggregate(n *AggExpr, namespaced bool) (Compiled, error) {
	switch n.Name {
	case "count":
		// count(*) has no argument; count(x) counts non-null values.
		if len(n.Args) == 0 {
			return func(Row) any { return float64(1) }, nil
		}
		arg, err := compile(n.Args[0], namespaced)
		if err != nil {
			return nil, err
		}
		return func(row Row) any {
			if isNullish(arg(row)) {
				return float64(0)
			}
			return float64(1)
		}, nil
	case "sum", "avg", "min", "max":
		if len(n.Args) != 1 {
			return nil, &ArityError{Name: n.Name, Want: "1", Got: len(n.Args)}
		}
		arg, err := compile(n.Args[0], namespaced)
		if err != nil {
			return nil, err
		}
		return func(row Row) any {
			v := arg(row)
			if isNullish(v) {
				return nil
			}
			return v
		}, nil
	default:
		return nil, &UnknownFunctionError{Name: n.Name}
	}
}

// resolvePath walks a path of property names through maps, structs and
// pointers. Any unresolvable segment yields Undefined.
func resolvePath(row Row, path []string) any {
	cur := row
	for _, seg := range path {
		cur = resolveSegment(cur, seg)
		if IsUndefined(cur) {
			return Undefined
		}
	}
	return cur
}

// resolveSegment resolves one property name against a single value.
func resolveSegment(v any, name string) any {
	if v == nil {
		return Undefined
	}
	if m, ok := v.(map[string]any); ok {
		out, present := m[name]
		if !present {
			return Undefined
		}
		return out
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return Undefined
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Undefined
		}
		out := rv.MapIndex(reflect.ValueOf(name))
		if !out.IsValid() {
			return Undefined
		}
		return out.Interface()
	case reflect.Struct:
		if f := rv.FieldByName(name); f.IsValid() && f.CanInterface() {
			return f.Interface()
		}
		// Fall back to the json tag, the common export shape for entities.
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			if jsonTagName(field.Tag.Get("json")) == name {
				return rv.Field(i).Interface()
			}
		}
		return Undefined
	default:
		return Undefined
	}
}

func jsonTagName(tag string) string {
	if tag == "" || tag == "-" {
		return ""
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i]
		}
	}
	return tag
}
