// Package expr defines HuginnDB's query expression IR and its evaluator.
//
// The IR is a small, immutable, language-agnostic expression tree: references
// into a row, literal values, a closed set of named functions, and aggregate
// markers. Query layers build trees out of these nodes; the evaluator compiles
// a tree into a pure `func(Row) any` closure that collections, indexes, and
// subscriptions can run per row with no further allocation.
//
// The tree is pure data. It carries no collection references and no evaluation
// state, which is what lets the collection engine depend on compiled predicate
// closures without depending on any query orchestration above it.
//
// Example Usage:
//
//	// WHERE age >= 18 AND status = 'active'
//	where := expr.And(
//		expr.Gte(expr.Ref("age"), expr.Value(18)),
//		expr.Eq(expr.Ref("status"), expr.Value("active")),
//	)
//
//	pred, err := expr.CompilePredicate(where)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	pred(map[string]any{"age": 30, "status": "active"}) // true
//
// Function names form a closed set (see functions.go). Unknown names fail at
// compile time, never at row time.
package expr

// Row is a single evaluation input. Supported shapes are map[string]any,
// structs (fields matched by name, then by json tag), and pointers to either.
// The namespaced form wraps a row as map[alias]Row.
type Row = any

// Expression is the closed set of IR nodes. The only implementations live in
// this package; external packages construct trees through the node types and
// the helper constructors below.
type Expression interface {
	exprNode()
}

// ValueExpr is a literal constant.
type ValueExpr struct {
	V any
}

// RefExpr is a property reference: a path of field names into a row.
// In the namespaced form the first path element is the source alias.
type RefExpr struct {
	Path []string
}

// FuncExpr applies a named scalar function to its arguments.
// Names are the closed set registered in functions.go.
type FuncExpr struct {
	Name string
	Args []Expression
}

// AggExpr marks an aggregate (count, sum, avg, min, max). Aggregates exist at
// the IR level for query layers that group rows; the per-row evaluator treats
// a single row as a one-element group.
type AggExpr struct {
	Name string
	Args []Expression
}

// CollectionRefExpr evaluates to the entire row (or, in namespaced form, to
// the row bound to Alias).
type CollectionRefExpr struct {
	Alias string
}

// QueryRefExpr is a reference to a sub-query result bound under Alias.
// The core evaluator treats it exactly like CollectionRefExpr; it exists as a
// distinct node so query layers can tell the two sources apart.
type QueryRefExpr struct {
	Alias string
}

func (*ValueExpr) exprNode()         {}
func (*RefExpr) exprNode()           {}
func (*FuncExpr) exprNode()          {}
func (*AggExpr) exprNode()           {}
func (*CollectionRefExpr) exprNode() {}
func (*QueryRefExpr) exprNode()      {}

// Value wraps a literal constant.
func Value(v any) *ValueExpr { return &ValueExpr{V: v} }

// Ref builds a property reference from path segments.
//
// Example:
//
//	expr.Ref("address", "city") // row.address.city
func Ref(path ...string) *RefExpr { return &RefExpr{Path: path} }

// Func builds a function application node.
func Func(name string, args ...Expression) *FuncExpr {
	return &FuncExpr{Name: name, Args: args}
}

// Aggregate builds an aggregate node.
func Aggregate(name string, args ...Expression) *AggExpr {
	return &AggExpr{Name: name, Args: args}
}

// Comparison helpers.

func Eq(a, b Expression) *FuncExpr  { return Func("eq", a, b) }
func Gt(a, b Expression) *FuncExpr  { return Func("gt", a, b) }
func Gte(a, b Expression) *FuncExpr { return Func("gte", a, b) }
func Lt(a, b Expression) *FuncExpr  { return Func("lt", a, b) }
func Lte(a, b Expression) *FuncExpr { return Func("lte", a, b) }

// Boolean helpers.

func And(args ...Expression) *FuncExpr { return Func("and", args...) }
func Or(args ...Expression) *FuncExpr  { return Func("or", args...) }
func Not(a Expression) *FuncExpr       { return Func("not", a) }

// In tests membership of a against a list expression.
func In(a, list Expression) *FuncExpr { return Func("in", a, list) }

// Like and ILike match SQL-ish patterns (% and _ wildcards), anchored to the
// full string. ILike is case-insensitive.
func Like(a, pattern Expression) *FuncExpr  { return Func("like", a, pattern) }
func ILike(a, pattern Expression) *FuncExpr { return Func("ilike", a, pattern) }

// undefined is the internal marker for a reference that resolved to a missing
// property, as opposed to one that resolved to an explicit nil.
type undefined struct{}

// Undefined is the value produced when a RefExpr path does not exist in the
// row. isUndefined is true only for this value; isNull is false for it, and
// every other scalar function treats it like nil.
var Undefined any = undefined{}

// IsUndefined reports whether v is the missing-property marker.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}
