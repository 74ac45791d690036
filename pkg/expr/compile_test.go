// Package expr tests for IR compilation and evaluation.
package expr

import (
	"errors"
	"testing"
	"time"
)

func evalOn(t *testing.T, e Expression, row Row) any {
	t.Helper()
	fn, err := Compile(e)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return fn(row)
}

func TestCompileValueAndRef(t *testing.T) {
	row := map[string]any{"name": "Alice", "age": 30}

	t.Run("value literal", func(t *testing.T) {
		if got := evalOn(t, Value(42), row); got != 42 {
			t.Errorf("expected 42, got %v", got)
		}
	})

	t.Run("ref resolves map key", func(t *testing.T) {
		if got := evalOn(t, Ref("name"), row); got != "Alice" {
			t.Errorf("expected Alice, got %v", got)
		}
	})

	t.Run("missing key is Undefined", func(t *testing.T) {
		got := evalOn(t, Ref("missing"), row)
		if !IsUndefined(got) {
			t.Errorf("expected Undefined, got %v", got)
		}
	})

	t.Run("nested path", func(t *testing.T) {
		nested := map[string]any{"address": map[string]any{"city": "Oslo"}}
		if got := evalOn(t, Ref("address", "city"), nested); got != "Oslo" {
			t.Errorf("expected Oslo, got %v", got)
		}
	})

	t.Run("empty ref path rejected", func(t *testing.T) {
		_, err := Compile(Ref())
		var pathErr *EmptyReferencePathError
		if !errors.As(err, &pathErr) {
			t.Errorf("expected EmptyReferencePathError, got %v", err)
		}
		if !errors.Is(err, ErrCompilation) {
			t.Error("should unwrap to ErrCompilation")
		}
	})
}

func TestCompileStructRows(t *testing.T) {
	type user struct {
		Name  string `json:"name"`
		Age   int    `json:"age"`
		Email string
	}
	row := user{Name: "Bob", Age: 25, Email: "bob@example.com"}

	t.Run("json tag", func(t *testing.T) {
		if got := evalOn(t, Ref("name"), row); got != "Bob" {
			t.Errorf("expected Bob, got %v", got)
		}
	})

	t.Run("field name", func(t *testing.T) {
		if got := evalOn(t, Ref("Email"), row); got != "bob@example.com" {
			t.Errorf("expected email, got %v", got)
		}
	})

	t.Run("pointer row", func(t *testing.T) {
		if got := evalOn(t, Ref("age"), &row); got != 25 {
			t.Errorf("expected 25, got %v", got)
		}
	})
}

func TestCompileNamespaced(t *testing.T) {
	fn, err := CompileNamespaced(Eq(Ref("u", "name"), Value("Alice")))
	if err != nil {
		t.Fatalf("CompileNamespaced() error = %v", err)
	}
	row := map[string]any{"u": map[string]any{"name": "Alice"}}
	if got := fn(row); got != true {
		t.Errorf("expected true, got %v", got)
	}

	whole, err := CompileNamespaced(&CollectionRefExpr{Alias: "u"})
	if err != nil {
		t.Fatalf("CompileNamespaced() error = %v", err)
	}
	if got := whole(row); got == nil {
		t.Error("collection ref should resolve the aliased item")
	}
}

func TestComparisonSemantics(t *testing.T) {
	t.Run("eq numeric coercion", func(t *testing.T) {
		if got := evalOn(t, Eq(Value(int64(42)), Value(float64(42))), nil); got != true {
			t.Errorf("int64(42) should equal float64(42), got %v", got)
		}
	})

	t.Run("eq normalizes dates", func(t *testing.T) {
		instant := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		other := instant.In(time.FixedZone("X", 3600))
		if got := evalOn(t, Eq(Value(instant), Value(other)), nil); got != true {
			t.Errorf("equal instants should compare equal, got %v", got)
		}
	})

	t.Run("null propagation", func(t *testing.T) {
		if got := evalOn(t, Eq(Value(nil), Value(1)), nil); got != false {
			t.Errorf("nil == 1 should be false, got %v", got)
		}
		if got := evalOn(t, Eq(Value(nil), Value(nil)), nil); got != true {
			t.Errorf("nil == nil should be true, got %v", got)
		}
		if got := evalOn(t, Gt(Value(nil), Value(1)), nil); got != false {
			t.Errorf("nil > 1 should be false, got %v", got)
		}
	})

	t.Run("ordering", func(t *testing.T) {
		cases := []struct {
			e    Expression
			want bool
		}{
			{Gt(Value(2), Value(1)), true},
			{Gte(Value(2), Value(2)), true},
			{Lt(Value("a"), Value("b")), true},
			{Lte(Value(1.5), Value(1.4)), false},
		}
		for _, tc := range cases {
			if got := evalOn(t, tc.e, nil); got != tc.want {
				t.Errorf("%v: expected %v, got %v", tc.e, tc.want, got)
			}
		}
	})
}

func TestBooleanFunctions(t *testing.T) {
	row := map[string]any{"a": true, "b": false}

	if got := evalOn(t, And(Ref("a"), Not(Ref("b"))), row); got != true {
		t.Errorf("a AND NOT b should be true, got %v", got)
	}
	if got := evalOn(t, Or(Ref("b"), Ref("b")), row); got != false {
		t.Errorf("b OR b should be false, got %v", got)
	}
	if got := evalOn(t, Not(Ref("missing")), row); got != true {
		t.Errorf("NOT undefined should be true, got %v", got)
	}
}

func TestInFunction(t *testing.T) {
	row := map[string]any{"status": "active"}
	e := In(Ref("status"), Value([]any{"active", "pending"}))
	if got := evalOn(t, e, row); got != true {
		t.Errorf("expected membership, got %v", got)
	}
	e = In(Ref("status"), Value([]any{"archived"}))
	if got := evalOn(t, e, row); got != false {
		t.Errorf("expected non-membership, got %v", got)
	}
	if got := evalOn(t, In(Value(1), Value(nil)), nil); got != false {
		t.Errorf("in(nil list) should be false, got %v", got)
	}
}

func TestLikePatterns(t *testing.T) {
	cases := []struct {
		fn      string
		value   any
		pattern string
		want    bool
	}{
		{"like", "hello world", "hello%", true},
		{"like", "hello world", "%world", true},
		{"like", "hello world", "h_llo%", true},
		{"like", "hello world", "world%", false},
		{"like", "hello", "hello", true},
		{"like", "xhello", "hello", false}, // full-string anchoring
		{"like", "HELLO", "hello", false},
		{"ilike", "HELLO", "hello", true},
		{"ilike", "Hello World", "%WORLD", true},
		{"like", 42, "4_", false}, // non-string value
	}
	for _, tc := range cases {
		got := evalOn(t, Func(tc.fn, Value(tc.value), Value(tc.pattern)), nil)
		if got != tc.want {
			t.Errorf("%s(%v, %q): expected %v, got %v", tc.fn, tc.value, tc.pattern, tc.want, got)
		}
	}
}

func TestStringFunctions(t *testing.T) {
	if got := evalOn(t, Func("upper", Value("abc")), nil); got != "ABC" {
		t.Errorf("upper: got %v", got)
	}
	if got := evalOn(t, Func("lower", Value("AbC")), nil); got != "abc" {
		t.Errorf("lower: got %v", got)
	}
	if got := evalOn(t, Func("length", Value("abc")), nil); got != float64(3) {
		t.Errorf("length: got %v", got)
	}
	if got := evalOn(t, Func("concat", Value("a"), Value(nil), Value("b")), nil); got != "ab" {
		t.Errorf("concat skips nil: got %v", got)
	}
	if got := evalOn(t, Func("coalesce", Value(nil), Value("x"), Value("y")), nil); got != "x" {
		t.Errorf("coalesce: got %v", got)
	}
}

func TestMathFunctions(t *testing.T) {
	t.Run("basic arithmetic", func(t *testing.T) {
		if got := evalOn(t, Func("add", Value(2), Value(3)), nil); got != float64(5) {
			t.Errorf("add: got %v", got)
		}
		if got := evalOn(t, Func("subtract", Value(5), Value(3)), nil); got != float64(2) {
			t.Errorf("subtract: got %v", got)
		}
		if got := evalOn(t, Func("multiply", Value(4), Value(2.5)), nil); got != float64(10) {
			t.Errorf("multiply: got %v", got)
		}
		if got := evalOn(t, Func("divide", Value(10), Value(4)), nil); got != float64(2.5) {
			t.Errorf("divide: got %v", got)
		}
	})

	t.Run("nil operand is absent", func(t *testing.T) {
		if got := evalOn(t, Func("add", Value(nil), Value(3)), nil); got != float64(3) {
			t.Errorf("add(nil, 3): got %v", got)
		}
	})

	t.Run("divide by zero yields nil", func(t *testing.T) {
		if got := evalOn(t, Func("divide", Value(10), Value(0)), nil); got != nil {
			t.Errorf("divide by zero: got %v", got)
		}
	})
}

func TestNullChecks(t *testing.T) {
	row := map[string]any{"present": nil}
	if got := evalOn(t, Func("isNull", Ref("present")), row); got != true {
		t.Errorf("isNull(explicit nil): got %v", got)
	}
	if got := evalOn(t, Func("isUndefined", Ref("missing")), row); got != true {
		t.Errorf("isUndefined(missing): got %v", got)
	}
	if got := evalOn(t, Func("isUndefined", Ref("present")), row); got != false {
		t.Errorf("isUndefined(explicit nil): got %v", got)
	}
}

func TestAggregatesPerRow(t *testing.T) {
	row := map[string]any{"n": 7}
	if got := evalOn(t, Aggregate("count", Ref("n")), row); got != float64(1) {
		t.Errorf("count over one row: got %v", got)
	}
	if got := evalOn(t, Aggregate("sum", Ref("n")), row); got != 7 {
		t.Errorf("sum over one row: got %v", got)
	}
	if got := evalOn(t, Aggregate("count", Ref("missing")), row); got != float64(0) {
		t.Errorf("count of missing: got %v", got)
	}
}

func TestCompilationErrors(t *testing.T) {
	t.Run("unknown function", func(t *testing.T) {
		_, err := Compile(Func("frobnicate", Value(1)))
		var fnErr *UnknownFunctionError
		if !errors.As(err, &fnErr) {
			t.Fatalf("expected UnknownFunctionError, got %v", err)
		}
		if fnErr.Name != "frobnicate" {
			t.Errorf("expected name frobnicate, got %s", fnErr.Name)
		}
	})

	t.Run("wrong arity", func(t *testing.T) {
		_, err := Compile(Func("eq", Value(1)))
		var arity *ArityError
		if !errors.As(err, &arity) {
			t.Errorf("expected ArityError, got %v", err)
		}
	})

	t.Run("errors happen at compile time", func(t *testing.T) {
		_, err := Compile(And(Eq(Ref("a"), Value(1)), Func("nope")))
		if err == nil {
			t.Error("nested unknown function should fail compilation")
		}
	})
}

func TestCompilePredicateTruthiness(t *testing.T) {
	pred, err := CompilePredicate(Ref("flag"))
	if err != nil {
		t.Fatalf("CompilePredicate() error = %v", err)
	}
	if pred(map[string]any{"flag": false}) {
		t.Error("false is falsy")
	}
	if pred(map[string]any{}) {
		t.Error("undefined is falsy")
	}
	if !pred(map[string]any{"flag": "yes"}) {
		t.Error("non-nil non-bool is truthy")
	}
}
