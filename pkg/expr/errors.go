// Compilation errors for the expression evaluator.
//
// All compile-time failures unwrap to ErrCompilation so callers can gate on
// one sentinel while still discriminating the concrete cause with errors.As.
package expr

import (
	"errors"
	"fmt"
)

// ErrCompilation is the sentinel every expression compilation error wraps.
var ErrCompilation = errors.New("query compilation failed")

// UnknownExpressionTypeError reports an Expression implementation the
// compiler does not know. It cannot occur for trees built from this package's
// node types.
type UnknownExpressionTypeError struct {
	Expr Expression
}

func (e *UnknownExpressionTypeError) Error() string {
	return fmt.Sprintf("unknown expression type %T", e.Expr)
}

func (e *UnknownExpressionTypeError) Unwrap() error { return ErrCompilation }

// UnknownFunctionError reports a function name outside the closed set.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function %q", e.Name)
}

func (e *UnknownFunctionError) Unwrap() error { return ErrCompilation }

// EmptyReferencePathError reports a RefExpr with no path segments.
type EmptyReferencePathError struct{}

func (e *EmptyReferencePathError) Error() string {
	return "reference path must have at least one segment"
}

func (e *EmptyReferencePathError) Unwrap() error { return ErrCompilation }

// ArityError reports a function applied to the wrong number of arguments.
type ArityError struct {
	Name string
	Want string
	Got  int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("function %q expects %s arguments, got %d", e.Name, e.Want, e.Got)
}

func (e *ArityError) Unwrap() error { return ErrCompilation }
