// Package invariant provides small assertion helpers for conditions that
// signal a programming error rather than a runtime failure: a nil context
// passed by a caller, an empty argv, a postcondition a function itself must
// guarantee. They panic rather than return an error because there is no
// sensible way for a caller to recover from a broken invariant.
package invariant

import (
	"fmt"
	"reflect"
)

// NotNil panics if v is nil. v is typically an interface value (context.Context,
// an io.Writer) where the zero value is meaningless to the caller.
func NotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("invariant: %s must not be nil", name))
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if rv.IsNil() {
			panic(fmt.Sprintf("invariant: %s must not be nil", name))
		}
	}
}

// Precondition panics with a formatted message if cond is false.
func Precondition(cond bool, format string, args ...any) {
	if !cond {
		panic("precondition failed: " + fmt.Sprintf(format, args...))
	}
}

// Postcondition panics with a formatted message if cond is false.
func Postcondition(cond bool, format string, args ...any) {
	if !cond {
		panic("postcondition failed: " + fmt.Sprintf(format, args...))
	}
}

// Invariant panics with a formatted message if cond is false.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violated: " + fmt.Sprintf(format, args...))
	}
}
