package service

import (
	"fmt"
	"reflect"
)

// classNameOf renders a short type name for a recovered panic value, used as
// the "errors" metric tag for handler panics (e.g. "*errors.errorString",
// "runtime.boundsError").
func classNameOf(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	return t.String()
}

func formatPanic(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}
