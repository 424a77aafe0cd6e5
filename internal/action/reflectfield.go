package action

import (
	"fmt"
	"reflect"
)

// GetFieldValue reads a's exported struct field named field.
func GetFieldValue(a Action, field string) (any, error) {
	rv := reflect.ValueOf(a)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("action: %T is not addressable via reflection", a)
	}
	fv := rv.FieldByName(field)
	if !fv.IsValid() {
		return nil, fmt.Errorf("action: %T has no field %q", a, field)
	}
	return fv.Interface(), nil
}

// SetFieldValue assigns value to a's exported struct field named
// field. It is used by the transport to remap FileAsset fields
// (listed in __file_assets__) from controller-side handles to
// transport-aware ones without requiring every concrete action type to
// hand-write a setter.
func SetFieldValue(a Action, field string, value any) error {
	rv := reflect.ValueOf(a)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("action: %T is not addressable via reflection", a)
	}
	fv := rv.FieldByName(field)
	if !fv.IsValid() {
		return fmt.Errorf("action: %T has no field %q", a, field)
	}
	if !fv.CanSet() {
		return fmt.Errorf("action: field %q of %T is not settable", field, a)
	}
	vv := reflect.ValueOf(value)
	if !vv.Type().AssignableTo(fv.Type()) {
		return fmt.Errorf("action: cannot assign %T to field %q (%s)", value, field, fv.Type())
	}
	fv.Set(vv)
	return nil
}
