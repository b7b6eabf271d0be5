package source

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// Layouts tried, in order, when a driver hands back a timestamp as text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asText(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// widen turns the sized numeric kinds into the int64 and float64 the
// parsers expect. pgx scans INTEGER columns as int32, for one.
func widen(value any) any {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n := rv.Uint(); n <= math.MaxInt64 {
			return int64(n)
		}
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return value
}

func parseInt(field reflect.Value, value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not an integer for %s", v, field.Type())
		}
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	if s, ok := asText(value); ok {
		return strconv.ParseInt(s, 10, field.Type().Bits())
	}
	return 0, fmt.Errorf("cannot convert %T to %s", value, field.Type())
}

func parseUint(field reflect.Value, value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d for %s", v, field.Type())
		}
		return uint64(v), nil
	case float64:
		if v != math.Trunc(v) || v < 0 {
			return 0, fmt.Errorf("%v is not a natural number for %s", v, field.Type())
		}
		return uint64(v), nil
	}
	if s, ok := asText(value); ok {
		return strconv.ParseUint(s, 10, field.Type().Bits())
	}
	return 0, fmt.Errorf("cannot convert %T to %s", value, field.Type())
}

func parseFloat(field reflect.Value, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	if s, ok := asText(value); ok {
		return strconv.ParseFloat(s, field.Type().Bits())
	}
	return 0, fmt.Errorf("cannot convert %T to %s", value, field.Type())
}

func parseBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	}
	if s, ok := asText(value); ok {
		return strconv.ParseBool(s)
	}
	return false, fmt.Errorf("cannot convert %T to bool", value)
}

func parseTime(value any) (time.Time, error) {
	if t, ok := value.(time.Time); ok {
		return t, nil
	}
	s, ok := asText(value)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot convert %T to time.Time", value)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Assigns a value read from the database to a struct field.
//
// Drivers hand back int64, float64, bool, []byte, string, time.Time or nil
// depending on the engine and the column type. The value is converted into
// the field's own type; nil resets the field to its zero value.
func Assign(field reflect.Value, value any) error {
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	if field.Kind() == reflect.Pointer {
		elem := reflect.New(field.Type().Elem())
		if err := Assign(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	rv := reflect.ValueOf(value)
	if rv.Type() == field.Type() {
		field.Set(rv)
		return nil
	}

	switch field.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		value = widen(value)
	}

	switch field.Kind() {
	case reflect.String:
		s, ok := asText(value)
		if !ok {
			s = fmt.Sprint(value)
		}
		field.SetString(s)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := parseInt(field, value)
		if err != nil {
			return err
		}
		if field.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, field.Type())
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := parseUint(field, value)
		if err != nil {
			return err
		}
		if field.OverflowUint(n) {
			return fmt.Errorf("value %d overflows %s", n, field.Type())
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := parseFloat(field, value)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("cannot assign %T to %s", value, field.Type())
		}
		s, ok := asText(value)
		if !ok {
			return fmt.Errorf("cannot assign %T to %s", value, field.Type())
		}
		field.SetBytes([]byte(s))
	case reflect.Struct:
		if !field.Type().ConvertibleTo(timeType) {
			return fmt.Errorf("cannot assign %T to %s", value, field.Type())
		}
		t, err := parseTime(value)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(t).Convert(field.Type()))
	default:
		if !rv.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("cannot assign %T to %s", value, field.Type())
		}
		field.Set(rv.Convert(field.Type()))
	}
	return nil
}

// Get the value of a field as it should be handed to the driver.
// Nil pointers become NULL, everything else is passed through.
func Value(field reflect.Value) any {
	if field.Kind() == reflect.Pointer {
		if field.IsNil() {
			return nil
		}
		field = field.Elem()
	}
	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8 {
		return bytes.Clone(field.Bytes())
	}
	return field.Interface()
}

// Checks whether two values produced by Value are the same.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if ba, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ba, bb)
	}
	return reflect.DeepEqual(a, b)
}

// Compares two field values of the same type for ordering.
// Nil pointers sort before any value.
func Compare(a, b reflect.Value) int {
	if a.Kind() == reflect.Pointer {
		switch {
		case a.IsNil() && b.IsNil():
			return 0
		case a.IsNil():
			return -1
		case b.IsNil():
			return 1
		}
		return Compare(a.Elem(), b.Elem())
	}

	switch a.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	case reflect.Bool:
		switch {
		case a.Bool() == b.Bool():
			return 0
		case b.Bool():
			return -1
		}
		return 1
	case reflect.Struct:
		if a.Type().ConvertibleTo(timeType) {
			ta := a.Convert(timeType).Interface().(time.Time)
			tb := b.Convert(timeType).Interface().(time.Time)
			return ta.Compare(tb)
		}
	}
	return 0
}

// Checks whether a comparable kind is supported by Compare.
func Orderable(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String, reflect.Bool:
		return true
	case reflect.Struct:
		return t.ConvertibleTo(timeType)
	}
	return false
}
