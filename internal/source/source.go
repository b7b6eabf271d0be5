package source

import (
	"reflect"

	"github.com/stoewer/go-strcase"
)

// Represents source of a certain variable.
// T is always a struct type, V the addressable struct value when the
// source was built from a pointer.
type Source struct {
	T reflect.Type
	V reflect.Value
}

// Get a new Source of the type/value of an variable.
// Pointers are followed until the underlying struct is reached.
func NewSource(element any) Source {
	if t, ok := element.(reflect.Type); ok {
		return FromType(t)
	}
	v := reflect.ValueOf(element)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return FromType(v.Type())
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return Source{}
	}
	return Source{T: v.Type(), V: v}
}

// Get a Source describing only a type, without any value attached.
func FromType(t reflect.Type) Source {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return Source{T: t}
}

// Get name of the variable.
func (src Source) Name() string {
	if src.T == nil {
		return ""
	}
	return strcase.SnakeCase(src.T.Name())
}

// Check whether the source describes a struct.
func (src Source) IsStruct() bool {
	return src.T != nil && src.T.Kind() == reflect.Struct
}

// Get all exported, non-embedded fields of the struct in declaration order.
func (src Source) Fields() []reflect.StructField {
	if !src.IsStruct() {
		return nil
	}

	fields := []reflect.StructField{}
	for i := 0; i < src.T.NumField(); i++ {
		field := src.T.Field(i)
		if !field.IsExported() || field.Anonymous {
			continue
		}
		fields = append(fields, field)
	}

	return fields
}

// Get the field value at index. Only valid for sources built from a value.
func (src Source) Field(index []int) reflect.Value {
	return src.V.FieldByIndex(index)
}

// Formats a Go identifier the way it is stored in the database.
func ColumnName(name string) string {
	return strcase.SnakeCase(name)
}
