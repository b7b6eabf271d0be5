package orm

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/gideon-mc/orm/internal/registry"
	"github.com/gideon-mc/orm/internal/source"
)

// Data holds property values keyed by Go field or column name.
//
// Scalar properties take any value convertible to the field type.
// Many-to-one properties take an entity pointer, nested Data or the
// identity of an existing row. One-to-many properties take a slice of
// entity pointers or of Data.
type Data map[string]any

// Create builds a T from data and persists it, along with every entity
// nested in data. Nothing is written until the next flush.
//
// Example:
//
//	author, err := orm.Create[library.Author](em, orm.Data{
//	    "name": "Jon Snow",
//	    "books": []orm.Data{
//	        {"name": "Book 1", "year": 1997},
//	        {"name": "Book 2", "year": 1960},
//	    },
//	})
func Create[T any](em *EntityManager, data Data) (*T, error) {
	meta, err := em.metaOf(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	entity, err := em.create(meta, data)
	if err != nil {
		return nil, err
	}
	return entity.(*T), nil
}

func (em *EntityManager) create(meta *registry.Entity, data Data) (any, error) {
	entity := meta.New()
	v := meta.Value(entity)

	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	children := map[*registry.Property][]any{}
	for _, key := range keys {
		prop, ok := meta.Prop(key)
		if !ok {
			return nil, fmt.Errorf("%s has no property %q", meta.Name, key)
		}
		value := data[key]

		switch prop.Kind {
		case registry.Scalar:
			if err := setScalar(v.FieldByIndex(prop.Index), value); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", meta.Name, prop.Name, err)
			}
		case registry.ManyToOne:
			target, err := em.createTarget(prop, value)
			if err != nil {
				return nil, err
			}
			field := v.FieldByIndex(prop.Index)
			if target == nil {
				field.Set(reflect.Zero(field.Type()))
			} else {
				field.Set(reflect.ValueOf(target))
			}
		case registry.OneToMany:
			items, err := em.createItems(prop, value)
			if err != nil {
				return nil, err
			}
			children[prop] = items
		}
	}

	em.persist(meta, entity)
	for _, prop := range meta.Relations(registry.OneToMany) {
		c := collectionOf(entity, prop)
		for _, item := range children[prop] {
			if err := c.push(item); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", meta.Name, prop.Name, err)
			}
		}
	}
	return entity, nil
}

func (em *EntityManager) createTarget(prop *registry.Property, value any) (any, error) {
	switch value := value.(type) {
	case nil:
		return nil, nil
	case Data:
		return em.create(prop.Target, value)
	case map[string]any:
		return em.create(prop.Target, value)
	}
	if reflect.TypeOf(value) == reflect.PointerTo(prop.Target.Type) {
		if reflect.ValueOf(value).IsNil() {
			return nil, nil
		}
		return value, nil
	}
	return em.reference(prop.Target, value)
}

func (em *EntityManager) createItems(prop *registry.Property, value any) ([]any, error) {
	if value == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s.%s: expected a slice, got %T", prop.Owner.Name, prop.Name, value)
	}

	items := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		switch item := rv.Index(i).Interface().(type) {
		case Data:
			created, err := em.create(prop.Target, item)
			if err != nil {
				return nil, err
			}
			items = append(items, created)
		case map[string]any:
			created, err := em.create(prop.Target, item)
			if err != nil {
				return nil, err
			}
			items = append(items, created)
		default:
			if reflect.TypeOf(item) != reflect.PointerTo(prop.Target.Type) {
				return nil, fmt.Errorf("%s.%s: cannot add %T", prop.Owner.Name, prop.Name, item)
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// setScalar assigns a Go value to a scalar field, converting between
// numeric types and dereferencing pointers as needed.
func setScalar(field reflect.Value, value any) error {
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	rv := reflect.ValueOf(value)
	if fractional(rv, field.Type()) {
		return fmt.Errorf("%v is not an integer", value)
	}
	switch {
	case rv.Type().AssignableTo(field.Type()):
		field.Set(rv)
		return nil
	case field.Kind() == reflect.Pointer && rv.Type().ConvertibleTo(field.Type().Elem()) && convertible(rv.Kind(), field.Type().Elem().Kind()):
		elem := reflect.New(field.Type().Elem())
		elem.Elem().Set(rv.Convert(field.Type().Elem()))
		field.Set(elem)
		return nil
	case rv.Kind() == reflect.Pointer:
		if rv.IsNil() {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		return setScalar(field, rv.Elem().Interface())
	case rv.Type().ConvertibleTo(field.Type()) && convertible(rv.Kind(), field.Kind()):
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	return source.Assign(field, value)
}

// fractional reports a float with a fraction headed for an integer field.
func fractional(rv reflect.Value, to reflect.Type) bool {
	if to.Kind() == reflect.Pointer {
		to = to.Elem()
	}
	if rv.Kind() != reflect.Float32 && rv.Kind() != reflect.Float64 {
		return false
	}
	if to.Kind() < reflect.Int || to.Kind() > reflect.Uintptr {
		return false
	}
	f := rv.Float()
	return f != math.Trunc(f)
}

// convertible rejects the conversions reflect allows but that change the
// meaning of a value, such as int to string.
func convertible(from, to reflect.Kind) bool {
	numeric := func(k reflect.Kind) bool {
		return k >= reflect.Int && k <= reflect.Float64
	}
	if numeric(from) || numeric(to) {
		return numeric(from) && numeric(to)
	}
	return true
}
