package registry

import (
	"fmt"
	"reflect"
	"strings"
)

// Kind tells how a property is stored.
type Kind int

const (
	Scalar Kind = iota
	ManyToOne
	OneToMany
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case ManyToOne:
		return "many_to_one"
	case OneToMany:
		return "one_to_many"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// OrderBy is one sort key of a one-to-many relation.
type OrderBy struct {
	Property *Property
	Desc     bool

	name string
}

// Direction returns the SQL keyword for the sort direction.
func (o OrderBy) Direction() string {
	if o.Desc {
		return "DESC"
	}
	return "ASC"
}

// Property describes one mapped field of an entity.
type Property struct {
	Name   string
	Column string
	Kind   Kind
	Index  []int
	Type   reflect.Type
	Owner  *Entity

	Primary       bool
	AutoIncrement bool
	Nullable      bool
	Unique        bool
	SQLType       string

	// Relations only.
	Target        *Entity
	MappedBy      string
	Inverse       *Property
	OrderBy       []OrderBy
	Eager         bool
	OrphanRemoval bool

	targetType reflect.Type
}

// HasColumn reports whether the property is backed by a column of the
// owner's table.
func (p *Property) HasColumn() bool {
	return p.Kind != OneToMany
}

// Entity describes one registered struct type.
type Entity struct {
	Name  string
	Table string
	Type  reflect.Type
	Props []*Property
	PK    *Property

	byName map[string]*Property
}

// Prop finds a property by Go field name or column name. Matching is case
// insensitive.
func (e *Entity) Prop(name string) (*Property, bool) {
	p, ok := e.byName[strings.ToLower(name)]
	return p, ok
}

// Columns returns the properties stored in the entity's own table, in
// declaration order.
func (e *Entity) Columns() []*Property {
	props := []*Property{}
	for _, p := range e.Props {
		if p.HasColumn() {
			props = append(props, p)
		}
	}
	return props
}

// Relations returns the properties of the given kind.
func (e *Entity) Relations(kind Kind) []*Property {
	props := []*Property{}
	for _, p := range e.Props {
		if p.Kind == kind {
			props = append(props, p)
		}
	}
	return props
}

// Value returns the struct value behind an entity pointer.
func (e *Entity) Value(entity any) reflect.Value {
	return reflect.ValueOf(entity).Elem()
}

// Identity returns the identity value of an entity pointer and whether it
// is set.
func (e *Entity) Identity(entity any) (any, bool) {
	field := e.Value(entity).FieldByIndex(e.PK.Index)
	if field.IsZero() {
		return nil, false
	}
	return field.Interface(), true
}

// New allocates a fresh entity of this type and returns the pointer.
func (e *Entity) New() any {
	return reflect.New(e.Type).Interface()
}

func (e *Entity) String() string {
	return e.Name
}
