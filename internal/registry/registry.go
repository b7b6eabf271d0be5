// Package registry holds the mapping metadata of every entity known to an
// ORM instance: identity field, columns, and relations with their ordering.
//
// Metadata is declared with struct tags and read once:
//
//	type Author struct {
//	    ID    int64
//	    Name  string
//	    Books orm.Collection[Book] `orm:"one_to_many,mapped_by:Author,order_by:year"`
//	}
//
//	type Book struct {
//	    ID     int64
//	    Name   string `type:"varchar(128)"`
//	    Author *Author `orm:"many_to_one"`
//	    Year   int
//	}
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gideon-mc/orm/internal/source"
)

// ErrMetadata is wrapped by every registration and discovery failure.
var ErrMetadata = errors.New("invalid entity metadata")

// CollectionType is implemented by the collection type used for one-to-many
// fields. It reports the element struct type.
type CollectionType interface {
	ElementType() reflect.Type
}

// TableNamer lets an entity pick its own table name.
type TableNamer interface {
	TableName() string
}

var collectionType = reflect.TypeOf((*CollectionType)(nil)).Elem()

// Registry is the explicit metadata table of one ORM instance.
type Registry struct {
	entities   []*Entity
	byType     map[reflect.Type]*Entity
	byName     map[string]*Entity
	discovered bool
}

func New() *Registry {
	return &Registry{
		byType: map[reflect.Type]*Entity{},
		byName: map[string]*Entity{},
	}
}

func metadataError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMetadata, fmt.Sprintf(format, args...))
}

// Register records entity types. Each value may be a struct, a pointer to a
// struct or a reflect.Type. Registering the same type twice is a no-op.
func (r *Registry) Register(entities ...any) error {
	for _, entity := range entities {
		src := source.NewSource(entity)
		if !src.IsStruct() {
			return metadataError("%T is not a struct", entity)
		}
		if _, ok := r.byType[src.T]; ok {
			continue
		}

		meta, err := parseEntity(src)
		if err != nil {
			return err
		}
		if other, ok := r.byName[strings.ToLower(meta.Name)]; ok {
			return metadataError("entity name %q is used by %s and %s", meta.Name, other.Type, src.T)
		}

		r.entities = append(r.entities, meta)
		r.byType[src.T] = meta
		r.byName[strings.ToLower(meta.Name)] = meta
		r.discovered = false
	}
	return nil
}

// Discover resolves relation targets, inverse sides and sort keys, and
// validates the result. It must run after the last Register call.
func (r *Registry) Discover() error {
	if len(r.entities) == 0 {
		return metadataError("no entities registered")
	}

	for _, meta := range r.entities {
		for _, prop := range meta.Props {
			if prop.Kind == Scalar {
				continue
			}
			target, ok := r.byType[prop.targetType]
			if !ok {
				return metadataError("%s.%s references unregistered type %s", meta.Name, prop.Name, prop.targetType)
			}
			prop.Target = target
		}
	}

	for _, meta := range r.entities {
		for _, prop := range meta.Relations(OneToMany) {
			if err := resolveInverse(meta, prop); err != nil {
				return err
			}
			if err := resolveOrder(prop); err != nil {
				return err
			}
		}
	}

	r.discovered = true
	return nil
}

func resolveInverse(meta *Entity, prop *Property) error {
	candidates := []*Property{}
	for _, p := range prop.Target.Relations(ManyToOne) {
		if p.Target != meta {
			continue
		}
		if prop.MappedBy == "" || strings.EqualFold(p.Name, prop.MappedBy) {
			candidates = append(candidates, p)
		}
	}

	switch len(candidates) {
	case 1:
		prop.Inverse = candidates[0]
		prop.MappedBy = candidates[0].Name
		candidates[0].Inverse = prop
		return nil
	case 0:
		return metadataError("%s.%s: %s has no many_to_one property pointing back at %s", meta.Name, prop.Name, prop.Target.Name, meta.Name)
	default:
		return metadataError("%s.%s: mapped_by is ambiguous, set it explicitly", meta.Name, prop.Name)
	}
}

func resolveOrder(prop *Property) error {
	if len(prop.OrderBy) == 0 {
		prop.OrderBy = []OrderBy{{Property: prop.Target.PK}}
		return nil
	}
	for i, order := range prop.OrderBy {
		key, ok := prop.Target.Prop(order.name)
		if !ok || key.Kind != Scalar {
			return metadataError("%s.%s: cannot order by %q", prop.Owner.Name, prop.Name, order.name)
		}
		if !source.Orderable(key.Type) {
			return metadataError("%s.%s: %s values are not orderable", prop.Owner.Name, prop.Name, key.Type)
		}
		prop.OrderBy[i].Property = key
	}
	return nil
}

// Discovered reports whether Discover succeeded since the last Register.
func (r *Registry) Discovered() bool {
	return r.discovered
}

// Lookup finds the metadata of a struct type. Pointer types are followed.
func (r *Registry) Lookup(t reflect.Type) (*Entity, bool) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	meta, ok := r.byType[t]
	return meta, ok
}

// ByName finds an entity by its Go type name, case insensitive.
func (r *Registry) ByName(name string) (*Entity, bool) {
	meta, ok := r.byName[strings.ToLower(name)]
	return meta, ok
}

// Entities returns all entities in registration order.
func (r *Registry) Entities() []*Entity {
	return append([]*Entity(nil), r.entities...)
}

// Sorted returns all entities so that every many_to_one target comes before
// the entity referencing it. Self references are ignored.
func (r *Registry) Sorted() []*Entity {
	sorted := make([]*Entity, 0, len(r.entities))
	state := map[*Entity]int{}

	var visit func(*Entity)
	visit = func(meta *Entity) {
		if state[meta] != 0 {
			return
		}
		state[meta] = 1
		for _, prop := range meta.Relations(ManyToOne) {
			if prop.Target != nil && prop.Target != meta {
				visit(prop.Target)
			}
		}
		state[meta] = 2
		sorted = append(sorted, meta)
	}

	for _, meta := range r.entities {
		visit(meta)
	}
	return sorted
}
