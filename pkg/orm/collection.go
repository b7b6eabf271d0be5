package orm

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/gideon-mc/orm/internal/registry"
	"github.com/gideon-mc/orm/internal/source"
)

// A collection of entities on the many side of a one-to-many relation.
// Use this instead of []*T because it knows whether it was loaded, how it
// is ordered and how to fetch its rows again.
//
// The zero value is uninitialized: reading it fails with ErrNotInitialized
// until it is loaded, either with its owner (eager relations) or through
// LoadItems. Collections of entities created in memory start initialized
// and empty once the entity is persisted.
//
// Example:
//
//	type Author struct {
//	    ID    int64
//	    Books orm.Collection[Book] `orm:"one_to_many,mapped_by:Author,order_by:year"`
//	}
type Collection[T any] struct {
	owner       any
	prop        *registry.Property
	items       []*T
	removed     []*T
	initialized bool
	dirty       bool
}

// relatedCollection is the type-erased view the entity manager works with.
type relatedCollection interface {
	registry.CollectionType
	bind(owner any, prop *registry.Property)
	hydrate(items []any)
	push(item any) error
	markInitialized()
	isInitialized() bool
	IsDirty() bool
	elements() []any
	orphans() []any
	forget(item any)
	clean()
}

var _ relatedCollection = (*Collection[struct{}])(nil)

// NewCollection returns a loaded collection holding items, for entities
// built in memory. The items are attached to the owner when it is
// persisted.
func NewCollection[T any](items ...*T) Collection[T] {
	return Collection[T]{items: slices.Clone(items), initialized: true, dirty: len(items) > 0}
}

// ElementType returns the struct type of the elements.
func (c *Collection[T]) ElementType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (c *Collection[T]) bind(owner any, prop *registry.Property) {
	c.owner = owner
	c.prop = prop
	for _, item := range c.items {
		if c.inverseOf(item).IsNil() {
			c.setInverse(item, owner)
		}
	}
}

// hydrate replaces the contents with items, sorted by the relation's order
// keys. The previous contents are dropped.
func (c *Collection[T]) hydrate(items []any) {
	typed := make([]*T, len(items))
	for i, item := range items {
		typed[i] = item.(*T)
	}
	if c.prop != nil {
		sortItems(typed, c.prop.OrderBy)
	}
	c.items = typed
	c.removed = nil
	c.initialized = true
	c.dirty = false
}

func (c *Collection[T]) push(item any) error {
	typed, ok := item.(*T)
	if !ok {
		return fmt.Errorf("%T is not a %s", item, c.ElementType())
	}
	return c.Add(typed)
}

func (c *Collection[T]) markInitialized() {
	c.initialized = true
}

func (c *Collection[T]) isInitialized() bool {
	return c.initialized
}

func (c *Collection[T]) elements() []any {
	items := make([]any, len(c.items))
	for i, item := range c.items {
		items[i] = item
	}
	return items
}

func (c *Collection[T]) orphans() []any {
	items := make([]any, 0, len(c.removed))
	for _, item := range c.removed {
		if !slices.Contains(c.items, item) {
			items = append(items, item)
		}
	}
	return items
}

func (c *Collection[T]) forget(item any) {
	typed, ok := item.(*T)
	if !ok {
		return
	}
	c.items = slices.DeleteFunc(c.items, func(e *T) bool { return e == typed })
}

func (c *Collection[T]) clean() {
	c.removed = nil
	c.dirty = false
}

func (c *Collection[T]) notInitialized() error {
	if c.prop == nil {
		return &NotInitializedError{}
	}
	return &NotInitializedError{Entity: c.prop.Owner.Name, Property: c.prop.Name}
}

// IsInitialized reports whether the collection holds loaded contents.
func (c *Collection[T]) IsInitialized() bool {
	return c.initialized
}

// IsDirty reports whether elements were added or removed since the
// collection was loaded or flushed.
func (c *Collection[T]) IsDirty() bool {
	return c.dirty
}

// Len returns the number of elements.
func (c *Collection[T]) Len() (int, error) {
	if !c.initialized {
		return 0, c.notInitialized()
	}
	return len(c.items), nil
}

// ToArray returns a snapshot of the elements in order. Changing the
// returned slice does not change the collection.
func (c *Collection[T]) ToArray() ([]*T, error) {
	if !c.initialized {
		return nil, c.notInitialized()
	}
	return slices.Clone(c.items), nil
}

// Find returns the first element satisfying pred, or nil. It never
// reloads.
func (c *Collection[T]) Find(pred func(*T) bool) (*T, error) {
	if !c.initialized {
		return nil, c.notInitialized()
	}
	for _, item := range c.items {
		if pred(item) {
			return item, nil
		}
	}
	return nil, nil
}

// Filter returns all elements satisfying pred, in order.
func (c *Collection[T]) Filter(pred func(*T) bool) ([]*T, error) {
	if !c.initialized {
		return nil, c.notInitialized()
	}
	matched := []*T{}
	for _, item := range c.items {
		if pred(item) {
			matched = append(matched, item)
		}
	}
	return matched, nil
}

// IndexOf returns the position of item, or -1.
func (c *Collection[T]) IndexOf(item *T) (int, error) {
	if !c.initialized {
		return -1, c.notInitialized()
	}
	return slices.Index(c.items, item), nil
}

// Contains reports whether item is an element.
func (c *Collection[T]) Contains(item *T) (bool, error) {
	i, err := c.IndexOf(item)
	return i >= 0, err
}

// Identifiers returns the identities of the elements, in order. Elements
// that were not flushed yet have none and are skipped.
func (c *Collection[T]) Identifiers() ([]any, error) {
	if !c.initialized {
		return nil, c.notInitialized()
	}
	if c.prop == nil {
		return nil, ErrUnbound
	}
	ids := []any{}
	for _, item := range c.items {
		if id, ok := c.prop.Target.Identity(item); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Add appends items and points their inverse many_to_one property at the
// owner. Items already present are skipped.
func (c *Collection[T]) Add(items ...*T) error {
	if !c.initialized {
		return c.notInitialized()
	}
	for _, item := range items {
		if item == nil || slices.Contains(c.items, item) {
			continue
		}
		c.items = append(c.items, item)
		c.setInverse(item, c.owner)
		c.dirty = true
	}
	return nil
}

// Remove drops items and clears their inverse many_to_one property. With
// orphan_removal the items are deleted on the next flush.
func (c *Collection[T]) Remove(items ...*T) error {
	if !c.initialized {
		return c.notInitialized()
	}
	for _, item := range items {
		i := slices.Index(c.items, item)
		if i < 0 {
			continue
		}
		c.items = slices.Delete(c.items, i, i+1)
		c.removed = append(c.removed, item)
		c.setInverse(item, nil)
		c.dirty = true
	}
	return nil
}

// RemoveAll drops every element, see Remove.
func (c *Collection[T]) RemoveAll() error {
	if !c.initialized {
		return c.notInitialized()
	}
	return c.Remove(slices.Clone(c.items)...)
}

func (c *Collection[T]) inverseOf(item *T) reflect.Value {
	if c.prop == nil || c.prop.Inverse == nil {
		return reflect.ValueOf((*T)(nil))
	}
	return reflect.ValueOf(item).Elem().FieldByIndex(c.prop.Inverse.Index)
}

func (c *Collection[T]) setInverse(item *T, owner any) {
	if c.prop == nil || c.prop.Inverse == nil {
		return
	}
	field := c.inverseOf(item)
	if owner == nil {
		field.Set(reflect.Zero(field.Type()))
		return
	}
	field.Set(reflect.ValueOf(owner))
}

// LoadItems fetches the elements from the database through em, sorts them
// and replaces the contents. It is safe to call after the elements were
// changed elsewhere. On failure the collection keeps its previous state.
func (c *Collection[T]) LoadItems(ctx context.Context, em *EntityManager) ([]*T, error) {
	if c.prop == nil {
		return nil, ErrUnbound
	}
	items, err := em.loadCollection(ctx, c.owner, c.prop)
	if err != nil {
		return nil, err
	}
	c.hydrate(items)
	return slices.Clone(c.items), nil
}

// Init loads the collection unless it is already initialized.
func (c *Collection[T]) Init(ctx context.Context, em *EntityManager) error {
	if c.initialized {
		return nil
	}
	_, err := c.LoadItems(ctx, em)
	return err
}

// LoadCount counts the elements stored in the database, ignoring
// in-memory changes that were not flushed.
func (c *Collection[T]) LoadCount(ctx context.Context, em *EntityManager) (int, error) {
	if c.prop == nil {
		return 0, ErrUnbound
	}
	return em.countCollection(ctx, c.owner, c.prop)
}

func (c *Collection[T]) String() string {
	if c.prop == nil {
		return "Collection<unbound>"
	}
	if !c.initialized {
		return fmt.Sprintf("Collection<%s>(uninitialized)", c.prop.Target.Name)
	}
	return fmt.Sprintf("Collection<%s>(%d)", c.prop.Target.Name, len(c.items))
}

// sortItems orders items by keys. The sort is stable, so elements with
// equal keys keep their fetch order.
func sortItems[T any](items []*T, keys []registry.OrderBy) {
	if len(keys) == 0 {
		return
	}
	slices.SortStableFunc(items, func(a, b *T) int {
		va, vb := reflect.ValueOf(a).Elem(), reflect.ValueOf(b).Elem()
		for _, key := range keys {
			n := source.Compare(va.FieldByIndex(key.Property.Index), vb.FieldByIndex(key.Property.Index))
			if key.Desc {
				n = -n
			}
			if n != 0 {
				return n
			}
		}
		return 0
	})
}
