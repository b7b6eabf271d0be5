package orm

import (
	"context"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gideon-mc/orm/internal/registry"
	"github.com/gideon-mc/orm/internal/source"
)

type orderOption struct {
	name  string
	order Order
}

type findOptions struct {
	orders   []orderOption
	order    []orderTerm
	limit    int
	offset   int
	populate []string
	noEager  bool
}

// FindOption tunes Find and its variants.
type FindOption func(*findOptions)

// OrderBy sorts the results by a property. Repeat it for more keys. Without
// it results come in identity order.
func OrderBy(property string, order Order) FindOption {
	return func(o *findOptions) {
		o.orders = append(o.orders, orderOption{name: property, order: order})
	}
}

// Limit caps the number of results.
func Limit(n int) FindOption {
	return func(o *findOptions) { o.limit = n }
}

// Offset skips the first n results.
func Offset(n int) FindOption {
	return func(o *findOptions) { o.offset = n }
}

// Populate loads the named relations of the results, lazy or not.
// Many-to-one relations have their target rows loaded, one-to-many
// relations have their collections initialized.
func Populate(properties ...string) FindOption {
	return func(o *findOptions) { o.populate = append(o.populate, properties...) }
}

// WithoutEager leaves eager collections uninitialized.
func WithoutEager() FindOption {
	return func(o *findOptions) { o.noEager = true }
}

func buildOptions(meta *registry.Entity, opts []FindOption) (*findOptions, error) {
	o := &findOptions{}
	for _, opt := range opts {
		opt(o)
	}
	hasPK := false
	for _, order := range o.orders {
		prop, ok := meta.Prop(order.name)
		if !ok || !prop.HasColumn() {
			return nil, fmt.Errorf("%s cannot be ordered by %q", meta.Name, order.name)
		}
		hasPK = hasPK || prop == meta.PK
		o.order = append(o.order, orderTerm{prop: prop, desc: order.order == Desc})
	}
	if !hasPK {
		o.order = append(o.order, orderTerm{prop: meta.PK})
	}
	return o, nil
}

// Find returns every T matching filter.
func Find[T any](ctx context.Context, em *EntityManager, filter Filter, opts ...FindOption) ([]*T, error) {
	meta, err := em.metaOf(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	entities, err := em.find(ctx, meta, filter, opts)
	if err != nil {
		return nil, err
	}
	typed := make([]*T, len(entities))
	for i, entity := range entities {
		typed[i] = entity.(*T)
	}
	return typed, nil
}

// FindOne returns the first T matching filter, or nil when there is none.
func FindOne[T any](ctx context.Context, em *EntityManager, filter Filter, opts ...FindOption) (*T, error) {
	found, err := Find[T](ctx, em, filter, append(opts, Limit(1))...)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// FindOneOrFail is FindOne failing with a NotFoundError when nothing
// matches.
//
// Example:
//
//	author, err := orm.FindOneOrFail[library.Author](ctx, em, orm.Filter{"name": "Jon Snow"})
//	if errors.Is(err, orm.ErrNotFound) {
//	    ...
//	}
func FindOneOrFail[T any](ctx context.Context, em *EntityManager, filter Filter, opts ...FindOption) (*T, error) {
	found, err := FindOne[T](ctx, em, filter, opts...)
	if err != nil {
		return nil, err
	}
	if found == nil {
		meta, _ := em.metaOf(reflect.TypeOf((*T)(nil)).Elem())
		return nil, &NotFoundError{Entity: meta.Name, Filter: filter}
	}
	return found, nil
}

// Count returns the number of stored T matching filter.
func Count[T any](ctx context.Context, em *EntityManager, filter Filter) (int, error) {
	meta, err := em.metaOf(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return 0, err
	}
	return em.count(ctx, meta, filter)
}

func (em *EntityManager) find(ctx context.Context, meta *registry.Entity, filter Filter, opts []FindOption) (_ []any, err error) {
	o, err := buildOptions(meta, opts)
	if err != nil {
		return nil, err
	}
	query, args, err := selectQuery(em.orm.dialect, meta, filter, o)
	if err != nil {
		return nil, err
	}

	ctx, done, err := em.orm.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	ctx, span := em.orm.startSpan(ctx, "orm.find", attribute.String("orm.entity", meta.Name))
	defer func() { endSpan(span, err) }()

	set, err := em.orm.query(ctx, em.orm.db, em.debug, query, args...)
	if err != nil {
		return nil, err
	}
	entities, err := em.hydrateAll(meta, set)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("orm.results", len(entities)))

	if err := em.populate(ctx, meta, entities, o, map[*registry.Property]bool{}); err != nil {
		return nil, err
	}
	return entities, nil
}

func (em *EntityManager) count(ctx context.Context, meta *registry.Entity, filter Filter) (int, error) {
	query, args, err := countQuery(em.orm.dialect, meta, filter)
	if err != nil {
		return 0, err
	}
	ctx, done, err := em.orm.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer done()

	set, err := em.orm.query(ctx, em.orm.db, em.debug, query, args...)
	if err != nil {
		return 0, err
	}
	if len(set.rows) != 1 {
		return 0, fmt.Errorf("count of %s returned %d rows", meta.Name, len(set.rows))
	}
	var n int64
	if err := source.Assign(reflect.ValueOf(&n).Elem(), set.rows[0][0]); err != nil {
		return 0, fmt.Errorf("count of %s: %w", meta.Name, err)
	}
	return int(n), nil
}

func (em *EntityManager) hydrateAll(meta *registry.Entity, set *rowSet) ([]any, error) {
	entities := make([]any, 0, len(set.rows))
	for _, row := range set.rows {
		entity, err := em.hydrate(meta, row)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// populate loads the eager and the requested relations of entities. Each
// relation is loaded with one query for all owners. seen stops recursion
// through relations already being loaded.
func (em *EntityManager) populate(ctx context.Context, meta *registry.Entity, entities []any, o *findOptions, seen map[*registry.Property]bool) error {
	if len(entities) == 0 {
		return nil
	}
	requested := map[*registry.Property]bool{}
	for _, name := range o.populate {
		prop, ok := meta.Prop(name)
		if !ok || prop.Kind == registry.Scalar {
			return fmt.Errorf("%s has no relation %q", meta.Name, name)
		}
		requested[prop] = true
	}

	for _, prop := range meta.Props {
		if seen[prop] {
			continue
		}
		switch {
		case prop.Kind == registry.OneToMany && (requested[prop] || (prop.Eager && !o.noEager)):
			seen[prop] = true
			children, err := em.loadCollections(ctx, prop, entities)
			if err != nil {
				return err
			}
			// Eager relations of the children are followed, requested ones
			// only apply to the first level.
			next := &findOptions{noEager: o.noEager}
			if err := em.populate(ctx, prop.Target, children, next, seen); err != nil {
				return err
			}
			delete(seen, prop)
		case prop.Kind == registry.ManyToOne && requested[prop]:
			if err := em.loadReferences(ctx, prop, entities); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadCollections initializes the collection prop of every owner with a
// single select-in query. It returns all loaded children.
func (em *EntityManager) loadCollections(ctx context.Context, prop *registry.Property, owners []any) ([]any, error) {
	ids := []any{}
	byID := map[string]any{}
	for _, owner := range owners {
		if id, ok := prop.Owner.Identity(owner); ok {
			ids = append(ids, id)
			byID[fmt.Sprint(id)] = owner
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	children, err := em.selectChildren(ctx, prop, ids)
	if err != nil {
		return nil, err
	}

	grouped := map[any][]any{}
	for _, child := range children {
		parent := reflect.ValueOf(child).Elem().FieldByIndex(prop.Inverse.Index)
		if parent.IsNil() {
			continue
		}
		grouped[parent.Interface()] = append(grouped[parent.Interface()], child)
	}
	for _, owner := range byID {
		c := collectionOf(owner, prop)
		c.bind(owner, prop)
		if c.isInitialized() && c.IsDirty() {
			continue
		}
		c.hydrate(grouped[owner])
	}
	return children, nil
}

// selectChildren fetches the targets of a one-to-many relation whose
// inverse column is one of ids, in the relation's order with the identity
// as tie-break.
func (em *EntityManager) selectChildren(ctx context.Context, prop *registry.Property, ids []any) (_ []any, err error) {
	if prop.Inverse == nil {
		return nil, fmt.Errorf("%s.%s has no inverse many_to_one property", prop.Owner.Name, prop.Name)
	}
	target := prop.Target
	o := &findOptions{}
	hasPK := false
	for _, key := range prop.OrderBy {
		o.order = append(o.order, orderTerm{prop: key.Property, desc: key.Desc})
		hasPK = hasPK || key.Property == target.PK
	}
	if !hasPK {
		o.order = append(o.order, orderTerm{prop: target.PK})
	}

	query, args, err := selectQuery(em.orm.dialect, target, Filter{prop.Inverse.Name: ids}, o)
	if err != nil {
		return nil, err
	}

	ctx, done, err := em.orm.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	ctx, span := em.orm.startSpan(ctx, "orm.collection.load",
		attribute.String("orm.entity", prop.Owner.Name),
		attribute.String("orm.property", prop.Name),
		attribute.Int("orm.owners", len(ids)))
	defer func() { endSpan(span, err) }()

	set, err := em.orm.query(ctx, em.orm.db, em.debug, query, args...)
	if err != nil {
		return nil, err
	}
	return em.hydrateAll(target, set)
}

// loadReferences fills the identity-only targets of a many-to-one relation.
func (em *EntityManager) loadReferences(ctx context.Context, prop *registry.Property, entities []any) error {
	ids := []any{}
	seen := map[string]bool{}
	for _, entity := range entities {
		field := reflect.ValueOf(entity).Elem().FieldByIndex(prop.Index)
		if field.IsNil() {
			continue
		}
		state, ok := em.states[field.Interface()]
		if !ok || !state.reference {
			continue
		}
		id, _ := prop.Target.Identity(state.entity)
		if key := fmt.Sprint(id); !seen[key] {
			seen[key] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := em.find(ctx, prop.Target, Filter{prop.Target.PK.Name: ids}, nil)
	return err
}

// loadCollection fetches the elements of one collection, adopting the owner
// into em when it is managed elsewhere. An owner whose identity em already
// manages through another instance is rejected.
func (em *EntityManager) loadCollection(ctx context.Context, owner any, prop *registry.Property) ([]any, error) {
	state, err := em.adopt(prop.Owner, owner)
	if err != nil {
		return nil, err
	}
	if state.isNew {
		return nil, fmt.Errorf("%s.%s: owner was not flushed yet", prop.Owner.Name, prop.Name)
	}
	id, _ := prop.Owner.Identity(state.entity)
	children, err := em.selectChildren(ctx, prop, []any{id})
	if err != nil {
		return nil, err
	}
	// Rows whose element was moved to another owner in memory are left out.
	items := make([]any, 0, len(children))
	for _, child := range children {
		parent := reflect.ValueOf(child).Elem().FieldByIndex(prop.Inverse.Index)
		if parent.IsNil() || parent.Interface() != owner {
			continue
		}
		items = append(items, child)
	}
	return items, nil
}

func (em *EntityManager) countCollection(ctx context.Context, owner any, prop *registry.Property) (int, error) {
	if prop.Inverse == nil {
		return 0, fmt.Errorf("%s.%s has no inverse many_to_one property", prop.Owner.Name, prop.Name)
	}
	id, ok := prop.Owner.Identity(owner)
	if !ok {
		return 0, fmt.Errorf("%s.%s: owner was not flushed yet", prop.Owner.Name, prop.Name)
	}
	return em.count(ctx, prop.Target, Filter{prop.Inverse.Name: id})
}
