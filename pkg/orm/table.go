package orm

import (
	"fmt"
	"reflect"

	"github.com/gideon-mc/orm/internal/registry"
	"github.com/gideon-mc/orm/internal/source"
)

// columnValue returns the value of a column as it is handed to the driver.
// Many-to-one properties resolve to the identity of their target.
func columnValue(v reflect.Value, prop *registry.Property) any {
	field := v.FieldByIndex(prop.Index)
	if prop.Kind != registry.ManyToOne {
		return source.Value(field)
	}
	if field.IsNil() {
		return nil
	}
	id, ok := prop.Target.Identity(field.Interface())
	if !ok {
		return nil
	}
	return id
}

func assignColumn(v reflect.Value, prop *registry.Property, value any) error {
	return source.Assign(v.FieldByIndex(prop.Index), value)
}

// takeSnapshot records the current column values of entity.
func takeSnapshot(meta *registry.Entity, entity any) map[string]any {
	v := meta.Value(entity)
	snapshot := make(map[string]any, len(meta.Props))
	for _, prop := range meta.Columns() {
		snapshot[prop.Column] = columnValue(v, prop)
	}
	return snapshot
}

// changedColumns returns the columns whose value differs from the snapshot,
// in declaration order, together with their new values.
func changedColumns(state *entityState) ([]*registry.Property, []any) {
	v := state.meta.Value(state.entity)
	cols := []*registry.Property{}
	values := []any{}
	for _, prop := range state.meta.Columns() {
		if prop.Primary {
			continue
		}
		current := columnValue(v, prop)
		// A target without identity is flushed in the same unit of work.
		unsaved := current == nil && prop.Kind == registry.ManyToOne && !v.FieldByIndex(prop.Index).IsNil()
		if unsaved || !source.Equal(current, state.snapshot[prop.Column]) {
			cols = append(cols, prop)
			values = append(values, current)
		}
	}
	return cols, values
}

// normalizeID converts an identity read from the database into the Go type
// of the identity field, so that it keys the identity map the same way as
// the value held by an entity.
func normalizeID(meta *registry.Entity, raw any) (any, error) {
	id := reflect.New(meta.PK.Type).Elem()
	if err := source.Assign(id, raw); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", meta.Name, meta.PK.Name, err)
	}
	return id.Interface(), nil
}

// hydrate turns one row, selected with the columns of meta in declaration
// order, into a managed entity. A managed entity with the same identity is
// reused; its fields are refreshed unless it holds unflushed changes.
func (em *EntityManager) hydrate(meta *registry.Entity, row []any) (any, error) {
	cols := meta.Columns()
	if len(row) != len(cols) {
		return nil, fmt.Errorf("%s: expected %d columns, got %d", meta.Name, len(cols), len(row))
	}

	values := make(map[*registry.Property]any, len(cols))
	var rawID any
	for i, prop := range cols {
		values[prop] = row[i]
		if prop == meta.PK {
			rawID = row[i]
		}
	}
	if rawID == nil {
		return nil, fmt.Errorf("%s: row has no identity", meta.Name)
	}
	id, err := normalizeID(meta, rawID)
	if err != nil {
		return nil, err
	}

	state, ok := em.lookup(meta, id)
	switch {
	case !ok:
		state = &entityState{meta: meta, entity: meta.New()}
		if err := em.fill(state, values); err != nil {
			return nil, err
		}
		em.register(state)
		em.bindCollections(state, false)
	case state.reference:
		if err := em.fill(state, values); err != nil {
			return nil, err
		}
	case !state.removed && !state.isNew:
		if cols, _ := changedColumns(state); len(cols) == 0 {
			if err := em.fill(state, values); err != nil {
				return nil, err
			}
		}
	}
	return state.entity, nil
}

// fill assigns column values to the entity of state and takes a new
// snapshot. Nothing is assigned when a value cannot be converted.
func (em *EntityManager) fill(state *entityState, values map[*registry.Property]any) error {
	meta := state.meta
	staged := reflect.New(meta.Type).Elem()
	staged.Set(meta.Value(state.entity))

	for prop, value := range values {
		if prop.Kind != registry.ManyToOne {
			if err := assignColumn(staged, prop, value); err != nil {
				return fmt.Errorf("%s.%s: %w", meta.Name, prop.Name, err)
			}
			continue
		}

		field := staged.FieldByIndex(prop.Index)
		if value == nil {
			field.Set(reflect.Zero(field.Type()))
			continue
		}
		id, err := normalizeID(prop.Target, value)
		if err != nil {
			return err
		}
		if current := columnValue(staged, prop); current != nil && fmt.Sprint(current) == fmt.Sprint(id) {
			continue
		}
		target, err := em.reference(prop.Target, id)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(target))
	}

	meta.Value(state.entity).Set(staged)
	state.snapshot = takeSnapshot(meta, state.entity)
	state.reference = false
	return nil
}
