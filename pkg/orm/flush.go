package orm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	internal "github.com/gideon-mc/orm/internal/orm"
	"github.com/gideon-mc/orm/internal/registry"
)

type update struct {
	state *entityState
	cols  []*registry.Property
}

type deletion struct {
	meta   *registry.Entity
	states []*entityState
}

// plan is the work of one flush, in execution order.
type plan struct {
	inserts []*entityState
	updates []update
	deletes []deletion
}

func (p *plan) empty() bool {
	return len(p.inserts) == 0 && len(p.updates) == 0 && len(p.deletes) == 0
}

// plan computes the pending changes. New entities reachable from managed
// ones are persisted on the way, removals are cascaded through orphan
// removal collections.
func (em *EntityManager) plan() (*plan, error) {
	em.cascadePersist()
	em.cascadeRemove()

	p := &plan{}
	sorted := em.orm.registry.Sorted()
	for _, meta := range sorted {
		for _, state := range em.order {
			if state.meta == meta && state.isNew && !state.removed {
				p.inserts = append(p.inserts, state)
			}
		}
	}

	for _, state := range em.order {
		if state.isNew || state.reference || state.removed {
			continue
		}
		if cols, _ := changedColumns(state); len(cols) > 0 {
			p.updates = append(p.updates, update{state: state, cols: cols})
		}
	}

	for _, meta := range slices.Backward(sorted) {
		group := deletion{meta: meta}
		for _, state := range em.order {
			if state.meta == meta && state.removed && !state.isNew {
				group.states = append(group.states, state)
			}
		}
		if len(group.states) > 0 {
			p.deletes = append(p.deletes, group)
		}
	}
	return p, nil
}

// cascadePersist manages every entity reachable from a managed one through
// a many_to_one property or a loaded collection.
func (em *EntityManager) cascadePersist() {
	queue := slices.Clone(em.order)
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		if state.removed || state.reference {
			continue
		}
		v := state.meta.Value(state.entity)

		reached := []any{}
		for _, prop := range state.meta.Relations(registry.ManyToOne) {
			if field := v.FieldByIndex(prop.Index); !field.IsNil() {
				reached = append(reached, field.Interface())
			}
		}
		for _, prop := range state.meta.Relations(registry.OneToMany) {
			if c := collectionOf(state.entity, prop); c.isInitialized() {
				reached = append(reached, c.elements()...)
			}
		}

		for _, entity := range reached {
			if _, ok := em.states[entity]; ok {
				continue
			}
			meta, err := em.meta(entity)
			if err != nil {
				continue
			}
			// A generated identity means the entity was loaded elsewhere.
			if _, ok := meta.Identity(entity); ok && meta.PK.AutoIncrement {
				if next, err := em.adopt(meta, entity); err == nil {
					queue = append(queue, next)
				}
				continue
			}
			queue = append(queue, em.persist(meta, entity))
		}
	}
}

// pending walks the working set the way plan does, without persisting or
// removing anything on the way.
func (em *EntityManager) pending() bool {
	for _, state := range em.order {
		if state.isNew != state.removed {
			return true
		}
		if !state.isNew && !state.reference {
			if cols, _ := changedColumns(state); len(cols) > 0 {
				return true
			}
		}
	}

	visited := map[any]bool{}
	queue := []any{}
	for _, state := range em.order {
		visited[state.entity] = true
		queue = append(queue, state.entity)
	}
	for len(queue) > 0 {
		entity := queue[0]
		queue = queue[1:]
		meta, err := em.meta(entity)
		if err != nil {
			continue
		}
		state, managed := em.states[entity]
		if managed && (state.removed || state.reference) {
			continue
		}
		if !managed {
			// Adopted entities are snapshotted as they are, so only what
			// they reach can be a change.
			if _, ok := meta.Identity(entity); !ok || !meta.PK.AutoIncrement {
				return true
			}
		}

		v := meta.Value(entity)
		reached := []any{}
		for _, prop := range meta.Relations(registry.ManyToOne) {
			if field := v.FieldByIndex(prop.Index); !field.IsNil() {
				reached = append(reached, field.Interface())
			}
		}
		for _, prop := range meta.Relations(registry.OneToMany) {
			c := collectionOf(entity, prop)
			if !c.isInitialized() {
				continue
			}
			if managed && prop.OrphanRemoval {
				for _, orphan := range c.orphans() {
					if child, ok := em.states[orphan]; ok && !child.removed && !child.isNew {
						return true
					}
				}
			}
			reached = append(reached, c.elements()...)
		}
		for _, next := range reached {
			if visited[next] {
				continue
			}
			visited[next] = true
			if _, ok := em.states[next]; ok {
				continue
			}
			nextMeta, err := em.meta(next)
			if err != nil {
				continue
			}
			if id, ok := nextMeta.Identity(next); ok {
				if _, twin := em.lookup(nextMeta, id); twin {
					continue
				}
			}
			queue = append(queue, next)
		}
	}
	return false
}

// cascadeRemove removes the elements dropped from orphan removal
// collections, and the elements of removed owners.
func (em *EntityManager) cascadeRemove() {
	for changed := true; changed; {
		changed = false
		for _, state := range slices.Clone(em.order) {
			for _, prop := range state.meta.Relations(registry.OneToMany) {
				if !prop.OrphanRemoval {
					continue
				}
				c := collectionOf(state.entity, prop)
				if !c.isInitialized() {
					continue
				}
				doomed := c.orphans()
				if state.removed {
					doomed = append(doomed, c.elements()...)
				}
				for _, entity := range doomed {
					child, ok := em.states[entity]
					if !ok || child.removed {
						continue
					}
					if child.isNew {
						em.detach(child)
						continue
					}
					child.removed = true
					changed = true
				}
			}
		}
	}
}

// Flush writes every pending insert, update and delete in one
// transaction. On failure nothing is written, identities generated by the
// failed transaction are reset and the entities stay pending.
func (em *EntityManager) Flush(ctx context.Context) (err error) {
	p, err := em.plan()
	if err != nil {
		return err
	}
	if p.empty() {
		return nil
	}

	ctx, done, err := em.orm.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	ctx, span := em.orm.startSpan(ctx, "orm.flush",
		attribute.Int("orm.inserts", len(p.inserts)),
		attribute.Int("orm.updates", len(p.updates)),
		attribute.Int("orm.deletes", len(p.deletes)))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	assigned, err := em.execute(ctx, p)
	if err != nil {
		for _, state := range assigned {
			field := state.meta.Value(state.entity).FieldByIndex(state.meta.PK.Index)
			field.Set(reflect.Zero(field.Type()))
		}
		return err
	}

	em.commit(p)
	em.debug.Log(internal.NamespaceInfo, "flushed the unit of work",
		"inserts", len(p.inserts), "updates", len(p.updates), "deletes", len(p.deletes),
		"took", time.Since(start))
	return nil
}

// execute runs the plan in a transaction and returns the entities that
// were given a generated identity.
func (em *EntityManager) execute(ctx context.Context, p *plan) (assigned []*entityState, err error) {
	o := em.orm
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(o.dialect, err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				em.debug.Error("failed to roll back", "err", rerr)
			}
		}
	}()

	for _, state := range p.inserts {
		generated, err := em.insert(ctx, tx, state)
		if generated {
			assigned = append(assigned, state)
		}
		if err != nil {
			return assigned, err
		}
	}

	for _, u := range p.updates {
		v := u.state.meta.Value(u.state.entity)
		values := make([]any, len(u.cols))
		for i, prop := range u.cols {
			if values[i], err = referencedValue(v, prop); err != nil {
				return assigned, err
			}
		}
		id, _ := u.state.meta.Identity(u.state.entity)
		query, args := updateQuery(o.dialect, u.state.meta, u.cols, values, id)
		if _, err := o.exec(ctx, tx, em.debug, query, args...); err != nil {
			return assigned, err
		}
	}

	for _, group := range p.deletes {
		ids := make([]any, 0, len(group.states))
		for _, state := range group.states {
			id, _ := group.meta.Identity(state.entity)
			ids = append(ids, id)
		}
		query, args := deleteQuery(o.dialect, group.meta, ids)
		if _, err := o.exec(ctx, tx, em.debug, query, args...); err != nil {
			return assigned, err
		}
	}

	if err := tx.Commit(); err != nil {
		return assigned, mapError(o.dialect, err)
	}
	return assigned, nil
}

// insert writes one new entity. generated reports whether an identity was
// assigned to it, even when a later step failed.
func (em *EntityManager) insert(ctx context.Context, tx *sql.Tx, state *entityState) (generated bool, err error) {
	o := em.orm
	meta := state.meta
	v := meta.Value(state.entity)

	_, hasID := meta.Identity(state.entity)
	if !hasID && !meta.PK.AutoIncrement {
		return false, fmt.Errorf("%s.%s must be set before flushing", meta.Name, meta.PK.Name)
	}

	cols := []*registry.Property{}
	values := []any{}
	for _, prop := range meta.Columns() {
		if prop.Primary && !hasID {
			continue
		}
		value, err := referencedValue(v, prop)
		if err != nil {
			return false, err
		}
		cols = append(cols, prop)
		values = append(values, value)
	}

	returning := !hasID && o.dialect.Returning()
	query, args := insertQuery(o.dialect, meta, cols, values, returning)
	if returning {
		set, err := o.query(ctx, tx, em.debug, query, args...)
		if err != nil {
			return false, err
		}
		if len(set.rows) != 1 {
			return false, fmt.Errorf("insert into %s returned %d rows", meta.Table, len(set.rows))
		}
		return true, em.assignID(v, meta, set.rows[0][0])
	}

	res, err := o.exec(ctx, tx, em.debug, query, args...)
	if err != nil || hasID {
		return false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to read the identity of %s: %w", meta.Name, err)
	}
	return true, em.assignID(v, meta, id)
}

func (em *EntityManager) assignID(v reflect.Value, meta *registry.Entity, id any) error {
	if err := assignColumn(v, meta.PK, id); err != nil {
		return fmt.Errorf("%s.%s: %w", meta.Name, meta.PK.Name, err)
	}
	return nil
}

// referencedValue is columnValue failing for many_to_one targets that have
// no identity yet.
func referencedValue(v reflect.Value, prop *registry.Property) (any, error) {
	value := columnValue(v, prop)
	if prop.Kind == registry.ManyToOne && value == nil && !v.FieldByIndex(prop.Index).IsNil() {
		return nil, fmt.Errorf("%s.%s references a %s without identity", prop.Owner.Name, prop.Name, prop.Target.Name)
	}
	return value, nil
}

// commit records the flushed state: new snapshots, registered identities
// and detached deletions.
func (em *EntityManager) commit(p *plan) {
	for _, state := range p.inserts {
		state.isNew = false
		state.snapshot = takeSnapshot(state.meta, state.entity)
		em.register(state)
	}
	for _, u := range p.updates {
		u.state.snapshot = takeSnapshot(u.state.meta, u.state.entity)
	}
	for _, group := range p.deletes {
		for _, state := range group.states {
			em.forget(state)
			em.detach(state)
		}
	}
	for _, state := range em.order {
		for _, prop := range state.meta.Relations(registry.OneToMany) {
			collectionOf(state.entity, prop).clean()
		}
	}
}

// forget drops a deleted entity from the loaded collections it belongs to.
func (em *EntityManager) forget(state *entityState) {
	v := state.meta.Value(state.entity)
	for _, prop := range state.meta.Relations(registry.ManyToOne) {
		field := v.FieldByIndex(prop.Index)
		if field.IsNil() || prop.Inverse == nil {
			continue
		}
		if c := collectionOf(field.Interface(), prop.Inverse); c.isInitialized() {
			c.forget(state.entity)
		}
	}
}
