package orm

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	internal "github.com/gideon-mc/orm/internal/orm"
	"github.com/gideon-mc/orm/internal/registry"
)

// entityState is what the manager knows about one managed entity.
type entityState struct {
	meta   *registry.Entity
	entity any
	// snapshot holds the column values last read from or written to the
	// database, keyed by column.
	snapshot map[string]any
	isNew    bool
	// reference marks a stub that only knows its identity.
	reference bool
	removed   bool
}

type identityKey struct {
	entity string
	id     string
}

func keyOf(meta *registry.Entity, id any) identityKey {
	return identityKey{entity: meta.Name, id: fmt.Sprint(id)}
}

// EntityManager is a unit of work: it tracks the entities it loaded or was
// given, and writes their changes on Flush. Entities are unique per
// identity within one manager.
//
// An EntityManager is not safe for concurrent use. Fork one per request or
// goroutine.
type EntityManager struct {
	orm   *ORM
	id    uuid.UUID
	debug *internal.Debugger

	states     map[any]*entityState
	identities map[identityKey]*entityState
	// order keeps persist order so that flushes are deterministic.
	order []*entityState
}

func newEntityManager(o *ORM) *EntityManager {
	id := uuid.New()
	return &EntityManager{
		orm:        o,
		id:         id,
		debug:      o.debug.With("em", id.String()),
		states:     map[any]*entityState{},
		identities: map[identityKey]*entityState{},
	}
}

// ID identifies the manager in logs.
func (em *EntityManager) ID() uuid.UUID {
	return em.id
}

// ORM returns the handle the manager was forked from.
func (em *EntityManager) ORM() *ORM {
	return em.orm
}

// Fork returns a new, empty manager on the same ORM.
func (em *EntityManager) Fork() *EntityManager {
	return newEntityManager(em.orm)
}

func (em *EntityManager) meta(entity any) (*registry.Entity, error) {
	t := reflect.TypeOf(entity)
	if t == nil || t.Kind() != reflect.Pointer || reflect.ValueOf(entity).IsNil() {
		return nil, fmt.Errorf("%w: expected a non-nil entity pointer, got %T", ErrUnknownEntity, entity)
	}
	meta, ok := em.orm.registry.Lookup(t.Elem())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, t.Elem())
	}
	return meta, nil
}

func (em *EntityManager) metaOf(t reflect.Type) (*registry.Entity, error) {
	meta, ok := em.orm.registry.Lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, t)
	}
	return meta, nil
}

// Persist marks entities for insertion on the next flush. Already managed
// entities are left as they are; removed ones are kept again.
func (em *EntityManager) Persist(entities ...any) error {
	for _, entity := range entities {
		meta, err := em.meta(entity)
		if err != nil {
			return err
		}
		em.persist(meta, entity)
	}
	return nil
}

func (em *EntityManager) persist(meta *registry.Entity, entity any) *entityState {
	if state, ok := em.states[entity]; ok {
		state.removed = false
		return state
	}
	state := &entityState{meta: meta, entity: entity, isNew: true}
	em.states[entity] = state
	em.order = append(em.order, state)
	em.bindCollections(state, true)
	return state
}

// Remove marks managed entities for deletion on the next flush. Entities
// that were never flushed are simply detached.
func (em *EntityManager) Remove(entities ...any) error {
	for _, entity := range entities {
		if _, err := em.meta(entity); err != nil {
			return err
		}
		state, ok := em.states[entity]
		if !ok {
			return fmt.Errorf("cannot remove %T: entity is not managed", entity)
		}
		if state.isNew {
			em.detach(state)
			continue
		}
		state.removed = true
	}
	return nil
}

// Clear detaches every entity. The database is not touched and pending
// changes are lost.
func (em *EntityManager) Clear() {
	em.states = map[any]*entityState{}
	em.identities = map[identityKey]*entityState{}
	em.order = nil
	em.debug.Log(internal.NamespaceInfo, "cleared the identity map")
}

// IsManaged reports whether entity belongs to the manager's working set.
func (em *EntityManager) IsManaged(entity any) bool {
	state, ok := em.states[entity]
	return ok && !state.removed
}

// HasChanges reports whether Flush would write anything. Unlike Flush it
// leaves the working set untouched.
func (em *EntityManager) HasChanges() bool {
	return em.pending()
}

func (em *EntityManager) detach(state *entityState) {
	delete(em.states, state.entity)
	if id, ok := state.meta.Identity(state.entity); ok {
		key := keyOf(state.meta, id)
		if em.identities[key] == state {
			delete(em.identities, key)
		}
	}
	for i, s := range em.order {
		if s == state {
			em.order = append(em.order[:i], em.order[i+1:]...)
			break
		}
	}
}

// register adds a flushed or loaded entity to the identity map.
func (em *EntityManager) register(state *entityState) {
	if _, ok := em.states[state.entity]; !ok {
		em.states[state.entity] = state
		em.order = append(em.order, state)
	}
	if id, ok := state.meta.Identity(state.entity); ok {
		em.identities[keyOf(state.meta, id)] = state
	}
}

func (em *EntityManager) lookup(meta *registry.Entity, id any) (*entityState, bool) {
	state, ok := em.identities[keyOf(meta, id)]
	return state, ok
}

// adopt makes an entity that was loaded elsewhere managed by em. It fails
// when em already holds another instance with the same identity.
func (em *EntityManager) adopt(meta *registry.Entity, entity any) (*entityState, error) {
	if state, ok := em.states[entity]; ok {
		return state, nil
	}
	id, ok := meta.Identity(entity)
	if !ok {
		return nil, fmt.Errorf("%s has no identity: persist and flush it first", meta.Name)
	}
	if _, ok := em.lookup(meta, id); ok {
		return nil, &IdentityConflictError{Entity: meta.Name, ID: id}
	}
	state := &entityState{meta: meta, entity: entity}
	state.snapshot = takeSnapshot(meta, entity)
	em.register(state)
	em.bindCollections(state, false)
	return state, nil
}

// reference returns the managed entity with the given identity, creating
// an identity-only stub when it was never loaded.
func (em *EntityManager) reference(meta *registry.Entity, id any) (any, error) {
	if state, ok := em.lookup(meta, id); ok {
		return state.entity, nil
	}
	entity := meta.New()
	if err := assignColumn(meta.Value(entity), meta.PK, id); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", meta.Name, meta.PK.Name, err)
	}
	state := &entityState{meta: meta, entity: entity, reference: true}
	em.register(state)
	em.bindCollections(state, false)
	return entity, nil
}

// bindCollections attaches the one-to-many fields of an entity to it.
// Collections of new entities start loaded and empty.
func (em *EntityManager) bindCollections(state *entityState, initialize bool) {
	for _, prop := range state.meta.Relations(registry.OneToMany) {
		c := collectionOf(state.entity, prop)
		c.bind(state.entity, prop)
		if initialize {
			c.markInitialized()
		}
	}
}

func collectionOf(entity any, prop *registry.Property) relatedCollection {
	field := reflect.ValueOf(entity).Elem().FieldByIndex(prop.Index)
	return field.Addr().Interface().(relatedCollection)
}
