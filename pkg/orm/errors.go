package orm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gideon-mc/orm/internal/dialect"
)

var (
	// ErrNotInitialized is returned when a collection is read before it was
	// loaded.
	ErrNotInitialized = errors.New("collection is not initialized")
	// ErrNotFound is returned when exactly one entity was required and none
	// matched.
	ErrNotFound = errors.New("entity not found")
	// ErrConstraint is matched by every ConstraintError.
	ErrConstraint = errors.New("constraint violation")
	// ErrClosed is returned by operations on a closed ORM.
	ErrClosed = errors.New("orm is closed")
	// ErrUnknownEntity is returned for types that were not registered.
	ErrUnknownEntity = errors.New("entity type is not registered")
	// ErrUnbound is returned when a collection has no owner to load from.
	ErrUnbound = errors.New("collection is not bound to an owner")
	// ErrIdentityConflict is matched by every IdentityConflictError.
	ErrIdentityConflict = errors.New("identity is managed by another instance")
)

// IdentityConflictError is returned when a detached entity is handed to a
// manager that already holds a different instance with its identity.
type IdentityConflictError struct {
	Entity string
	ID     any
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("%s %v: %s", e.Entity, e.ID, ErrIdentityConflict)
}

func (e *IdentityConflictError) Is(target error) bool {
	return target == ErrIdentityConflict
}

// NotInitializedError names the collection that was read before loading.
type NotInitializedError struct {
	Entity   string
	Property string
}

func (e *NotInitializedError) Error() string {
	if e.Entity == "" {
		return ErrNotInitialized.Error()
	}
	return fmt.Sprintf("%s.%s: %s", e.Entity, e.Property, ErrNotInitialized)
}

func (e *NotInitializedError) Is(target error) bool {
	return target == ErrNotInitialized
}

// NotFoundError is returned by FindOneOrFail.
type NotFoundError struct {
	Entity string
	Filter Filter
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found (%v)", e.Entity, map[string]any(e.Filter))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConstraintError is a relationship or uniqueness violation reported by the
// database while flushing.
type ConstraintError struct {
	Kind       string
	Table      string
	Column     string
	Constraint string
	Err        error
}

func newConstraintError(v *dialect.Violation) *ConstraintError {
	return &ConstraintError{
		Kind:       v.Kind.String(),
		Table:      v.Table,
		Column:     v.Column,
		Constraint: v.Constraint,
		Err:        v.Err,
	}
}

func (e *ConstraintError) Error() string {
	parts := []string{e.Kind + " " + ErrConstraint.Error()}
	if e.Table != "" {
		target := e.Table
		if e.Column != "" {
			target += "." + e.Column
		}
		parts = append(parts, "on "+target)
	}
	if e.Constraint != "" {
		parts = append(parts, "("+e.Constraint+")")
	}
	return strings.Join(parts, " ") + ": " + e.Err.Error()
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

func (e *ConstraintError) Is(target error) bool {
	return target == ErrConstraint
}

// InitializationError is returned by Init.
type InitializationError struct {
	Reason string
	Err    error
}

func (e *InitializationError) Error() string {
	if e.Err == nil {
		return "failed to initialize: " + e.Reason
	}
	return fmt.Sprintf("failed to initialize: %s: %v", e.Reason, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// SchemaError is returned by SchemaGenerator operations.
type SchemaError struct {
	Op    string
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("schema %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("schema %s %q: %v", e.Op, e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// mapError turns driver constraint failures into ConstraintError and leaves
// everything else as is.
func mapError(d dialect.Dialect, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return err
	}
	if v := d.Classify(err); v != nil {
		return newConstraintError(v)
	}
	return err
}
