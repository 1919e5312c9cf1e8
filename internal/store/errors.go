package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row lookup by id finds nothing.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an optimistic-concurrency UPDATE
// affects zero rows because the row was modified (or its status advanced)
// by another writer since the caller last read it.
var ErrVersionConflict = errors.New("version conflict: record was modified by another process")

// NotFoundError enriches ErrNotFound with the entity/id that was missing.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// VersionConflictError enriches ErrVersionConflict with the entity/id/expected-state.
type VersionConflictError struct {
	Entity   string
	ID       string
	Expected string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %q: expected state %q but row was not in it", e.Entity, e.ID, e.Expected)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }
