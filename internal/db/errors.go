package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session, task or monitor does not exist
	// or is outside the caller's site.
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("resource conflict")
	// ErrDatabaseState means a row the store just wrote could not be read
	// back. It is not recoverable by retrying.
	ErrDatabaseState = errors.New("inconsistent database state")
)

// ResourceError names the resource a lookup or insert failed on.
type ResourceError struct {
	Kind     error // ErrNotFound or ErrConflict
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Resource)
}

func (e *ResourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notFound(format string, args ...any) error {
	return &ResourceError{Kind: ErrNotFound, Resource: fmt.Sprintf(format, args...)}
}

func conflict(err error, format string, args ...any) error {
	return &ResourceError{Kind: ErrConflict, Resource: fmt.Sprintf(format, args...), Err: err}
}

func databaseState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDatabaseState, fmt.Sprintf(format, args...))
}
