package showsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state")
	ErrNoActiveProject = errors.New("no active project")
	ErrNotImplemented  = errors.New("not implemented")
)

// ConflictError carries the server-reported version pair of a rejected
// optimistic update. It matches ErrVersionConflict under errors.Is.
type ConflictError struct {
	Message        string
	CurrentVersion int64
	ClientVersion  int64
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("version conflict: server at %d, client at %d", e.CurrentVersion, e.ClientVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// Conflict converts the error into the caller-facing result value.
func (e *ConflictError) Conflict() *Conflict {
	return &Conflict{
		Err:            "version_conflict",
		Message:        e.Message,
		CurrentVersion: e.CurrentVersion,
		ClientVersion:  e.ClientVersion,
	}
}
