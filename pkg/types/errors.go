package types

import "fmt"

// Result is the outcome of a version-guarded store write: it either
// commits, or reports a version mismatch carrying the stored value, or
// fails with a typed error. Store methods return this instead of a bare
// error so callers can distinguish "rejected" from "failed".
type Result string

const (
	ResultSuccess         Result = "success"
	ResultVersionMismatch Result = "version-mismatch"
	ResultError           Result = "error"
)

// ErrNotFound is returned when an entity does not exist in any namespace.
var ErrNotFound = &StoreError{Code: "not_found", Message: "entity not found"}

// ErrAccessDenied is returned when an entity exists but not in the
// caller's namespace (spec §3 invariant 1).
var ErrAccessDenied = &StoreError{Code: "access_denied", Message: "access denied"}

// ErrConflict covers uniqueness and state conflicts (e.g. deleting an
// active session, duplicate team name).
var ErrConflict = &StoreError{Code: "conflict", Message: "conflict"}

// StoreError is a typed, stable error surfaced by the store. Handlers map
// Code to an HTTP status; Message is safe to return to callers.
type StoreError struct {
	Code    string
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// VersionMismatch carries the current stored version and value so the
// caller can decide whether to retry.
type VersionMismatch struct {
	Version int64
	Value   []byte
}

func (e *VersionMismatch) Error() string {
	return fmt.Sprintf("version-mismatch: current version %d", e.Version)
}
