// Package faults defines the shared error taxonomy.
//
// The split matters operationally:
//   - configuration and storage faults abort the whole pass,
//   - authorization faults drop the message silently,
//   - interaction faults stay scoped to a single tenant,
//   - ambiguity faults are reported back to the requester.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means a sender failed the global or tenant-specific
	// check. Always fail-closed, always silent: no reply is sent, so an
	// unauthorized party cannot probe which tenant tags exist.
	ErrUnauthorized = errors.New("sender not authorized")

	// ErrUnknownTenant means no credential bundle exists for the tag.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrInvalidTenantID means the tag contains characters outside
	// [A-Za-z0-9_-]. Kept separate from ErrUnknownTenant because it guards
	// the bundle path lookup against traversal.
	ErrInvalidTenantID = errors.New("invalid tenant id")
)

// ConfigurationError is fatal to the single message or pass being processed.
// The message is dropped, not retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func Configuration(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// AmbiguousError means the access window could not be determined. Info holds
// whatever caveat text the page surfaced so a human can retry with corrected
// intent. Not retried automatically.
type AmbiguousError struct {
	Info string
}

func (e *AmbiguousError) Error() string {
	if e.Info == "" {
		return "registration time could not be determined"
	}
	return "registration time could not be determined: " + e.Info
}

// InteractionError is a transient failure talking to the external page
// collaborator. Per-tenant; it never aborts sibling tenants in the same batch.
type InteractionError struct {
	Op  string
	Err error
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("interaction %s: %v", e.Op, e.Err)
}

func (e *InteractionError) Unwrap() error { return e.Err }

// Interaction wraps err as an InteractionError for op. Returns nil on nil.
func Interaction(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InteractionError{Op: op, Err: err}
}

// StorageError is fatal to the current pass and surfaces as a non-zero
// process outcome.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
