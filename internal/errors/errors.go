// Package errors defines the error taxonomy shared by the importer: source
// retrieval failures, per-row validation failures, configuration errors and
// provenance inconsistencies. Callers match them with errors.Is against the
// sentinels or with the IsX helpers.
package errors

import (
	"errors"
	"fmt"
)

// New is an alias for the standard library errors.New.
var New = errors.New

// Re-exported so packages importing this one do not need the stdlib package too.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that a record failed field constraints.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration indicates an invalid configuration or CLI selection.
	ErrConfiguration = errors.New("configuration error")

	// ErrSourceRetrieval indicates that an adapter could not fetch or parse its source.
	ErrSourceRetrieval = errors.New("source retrieval failed")

	// ErrProvenance indicates a provenance link that points at a missing record.
	ErrProvenance = errors.New("provenance inconsistency")
)

// NotFoundError represents a missing record.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError is fatal to a single candidate only.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// SourceRetrievalError aborts the remaining pages of one source. Other
// sources in the same run are unaffected.
type SourceRetrievalError struct {
	Source string
	Op     string
	Err    error
}

func (e *SourceRetrievalError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("source %s: %s: %v", e.Source, e.Op, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceRetrievalError) Unwrap() error {
	return e.Err
}

func (e *SourceRetrievalError) Is(target error) bool {
	return target == ErrSourceRetrieval
}

// NewSourceRetrievalError creates a new SourceRetrievalError.
func NewSourceRetrievalError(source, op string, err error) *SourceRetrievalError {
	return &SourceRetrievalError{Source: source, Op: op, Err: err}
}

// ConfigError aborts a run before any side effects.
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigError creates a new ConfigError.
func NewConfigError(component, message string, err error) *ConfigError {
	return &ConfigError{Component: component, Message: message, Err: err}
}

// ProvenanceInconsistencyError reports a row flagged for update whose linked
// event no longer exists. It is never healed by re-inserting the row.
type ProvenanceInconsistencyError struct {
	Source  string
	Row     string
	EventID int64
}

func (e *ProvenanceInconsistencyError) Error() string {
	return fmt.Sprintf("provenance for %s row %s points at missing event %d", e.Source, e.Row, e.EventID)
}

func (e *ProvenanceInconsistencyError) Is(target error) bool {
	return target == ErrProvenance
}

// NewProvenanceInconsistencyError creates a new ProvenanceInconsistencyError.
func NewProvenanceInconsistencyError(source, row string, eventID int64) *ProvenanceInconsistencyError {
	return &ProvenanceInconsistencyError{Source: source, Row: row, EventID: eventID}
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsConfigError checks if an error is a configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsSourceRetrievalError checks if an error is a source retrieval error.
func IsSourceRetrievalError(err error) bool {
	return errors.Is(err, ErrSourceRetrieval)
}

// IsProvenanceError checks if an error is a provenance inconsistency.
func IsProvenanceError(err error) bool {
	return errors.Is(err, ErrProvenance)
}
