// Package errors provides standardized error types and helpers for the schema migration engine.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common cases
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported indicates an unsupported operation or field kind
	ErrUnsupported = errors.New("unsupported")
	// ErrStatement indicates the engine rejected a statement
	ErrStatement = errors.New("statement failed")
	// ErrRebuildAborted indicates a table rebuild was rolled back
	ErrRebuildAborted = errors.New("rebuild aborted")
	// ErrAmbiguousRename indicates a rename source could not be resolved unambiguously
	ErrAmbiguousRename = errors.New("ambiguous rename target")
)

// NotFoundError represents a resource not found error with context
type NotFoundError struct {
	Resource string // Type of resource (e.g., "table", "column", "index")
	ID       string // Identifier of the resource
	Err      error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation (may be redacted)
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "open")
	Path      string // File/resource path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ParseError represents a parsing error. The introspector absorbs these and
// treats the table as absent.
type ParseError struct {
	Format  string // Format being parsed (e.g., "create table", "index spec")
	Path    string // Table name or file path, if applicable
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse %s at %s: %s", e.Format, e.Path, e.Message)
	}
	return fmt.Sprintf("failed to parse %s: %s", e.Format, e.Message)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// UnsupportedError represents an unsupported feature or field kind
type UnsupportedError struct {
	Feature string // Feature that is unsupported
	Reason  string // Why it's not supported
	Err     error  // Underlying error, if any
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("unsupported %s", e.Feature)
}

func (e *UnsupportedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnsupported
}

// StatementError carries the exact statement text and the engine's native
// error message.
type StatementError struct {
	SQL string
	Err error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("couldn't run query: %s | %v", strings.TrimSpace(e.SQL), e.Err)
}

// Is reports ErrStatement so callers can match the kind without unwrapping to
// the driver error.
func (e *StatementError) Is(target error) bool {
	return target == ErrStatement
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// RebuildAbortedError is returned when any statement inside a rebuild
// transaction fails. The transaction has been rolled back.
type RebuildAbortedError struct {
	Table string
	Step  string
	Err   error
}

func (e *RebuildAbortedError) Error() string {
	return fmt.Sprintf("rebuild of %s aborted at %s: %v", e.Table, e.Step, e.Err)
}

func (e *RebuildAbortedError) Is(target error) bool {
	return target == ErrRebuildAborted
}

func (e *RebuildAbortedError) Unwrap() error {
	return e.Err
}

// AmbiguousRenameError is returned when a desired field set implies more
// than one plausible rename source for a column.
type AmbiguousRenameError struct {
	Table      string
	Column     string
	Candidates []string
}

func (e *AmbiguousRenameError) Error() string {
	return fmt.Sprintf("ambiguous rename target %s.%s: candidates %s", e.Table, e.Column, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousRenameError) Unwrap() error {
	return ErrAmbiguousRename
}

// Helper functions for creating common errors

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewParse creates a ParseError
func NewParse(format, path, message string) *ParseError {
	return &ParseError{
		Format:  format,
		Path:    path,
		Message: message,
	}
}

// NewUnsupported creates an UnsupportedError
func NewUnsupported(feature, reason string) *UnsupportedError {
	return &UnsupportedError{
		Feature: feature,
		Reason:  reason,
	}
}

// NewStatement creates a StatementError. Returns nil if err is nil.
func NewStatement(sql string, err error) error {
	if err == nil {
		return nil
	}
	return &StatementError{SQL: sql, Err: err}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
