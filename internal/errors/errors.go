package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error kinds surfaced by ingestion.
var (
	// ErrSchemaViolation marks a single event that failed validation. It is
	// never fatal for a batch.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrDuplicateEventID means an audit record with the same event_id
	// already exists. Fatal for the chunk, not retried.
	ErrDuplicateEventID = errors.New("duplicate event id")
	// ErrStoreUnavailable covers connectivity and transaction failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrMergeConflict is a transient write conflict on the current-state
	// table, retried with a bound.
	ErrMergeConflict = errors.New("merge conflict")
)

// ErrorType represents the category of a store failure.
type ErrorType string

const (
	ErrorTypeDuplicate   ErrorType = "duplicate"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeInternal    ErrorType = "internal"
)

// StoreError is a structured error for audit and reconciliation writes.
type StoreError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "append_event", "merge_exposure")
	Chunk     int    // Chunk index, -1 when not chunk-scoped
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *StoreError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s failed in chunk %d: %v", e.Op, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrDuplicateEventID:
		return e.Type == ErrorTypeDuplicate
	case ErrStoreUnavailable:
		return e.Type == ErrorTypeUnavailable
	case ErrMergeConflict:
		return e.Type == ErrorTypeConflict
	}

	return errors.Is(e.Err, target)
}

// NewStoreError creates a new StoreError that is not yet tied to a chunk.
func NewStoreError(errorType ErrorType, op string, err error) *StoreError {
	return &StoreError{
		Type:      errorType,
		Op:        op,
		Chunk:     -1,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithChunk adds the chunk index to the error
func (e *StoreError) WithChunk(chunk int) *StoreError {
	e.Chunk = chunk
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConflict:
		return true
	case ErrorTypeDuplicate, ErrorTypeUnavailable, ErrorTypeInternal:
		return false
	}
	return false
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Retryable
	}
	return errors.Is(err, ErrMergeConflict)
}

// Kind returns the base error kind of err as a short label, or "" when err
// carries none of them. Used for log fields and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, ErrDuplicateEventID):
		return "duplicate_event_id"
	case errors.Is(err, ErrMergeConflict):
		return "merge_conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	}
	return ""
}
