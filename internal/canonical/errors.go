package canonical

import (
	"fmt"

	ingesterrors "github.com/rcourtman/exposure-ingest/internal/errors"
)

// Reason names the kind of rule a rejected event violated. It is recorded
// verbatim in quarantine details and metrics labels.
type Reason string

const (
	ReasonMalformed            Reason = "malformed"
	ReasonMissingField         Reason = "missing_field"
	ReasonUnknownField         Reason = "unknown_field"
	ReasonInvalidEnum          Reason = "invalid_enum"
	ReasonOutOfRange           Reason = "out_of_range"
	ReasonInvalidType          Reason = "invalid_type"
	ReasonTimestampOrder       Reason = "timestamp_order"
	ReasonPortRequired         Reason = "port_required"
	ReasonStatusActionMismatch Reason = "status_action_mismatch"
)

// ValidationError describes the first invariant an event violated.
type ValidationError struct {
	Reason  Reason
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("canonical event rejected (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("canonical event rejected (%s) at %s: %s", e.Reason, e.Field, e.Message)
}

// Is lets callers match any validation failure with ErrSchemaViolation.
func (e *ValidationError) Is(target error) bool {
	return target == ingesterrors.ErrSchemaViolation
}

func violation(reason Reason, field, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Message: fmt.Sprintf(format, args...)}
}
