package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestStoreErrorIs(t *testing.T) {
	cause := fmt.Errorf("UNIQUE constraint failed: exposure_events.event_id")
	err := NewStoreError(ErrorTypeDuplicate, "append_event", cause).WithChunk(2)

	if !errors.Is(err, ErrDuplicateEventID) {
		t.Fatalf("expected duplicate error to match ErrDuplicateEventID")
	}
	if errors.Is(err, ErrMergeConflict) {
		t.Fatalf("duplicate error must not match ErrMergeConflict")
	}
	if got, want := err.Error(), "append_event failed in chunk 2: "+cause.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if IsRetryableError(err) {
		t.Fatalf("duplicate event id must not be retryable")
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"conflict", NewStoreError(ErrorTypeConflict, "merge_exposure", errors.New("database is locked")), true},
		{"wrapped conflict", fmt.Errorf("chunk 0: %w", NewStoreError(ErrorTypeConflict, "commit", errors.New("busy"))), true},
		{"sentinel", fmt.Errorf("retry: %w", ErrMergeConflict), true},
		{"unavailable", NewStoreError(ErrorTypeUnavailable, "begin", errors.New("connection refused")), false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Fatalf("IsRetryableError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	if got := Kind(nil); got != "" {
		t.Fatalf("Kind(nil) = %q", got)
	}
	if got := Kind(NewStoreError(ErrorTypeUnavailable, "ping", errors.New("down"))); got != "store_unavailable" {
		t.Fatalf("Kind(unavailable) = %q", got)
	}
	if got := Kind(fmt.Errorf("x: %w", ErrSchemaViolation)); got != "schema_violation" {
		t.Fatalf("Kind(schema) = %q", got)
	}
}
