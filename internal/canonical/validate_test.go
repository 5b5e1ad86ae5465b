package canonical

import (
	"errors"
	"math"
	"testing"
	"time"
)

func validEvent() *Event {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Event{
		SchemaVersion: SchemaVersion,
		Timestamp:     ts,
		Event: EventInfo{
			ID:       "evt-1",
			Kind:     KindAlert,
			Category: []string{"network"},
			Type:     []string{"info"},
			Action:   ActionObserved,
			Severity: 40,
		},
		Office:  Office{ID: "office-1", Name: "HQ"},
		Scanner: Scanner{ID: "scanner-1", Type: "nmap"},
		Target:  Target{Asset: Asset{ID: "asset-1"}},
		Exposure: Exposure{
			ID:     "exp-1",
			Class:  ClassRemoteAdminExposed,
			Status: StatusObserved,
			Vector: Vector{
				Transport: TransportTCP,
				Protocol:  "ssh",
				Dst:       &VectorDestination{IP: Ptr("10.0.0.1"), Port: Ptr(22)},
			},
		},
	}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	return verr.Reason
}

func TestValidateAcceptsValidEvent(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateInvariants(t *testing.T) {
	tests := []struct {
		name   string
		modify func(e *Event)
		want   Reason
	}{
		{"blank office id", func(e *Event) { e.Office.ID = "  " }, ReasonMissingField},
		{"blank protocol", func(e *Event) { e.Exposure.Vector.Protocol = "" }, ReasonMissingField},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }, ReasonMissingField},
		{"unknown kind", func(e *Event) { e.Event.Kind = "notice" }, ReasonInvalidEnum},
		{"unknown direction", func(e *Event) {
			d := NetworkDirection("sideways")
			e.Exposure.Vector.NetworkDirection = &d
		}, ReasonInvalidEnum},
		{"negative severity", func(e *Event) { e.Event.Severity = -1 }, ReasonOutOfRange},
		{"risk score NaN", func(e *Event) { e.Event.RiskScore = Ptr(math.NaN()) }, ReasonOutOfRange},
		{"confidence negative", func(e *Event) { e.Exposure.Confidence = Ptr(-0.1) }, ReasonOutOfRange},
		{"port negative", func(e *Event) { e.Exposure.Vector.Dst.Port = Ptr(-1) }, ReasonOutOfRange},
		{"seen order", func(e *Event) {
			e.Exposure.FirstSeen = Ptr(e.Timestamp)
			e.Exposure.LastSeen = Ptr(e.Timestamp.Add(-time.Second))
		}, ReasonTimestampOrder},
		{"udp db without port", func(e *Event) {
			e.Exposure.Class = ClassDBExposed
			e.Exposure.Vector.Transport = TransportUDP
			e.Exposure.Vector.Dst = nil
		}, ReasonPortRequired},
		{"suppressed needs suppressed action", func(e *Event) {
			e.Exposure.Status = StatusSuppressed
		}, ReasonStatusActionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.modify(e)
			if got := reasonOf(t, e.Validate()); got != tt.want {
				t.Fatalf("reason = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateEqualSeenTimesAccepted(t *testing.T) {
	e := validEvent()
	e.Exposure.FirstSeen = Ptr(e.Timestamp)
	e.Exposure.LastSeen = Ptr(e.Timestamp)
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestStatusActionPinning(t *testing.T) {
	e := validEvent()
	e.Exposure.Status = StatusResolved
	e.Event.Action = ActionResolved
	if err := e.Validate(); err != nil {
		t.Fatalf("resolved/exposure_resolved should validate: %v", err)
	}

	// open and observed accept any action
	e.Exposure.Status = StatusOpen
	e.Event.Action = ActionSuppressed
	if err := e.Validate(); err != nil {
		t.Fatalf("open status should accept any action: %v", err)
	}
}
