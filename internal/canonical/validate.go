package canonical

import (
	"fmt"
	"math"
	"strings"
)

// Validate checks every invariant of a canonical event and returns the first
// violation as a *ValidationError. It does not modify the event.
func (e *Event) Validate() error {
	if e == nil {
		return violation(ReasonMalformed, "", "event is nil")
	}

	if err := e.validateRequired(); err != nil {
		return err
	}
	if err := e.validateEnums(); err != nil {
		return err
	}
	if err := e.validateRanges(); err != nil {
		return err
	}

	exp := &e.Exposure
	if exp.FirstSeen != nil && exp.LastSeen != nil && exp.LastSeen.Before(*exp.FirstSeen) {
		return violation(ReasonTimestampOrder, "/exposure/last_seen",
			"last_seen %s is before first_seen %s",
			exp.LastSeen.UTC().Format("2006-01-02T15:04:05Z07:00"),
			exp.FirstSeen.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}

	if exp.Vector.Transport.Ported() && exp.Class.PortBearing() && exp.Vector.DstPort() == nil {
		return violation(ReasonPortRequired, "/exposure/vector/dst/port",
			"destination port is required for %s over %s", exp.Class, exp.Vector.Transport)
	}

	if want, pinned := exp.Status.RequiredAction(); pinned && e.Event.Action != want {
		return violation(ReasonStatusActionMismatch, "/event/action",
			"status %s requires action %s, got %s", exp.Status, want, e.Event.Action)
	}

	return nil
}

func (e *Event) validateRequired() error {
	required := []struct {
		field string
		value string
	}{
		{"/schema_version", e.SchemaVersion},
		{"/event/id", e.Event.ID},
		{"/office/id", e.Office.ID},
		{"/office/name", e.Office.Name},
		{"/scanner/id", e.Scanner.ID},
		{"/scanner/type", e.Scanner.Type},
		{"/target/asset/id", e.Target.Asset.ID},
		{"/exposure/id", e.Exposure.ID},
		{"/exposure/vector/protocol", e.Exposure.Vector.Protocol},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return violation(ReasonMissingField, r.field, "value must not be blank")
		}
	}
	if e.Timestamp.IsZero() {
		return violation(ReasonMissingField, "/@timestamp", "timestamp is required")
	}
	if len(e.Event.Category) == 0 {
		return violation(ReasonMissingField, "/event/category", "at least one category is required")
	}
	if len(e.Event.Type) == 0 {
		return violation(ReasonMissingField, "/event/type", "at least one type is required")
	}
	return nil
}

func (e *Event) validateEnums() error {
	if !e.Event.Kind.IsValid() {
		return invalidEnum("/event/kind", e.Event.Kind)
	}
	if !e.Event.Action.IsValid() {
		return invalidEnum("/event/action", e.Event.Action)
	}

	exp := &e.Exposure
	if !exp.Class.IsValid() {
		return invalidEnum("/exposure/class", exp.Class)
	}
	if !exp.Status.IsValid() {
		return invalidEnum("/exposure/status", exp.Status)
	}
	if !exp.Vector.Transport.IsValid() {
		return invalidEnum("/exposure/vector/transport", exp.Vector.Transport)
	}
	if d := exp.Vector.NetworkDirection; d != nil && !d.IsValid() {
		return invalidEnum("/exposure/vector/network_direction", *d)
	}
	if svc := exp.Service; svc != nil {
		if svc.Auth != nil && !svc.Auth.IsValid() {
			return invalidEnum("/exposure/service/auth", *svc.Auth)
		}
		if svc.BindScope != nil && !svc.BindScope.IsValid() {
			return invalidEnum("/exposure/service/bind_scope", *svc.BindScope)
		}
	}
	if res := exp.Resource; res != nil && res.Type != nil && !res.Type.IsValid() {
		return invalidEnum("/exposure/resource/type", *res.Type)
	}
	for i, dc := range exp.DataClass {
		if !dc.IsValid() {
			return invalidEnum(fmt.Sprintf("/exposure/data_class/%d", i), dc)
		}
	}
	for i, ev := range e.Evidence {
		if ev.Result != nil && !ev.Result.IsValid() {
			return invalidEnum(fmt.Sprintf("/evidence/%d/result", i), *ev.Result)
		}
	}
	return nil
}

func (e *Event) validateRanges() error {
	if e.Event.Severity < 0 || e.Event.Severity > 100 {
		return violation(ReasonOutOfRange, "/event/severity", "severity %d outside [0,100]", e.Event.Severity)
	}
	if rs := e.Event.RiskScore; rs != nil && !inRange(*rs, 0, 100) {
		return violation(ReasonOutOfRange, "/event/risk_score", "risk_score %v outside [0,100]", *rs)
	}
	if c := e.Exposure.Confidence; c != nil && !inRange(*c, 0, 1) {
		return violation(ReasonOutOfRange, "/exposure/confidence", "confidence %v outside [0,1]", *c)
	}
	if p := e.Exposure.Vector.DstPort(); p != nil && (*p < 0 || *p > 65535) {
		return violation(ReasonOutOfRange, "/exposure/vector/dst/port", "port %d outside [0,65535]", *p)
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

func invalidEnum[T ~string](field string, v T) *ValidationError {
	return violation(ReasonInvalidEnum, field, "unknown value %q", string(v))
}
