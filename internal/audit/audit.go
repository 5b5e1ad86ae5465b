// Package audit is the append-only history of every accepted exposure event.
// Records are never updated or deleted; the event id is the primary key.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
	"github.com/rcourtman/exposure-ingest/internal/sanitize"
)

// Record is one row of exposure_events.
type Record struct {
	EventID          string                      `json:"event_id"`
	Timestamp        time.Time                   `json:"timestamp"`
	OfficeID         string                      `json:"office_id"`
	AssetID          string                      `json:"asset_id"`
	ExposureID       string                      `json:"exposure_id"`
	ExposureClass    canonical.ExposureClass     `json:"exposure_class"`
	ExposureStatus   canonical.ExposureStatus    `json:"exposure_status"`
	EventAction      canonical.EventAction       `json:"event_action"`
	EventKind        canonical.EventKind         `json:"event_kind"`
	Severity         int                         `json:"severity"`
	RiskScore        *float64                    `json:"risk_score,omitempty"`
	Confidence       *float64                    `json:"confidence,omitempty"`
	DstIP            *string                     `json:"dst_ip,omitempty"`
	DstPort          *int                        `json:"dst_port,omitempty"`
	Protocol         string                      `json:"protocol"`
	Transport        canonical.Transport         `json:"transport"`
	NetworkDirection *canonical.NetworkDirection `json:"network_direction,omitempty"`
	ServiceJSON      *string                     `json:"service_json,omitempty"`
	ResourceJSON     *string                     `json:"resource_json,omitempty"`
	ScannerID        string                      `json:"scanner_id"`
	ScannerType      string                      `json:"scanner_type"`
	ScanRunID        *string                     `json:"scan_run_id,omitempty"`
	DedupeKey        *string                     `json:"dedupe_key,omitempty"`
	RawPayloadJSON   string                      `json:"raw_payload_json"`
	CreatedAt        time.Time                   `json:"created_at"`
}

// FromEvent derives the audit record of a validated, tagged event. The raw
// payload is sanitized before it is kept.
func FromEvent(e *canonical.Event, now time.Time) (Record, error) {
	payload, err := sanitize.Event(e)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		EventID:          e.Event.ID,
		Timestamp:        e.Timestamp.UTC(),
		OfficeID:         e.Office.ID,
		AssetID:          e.Target.Asset.ID,
		ExposureID:       e.Exposure.ID,
		ExposureClass:    e.Exposure.Class,
		ExposureStatus:   e.Exposure.Status,
		EventAction:      e.Event.Action,
		EventKind:        e.Event.Kind,
		Severity:         e.Event.Severity,
		RiskScore:        e.Event.RiskScore,
		Confidence:       e.Exposure.Confidence,
		DstPort:          e.Exposure.Vector.DstPort(),
		Protocol:         e.Exposure.Vector.Protocol,
		Transport:        e.Exposure.Vector.Transport,
		NetworkDirection: e.Exposure.Vector.NetworkDirection,
		ScannerID:        e.Scanner.ID,
		ScannerType:      e.Scanner.Type,
		RawPayloadJSON:   string(payload),
		CreatedAt:        now.UTC(),
	}
	if dst := e.Exposure.Vector.Dst; dst != nil {
		rec.DstIP = dst.IP
	}
	if c := e.Event.Correlation; c != nil {
		rec.ScanRunID = c.ScanRunID
		rec.DedupeKey = c.DedupeKey
	}
	if rec.ServiceJSON, err = jsonColumn(e.Exposure.Service); err != nil {
		return Record{}, fmt.Errorf("encode service: %w", err)
	}
	if rec.ResourceJSON, err = jsonColumn(e.Exposure.Resource); err != nil {
		return Record{}, fmt.Errorf("encode resource: %w", err)
	}
	return rec, nil
}

// jsonColumn encodes v for a nullable JSON column; a nil pointer stays NULL.
func jsonColumn[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// QueryFilter represents filters for querying the event history.
type QueryFilter struct {
	OfficeID   string
	ExposureID string
	AssetID    string
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}
