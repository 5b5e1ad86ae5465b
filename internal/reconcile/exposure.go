// Package reconcile maintains exposures_current: one row per
// (office_id, exposure_id) holding the merged, most complete view of every
// observation of that exposure.
package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
)

// Exposure is the current state of one exposure within one office.
type Exposure struct {
	OfficeID          string                      `json:"office_id"`
	ExposureID        string                      `json:"exposure_id"`
	Class             canonical.ExposureClass     `json:"exposure_class"`
	Status            canonical.ExposureStatus    `json:"status"`
	DstIP             *string                     `json:"dst_ip,omitempty"`
	DstPort           *int                        `json:"dst_port,omitempty"`
	Protocol          string                      `json:"protocol"`
	Transport         canonical.Transport         `json:"transport"`
	NetworkDirection  *canonical.NetworkDirection `json:"network_direction,omitempty"`
	Severity          int                         `json:"severity"`
	RiskScore         *float64                    `json:"risk_score,omitempty"`
	Confidence        *float64                    `json:"confidence,omitempty"`
	FirstSeen         time.Time                   `json:"first_seen"`
	LastSeen          time.Time                   `json:"last_seen"`
	AssetID           string                      `json:"asset_id"`
	AssetHostname     *string                     `json:"asset_hostname,omitempty"`
	AssetIP           *string                     `json:"asset_ip,omitempty"`
	AssetMAC          *string                     `json:"asset_mac,omitempty"`
	AssetOS           *string                     `json:"asset_os,omitempty"`
	AssetManaged      *bool                       `json:"asset_managed,omitempty"`
	ServiceName       *string                     `json:"service_name,omitempty"`
	ServiceProduct    *string                     `json:"service_product,omitempty"`
	ServiceVersion    *string                     `json:"service_version,omitempty"`
	ServiceTLS        *bool                       `json:"service_tls,omitempty"`
	ServiceAuth       *string                     `json:"service_auth,omitempty"`
	ServiceBindScope  *string                     `json:"service_bind_scope,omitempty"`
	ServiceJSON       *string                     `json:"service_json,omitempty"`
	ResourceJSON      *string                     `json:"resource_json,omitempty"`
	EventAction       canonical.EventAction       `json:"event_action"`
	EventKind         canonical.EventKind         `json:"event_kind"`
	ScannerID         string                      `json:"scanner_id"`
	ScannerType       string                      `json:"scanner_type"`
	OfficeName        string                      `json:"office_name"`
	OfficeRegion      *string                     `json:"office_region,omitempty"`
	OfficeNetworkZone *string                     `json:"office_network_zone,omitempty"`
	DataClassJSON     *string                     `json:"data_class_json,omitempty"`
	DispositionTicket *string                     `json:"disposition_ticket,omitempty"`
	DispositionOwner  *string                     `json:"disposition_owner,omitempty"`
	DispositionSLA    *string                     `json:"disposition_sla,omitempty"`
	Revision          int64                       `json:"revision"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// FromEvent projects a validated event onto a fresh current-state row.
// first_seen falls back from exposure.first_seen to exposure.last_seen to
// the event timestamp; last_seen is never earlier than first_seen.
func FromEvent(e *canonical.Event, now time.Time) (Exposure, error) {
	first := e.FirstObservedAt()
	last := e.ObservedAt()
	if last.Before(first) {
		last = first
	}

	x := Exposure{
		OfficeID:          e.Office.ID,
		ExposureID:        e.Exposure.ID,
		Class:             e.Exposure.Class,
		Status:            e.Exposure.Status,
		DstPort:           e.Exposure.Vector.DstPort(),
		Protocol:          e.Exposure.Vector.Protocol,
		Transport:         e.Exposure.Vector.Transport,
		NetworkDirection:  e.Exposure.Vector.NetworkDirection,
		Severity:          e.Event.Severity,
		RiskScore:         e.Event.RiskScore,
		Confidence:        e.Exposure.Confidence,
		FirstSeen:         first,
		LastSeen:          last,
		AssetID:           e.Target.Asset.ID,
		AssetHostname:     e.Target.Asset.Hostname,
		AssetIP:           e.Target.Asset.PrimaryIP(),
		AssetMAC:          e.Target.Asset.MAC,
		AssetOS:           e.Target.Asset.OS,
		AssetManaged:      e.Target.Asset.Managed,
		EventAction:       e.Event.Action,
		EventKind:         e.Event.Kind,
		ScannerID:         e.Scanner.ID,
		ScannerType:       e.Scanner.Type,
		OfficeName:        e.Office.Name,
		OfficeRegion:      e.Office.Region,
		OfficeNetworkZone: e.Office.NetworkZone,
		Revision:          1,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}
	if dst := e.Exposure.Vector.Dst; dst != nil {
		x.DstIP = dst.IP
	}

	var err error
	if svc := e.Exposure.Service; svc != nil {
		x.ServiceName = svc.Name
		x.ServiceProduct = svc.Product
		x.ServiceVersion = svc.Version
		x.ServiceTLS = svc.TLS
		x.ServiceAuth = enumString(svc.Auth)
		x.ServiceBindScope = enumString(svc.BindScope)
		if x.ServiceJSON, err = jsonColumn(svc); err != nil {
			return Exposure{}, fmt.Errorf("encode service: %w", err)
		}
	}
	if res := e.Exposure.Resource; res != nil {
		if x.ResourceJSON, err = jsonColumn(res); err != nil {
			return Exposure{}, fmt.Errorf("encode resource: %w", err)
		}
	}
	if len(e.Exposure.DataClass) > 0 {
		if x.DataClassJSON, err = jsonColumn(&e.Exposure.DataClass); err != nil {
			return Exposure{}, fmt.Errorf("encode data classes: %w", err)
		}
	}
	if d := e.Disposition; d != nil {
		x.DispositionTicket = d.Ticket
		x.DispositionOwner = d.Owner
		x.DispositionSLA = d.SLA
	}
	return x, nil
}

func enumString[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

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
