// Package canonical defines the canonical exposure event: the validated,
// closed-world shape every scanner transformer emits and every store in this
// module consumes.
package canonical

import "time"

// Event is one exposure observation. Optional scalars are pointers so that
// "absent" stays distinguishable from a zero value all the way into the
// current-state merge.
type Event struct {
	SchemaVersion string       `json:"schema_version"`
	Timestamp     time.Time    `json:"@timestamp"`
	Event         EventInfo    `json:"event"`
	Office        Office       `json:"office"`
	Scanner       Scanner      `json:"scanner"`
	Target        Target       `json:"target"`
	Exposure      Exposure     `json:"exposure"`
	Evidence      []Evidence   `json:"evidence,omitempty"`
	Disposition   *Disposition `json:"disposition,omitempty"`
}

type EventInfo struct {
	ID          string       `json:"id"`
	Kind        EventKind    `json:"kind"`
	Category    []string     `json:"category"`
	Type        []string     `json:"type"`
	Action      EventAction  `json:"action"`
	Severity    int          `json:"severity"`
	Created     *time.Time   `json:"created,omitempty"`
	Ingested    *time.Time   `json:"ingested,omitempty"`
	Reason      *string      `json:"reason,omitempty"`
	RiskScore   *float64     `json:"risk_score,omitempty"`
	Correlation *Correlation `json:"correlation,omitempty"`
}

type Correlation struct {
	ScanRunID    *string `json:"scan_run_id,omitempty"`
	ScanPolicyID *string `json:"scan_policy_id,omitempty"`
	DedupeKey    *string `json:"dedupe_key,omitempty"`
}

type Office struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Region      *string `json:"region,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`
	NetworkZone *string `json:"network_zone,omitempty"`
	SSID        *string `json:"ssid,omitempty"`
	VLAN        *string `json:"vlan,omitempty"`
	Subnet      *string `json:"subnet,omitempty"`
}

type Scanner struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Version  *string `json:"version,omitempty"`
	IP       *string `json:"ip,omitempty"`
	Hostname *string `json:"hostname,omitempty"`
}

type Target struct {
	Asset Asset  `json:"asset"`
	Owner *Owner `json:"owner,omitempty"`
}

type Asset struct {
	ID         string   `json:"id"`
	Hostname   *string  `json:"hostname,omitempty"`
	IP         []string `json:"ip,omitempty"`
	MAC        *string  `json:"mac,omitempty"`
	OS         *string  `json:"os,omitempty"`
	DeviceType *string  `json:"device_type,omitempty"`
	Managed    *bool    `json:"managed,omitempty"`
}

// PrimaryIP returns the first listed address of the asset.
func (a Asset) PrimaryIP() *string {
	if len(a.IP) == 0 {
		return nil
	}
	ip := a.IP[0]
	return &ip
}

type Owner struct {
	UserID *string `json:"user_id,omitempty"`
	Email  *string `json:"email,omitempty"`
	Team   *string `json:"team,omitempty"`
}

type Exposure struct {
	ID         string               `json:"id"`
	Class      ExposureClass        `json:"class"`
	Status     ExposureStatus       `json:"status"`
	Vector     Vector               `json:"vector"`
	Service    *Service             `json:"service,omitempty"`
	Resource   *Resource            `json:"resource,omitempty"`
	DataClass  []DataClassification `json:"data_class,omitempty"`
	Confidence *float64             `json:"confidence,omitempty"`
	FirstSeen  *time.Time           `json:"first_seen,omitempty"`
	LastSeen   *time.Time           `json:"last_seen,omitempty"`
}

type Vector struct {
	Transport        Transport          `json:"transport"`
	Protocol         string             `json:"protocol"`
	Src              *VectorSource      `json:"src,omitempty"`
	Dst              *VectorDestination `json:"dst,omitempty"`
	NetworkDirection *NetworkDirection  `json:"network_direction,omitempty"`
	CommunityID      *string            `json:"community_id,omitempty"`
}

// DstIP returns the destination address, or "" when the vector has none.
func (v Vector) DstIP() string {
	if v.Dst == nil || v.Dst.IP == nil {
		return ""
	}
	return *v.Dst.IP
}

// DstPort returns the destination port, or nil when absent.
func (v Vector) DstPort() *int {
	if v.Dst == nil {
		return nil
	}
	return v.Dst.Port
}

type VectorSource struct {
	IP *string `json:"ip,omitempty"`
}

type VectorDestination struct {
	IP   *string `json:"ip,omitempty"`
	Port *int    `json:"port,omitempty"`
}

type Service struct {
	Name      *string           `json:"name,omitempty"`
	Product   *string           `json:"product,omitempty"`
	Version   *string           `json:"version,omitempty"`
	TLS       *bool             `json:"tls,omitempty"`
	Auth      *ServiceAuth      `json:"auth,omitempty"`
	BindScope *ServiceBindScope `json:"bind_scope,omitempty"`
}

type Resource struct {
	Type         *ResourceType `json:"type,omitempty"`
	Identifier   *string       `json:"identifier,omitempty"`
	EvidenceHash *string       `json:"evidence_hash,omitempty"`
}

type Evidence struct {
	Probe   *string       `json:"probe,omitempty"`
	Target  *string       `json:"target,omitempty"`
	Result  *ProbeResult  `json:"result,omitempty"`
	HTTP    *HTTPEvidence `json:"http,omitempty"`
	RawHash *string       `json:"raw_hash,omitempty"`
}

type HTTPEvidence struct {
	StatusCode   *int    `json:"status_code,omitempty"`
	Title        *string `json:"title,omitempty"`
	ServerHeader *string `json:"server_header,omitempty"`
}

type Disposition struct {
	Ticket *string `json:"ticket,omitempty"`
	Owner  *string `json:"owner,omitempty"`
	SLA    *string `json:"sla,omitempty"`
	Notes  *string `json:"notes,omitempty"`
}

// ServiceProduct returns the observed service product, if any.
func (e *Event) ServiceProduct() *string {
	if e.Exposure.Service == nil {
		return nil
	}
	return e.Exposure.Service.Product
}

// ObservedAt is the time this observation speaks for: the exposure's
// last_seen when reported, else the event timestamp.
func (e *Event) ObservedAt() time.Time {
	if e.Exposure.LastSeen != nil {
		return e.Exposure.LastSeen.UTC()
	}
	return e.Timestamp.UTC()
}

// FirstObservedAt follows first_seen, then last_seen, then the event
// timestamp.
func (e *Event) FirstObservedAt() time.Time {
	switch {
	case e.Exposure.FirstSeen != nil:
		return e.Exposure.FirstSeen.UTC()
	case e.Exposure.LastSeen != nil:
		return e.Exposure.LastSeen.UTC()
	default:
		return e.Timestamp.UTC()
	}
}

// Ptr returns a pointer to v. Handy for building events with optional
// fields.
func Ptr[T any](v T) *T {
	return &v
}
