package canonical

// SchemaVersion is the canonical event schema version emitted by the
// transformers that feed this module.
const SchemaVersion = "1.0.0"

// EventKind classifies the nature of an event.
type EventKind string

const (
	KindAlert EventKind = "alert"
	KindState EventKind = "state"
	KindEvent EventKind = "event"
)

// IsValid reports whether k is a declared event kind.
func (k EventKind) IsValid() bool {
	switch k {
	case KindAlert, KindState, KindEvent:
		return true
	}
	return false
}

// EventAction is the lifecycle action an observation represents.
type EventAction string

const (
	ActionOpened     EventAction = "exposure_opened"
	ActionObserved   EventAction = "exposure_observed"
	ActionResolved   EventAction = "exposure_resolved"
	ActionSuppressed EventAction = "exposure_suppressed"
)

// IsValid reports whether a is a declared event action.
func (a EventAction) IsValid() bool {
	switch a {
	case ActionOpened, ActionObserved, ActionResolved, ActionSuppressed:
		return true
	}
	return false
}

// ExposureClass is the closed set of exposure categories.
type ExposureClass string

const (
	ClassHTTPContentLeak       ExposureClass = "http_content_leak"
	ClassVCSProtocolExposed    ExposureClass = "vcs_protocol_exposed"
	ClassFileshareExposed      ExposureClass = "fileshare_exposed"
	ClassRemoteAdminExposed    ExposureClass = "remote_admin_exposed"
	ClassDBExposed             ExposureClass = "db_exposed"
	ClassContainerAPIExposed   ExposureClass = "container_api_exposed"
	ClassDebugPortExposed      ExposureClass = "debug_port_exposed"
	ClassServiceAdvertisedMDNS ExposureClass = "service_advertised_mdns"
	ClassEgressTunnelIndicator ExposureClass = "egress_tunnel_indicator"
	ClassUnknownServiceExposed ExposureClass = "unknown_service_exposed"
)

// IsValid reports whether c is a declared exposure class.
func (c ExposureClass) IsValid() bool {
	switch c {
	case ClassHTTPContentLeak,
		ClassVCSProtocolExposed,
		ClassFileshareExposed,
		ClassRemoteAdminExposed,
		ClassDBExposed,
		ClassContainerAPIExposed,
		ClassDebugPortExposed,
		ClassServiceAdvertisedMDNS,
		ClassEgressTunnelIndicator,
		ClassUnknownServiceExposed:
		return true
	}
	return false
}

// PortBearing reports whether the class describes a listening service, in
// which case tcp/udp observations must carry a destination port.
func (c ExposureClass) PortBearing() bool {
	switch c {
	case ClassFileshareExposed,
		ClassRemoteAdminExposed,
		ClassDBExposed,
		ClassContainerAPIExposed,
		ClassDebugPortExposed,
		ClassUnknownServiceExposed,
		ClassHTTPContentLeak,
		ClassVCSProtocolExposed:
		return true
	case ClassServiceAdvertisedMDNS, ClassEgressTunnelIndicator:
		return false
	}
	return false
}

// ExposureStatus is the current lifecycle state of an exposure.
type ExposureStatus string

const (
	StatusOpen       ExposureStatus = "open"
	StatusObserved   ExposureStatus = "observed"
	StatusResolved   ExposureStatus = "resolved"
	StatusSuppressed ExposureStatus = "suppressed"
)

// IsValid reports whether s is a declared status.
func (s ExposureStatus) IsValid() bool {
	switch s {
	case StatusOpen, StatusObserved, StatusResolved, StatusSuppressed:
		return true
	}
	return false
}

// RequiredAction returns the action a status is pinned to. Statuses that
// accept any action return ok=false.
func (s ExposureStatus) RequiredAction() (EventAction, bool) {
	switch s {
	case StatusResolved:
		return ActionResolved, true
	case StatusSuppressed:
		return ActionSuppressed, true
	case StatusOpen, StatusObserved:
		return "", false
	}
	return "", false
}

// Transport is the network transport of an exposure vector.
type Transport string

const (
	TransportTCP   Transport = "tcp"
	TransportUDP   Transport = "udp"
	TransportICMP  Transport = "icmp"
	TransportOther Transport = "other"
)

// IsValid reports whether t is a declared transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportTCP, TransportUDP, TransportICMP, TransportOther:
		return true
	}
	return false
}

// Ported reports whether the transport addresses services by port.
func (t Transport) Ported() bool {
	switch t {
	case TransportTCP, TransportUDP:
		return true
	case TransportICMP, TransportOther:
		return false
	}
	return false
}

type NetworkDirection string

const (
	DirectionInternal NetworkDirection = "internal"
	DirectionInbound  NetworkDirection = "inbound"
	DirectionOutbound NetworkDirection = "outbound"
	DirectionUnknown  NetworkDirection = "unknown"
)

func (d NetworkDirection) IsValid() bool {
	switch d {
	case DirectionInternal, DirectionInbound, DirectionOutbound, DirectionUnknown:
		return true
	}
	return false
}

type ServiceAuth string

const (
	AuthUnknown     ServiceAuth = "unknown"
	AuthRequired    ServiceAuth = "required"
	AuthNotRequired ServiceAuth = "not_required"
)

func (a ServiceAuth) IsValid() bool {
	switch a {
	case AuthUnknown, AuthRequired, AuthNotRequired:
		return true
	}
	return false
}

type ServiceBindScope string

const (
	BindLoopbackOnly ServiceBindScope = "loopback_only"
	BindLocalSubnet  ServiceBindScope = "local_subnet"
	BindAny          ServiceBindScope = "any"
	BindUnknown      ServiceBindScope = "unknown"
)

func (b ServiceBindScope) IsValid() bool {
	switch b {
	case BindLoopbackOnly, BindLocalSubnet, BindAny, BindUnknown:
		return true
	}
	return false
}

type ResourceType string

const (
	ResourceHTTPPath    ResourceType = "http_path"
	ResourceSMBShare    ResourceType = "smb_share"
	ResourceNFSExport   ResourceType = "nfs_export"
	ResourceRepo        ResourceType = "repo"
	ResourceAPIEndpoint ResourceType = "api_endpoint"
	ResourceMDNSService ResourceType = "mdns_service"
	ResourceDomain      ResourceType = "domain"
)

func (r ResourceType) IsValid() bool {
	switch r {
	case ResourceHTTPPath, ResourceSMBShare, ResourceNFSExport, ResourceRepo,
		ResourceAPIEndpoint, ResourceMDNSService, ResourceDomain:
		return true
	}
	return false
}

type DataClassification string

const (
	DataSourceCode   DataClassification = "source_code"
	DataSecrets      DataClassification = "secrets"
	DataPII          DataClassification = "pii"
	DataCredentials  DataClassification = "credentials"
	DataInternalOnly DataClassification = "internal_only"
	DataUnknown      DataClassification = "unknown"
)

func (d DataClassification) IsValid() bool {
	switch d {
	case DataSourceCode, DataSecrets, DataPII, DataCredentials, DataInternalOnly, DataUnknown:
		return true
	}
	return false
}

type ProbeResult string

const (
	ProbeSuccess ProbeResult = "success"
	ProbeFail    ProbeResult = "fail"
	ProbeTimeout ProbeResult = "timeout"
	ProbeBlocked ProbeResult = "blocked"
)

func (p ProbeResult) IsValid() bool {
	switch p {
	case ProbeSuccess, ProbeFail, ProbeTimeout, ProbeBlocked:
		return true
	}
	return false
}
