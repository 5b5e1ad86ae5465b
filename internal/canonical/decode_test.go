package canonical

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ingesterrors "github.com/rcourtman/exposure-ingest/internal/errors"
)

const sampleEvent = `{
  "schema_version": "1.0.0",
  "@timestamp": "2025-03-01T10:00:00Z",
  "event": {
    "id": "0195539e-8a4c-7000-8000-000000000001",
    "kind": "alert",
    "category": ["network"],
    "type": ["info"],
    "action": "exposure_opened",
    "severity": 70,
    "risk_score": 55.5,
    "reason": "git smart-http endpoint answers without auth",
    "correlation": {"scan_run_id": "run-1"}
  },
  "office": {"id": "office-nyc", "name": "New York", "region": "us-east"},
  "scanner": {"id": "scanner-1", "type": "nuclei", "version": "3.1.0"},
  "target": {
    "asset": {"id": "asset-42", "hostname": "build-01", "ip": ["10.0.4.2"], "managed": true},
    "owner": {"team": "platform"}
  },
  "exposure": {
    "id": "3f0c1b9a6d2e4f5a8b7c6d5e4f3a2b1c",
    "class": "vcs_protocol_exposed",
    "status": "open",
    "vector": {
      "transport": "tcp",
      "protocol": "http",
      "dst": {"ip": "10.0.4.2", "port": 3000},
      "network_direction": "internal"
    },
    "service": {"name": "gitea", "product": "gitea", "version": "1.21", "tls": false, "auth": "not_required"},
    "resource": {"type": "repo", "identifier": "/org/app.git"},
    "data_class": ["source_code"],
    "confidence": 0.9,
    "first_seen": "2025-03-01T09:00:00Z",
    "last_seen": "2025-03-01T10:00:00Z"
  },
  "evidence": [
    {"probe": "git-info-refs", "result": "success", "http": {"status_code": 200, "title": "Gitea"}}
  ],
  "disposition": {"ticket": "SEC-12"}
}`

// mutate decodes sampleEvent into a generic document, applies fn and
// re-encodes it.
func mutate(t *testing.T, fn func(doc map[string]any)) []byte {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(sampleEvent), &doc))
	fn(doc)
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return out
}

func section(doc map[string]any, path ...string) map[string]any {
	cur := doc
	for _, p := range path {
		cur = cur[p].(map[string]any)
	}
	return cur
}

func TestDecodeAcceptsIntegralFloats(t *testing.T) {
	raw := strings.Replace(sampleEvent, `"severity": 70,`, `"severity": 70.0,`, 1)
	raw = strings.Replace(raw, `"port": 3000}`, `"port": 3e3}`, 1)

	event, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 70, event.Event.Severity)
	require.NotNil(t, event.Exposure.Vector.DstPort())
	assert.Equal(t, 3000, *event.Exposure.Vector.DstPort())
	assert.Equal(t, 55.5, *event.Event.RiskScore)
}

func TestDecodeRejectsFractionalSeverity(t *testing.T) {
	raw := strings.Replace(sampleEvent, `"severity": 70,`, `"severity": 70.5,`, 1)

	_, err := Decode([]byte(raw))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonInvalidType, verr.Reason)
	assert.Equal(t, "/event/severity", verr.Field)
}

func TestDecodeValidEvent(t *testing.T) {
	event, err := Decode([]byte(sampleEvent))
	require.NoError(t, err)

	assert.Equal(t, "office-nyc", event.Office.ID)
	assert.Equal(t, ClassVCSProtocolExposed, event.Exposure.Class)
	assert.Equal(t, StatusOpen, event.Exposure.Status)
	require.NotNil(t, event.Exposure.Vector.DstPort())
	assert.Equal(t, 3000, *event.Exposure.Vector.DstPort())
	assert.Equal(t, "10.0.4.2", event.Exposure.Vector.DstIP())
	require.NotNil(t, event.ServiceProduct())
	assert.Equal(t, "gitea", *event.ServiceProduct())
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), event.Timestamp.UTC())
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), event.FirstObservedAt())
	require.Len(t, event.Evidence, 1)
	assert.Equal(t, ProbeSuccess, *event.Evidence[0].Result)
}

func TestDecodeRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
		reason Reason
		field  string
	}{
		{
			name:   "unknown top-level field",
			mutate: func(doc map[string]any) { doc["extra"] = true },
			reason: ReasonUnknownField,
		},
		{
			name:   "unknown nested field",
			mutate: func(doc map[string]any) { section(doc, "exposure", "vector")["ttl"] = 64 },
			reason: ReasonUnknownField,
		},
		{
			name:   "missing office",
			mutate: func(doc map[string]any) { delete(doc, "office") },
			reason: ReasonMissingField,
		},
		{
			name:   "unknown class",
			mutate: func(doc map[string]any) { section(doc, "exposure")["class"] = "printer_exposed" },
			reason: ReasonInvalidEnum,
			field:  "/exposure/class",
		},
		{
			name:   "severity above range",
			mutate: func(doc map[string]any) { section(doc, "event")["severity"] = 150 },
			reason: ReasonOutOfRange,
			field:  "/event/severity",
		},
		{
			name:   "confidence above range",
			mutate: func(doc map[string]any) { section(doc, "exposure")["confidence"] = 1.5 },
			reason: ReasonOutOfRange,
			field:  "/exposure/confidence",
		},
		{
			name:   "port above range",
			mutate: func(doc map[string]any) { section(doc, "exposure", "vector", "dst")["port"] = 70000 },
			reason: ReasonOutOfRange,
			field:  "/exposure/vector/dst/port",
		},
		{
			name:   "severity not integer",
			mutate: func(doc map[string]any) { section(doc, "event")["severity"] = "high" },
			reason: ReasonInvalidType,
			field:  "/event/severity",
		},
		{
			name: "last_seen before first_seen",
			mutate: func(doc map[string]any) {
				section(doc, "exposure")["last_seen"] = "2025-03-01T08:00:00Z"
			},
			reason: ReasonTimestampOrder,
			field:  "/exposure/last_seen",
		},
		{
			name: "port-bearing tcp without port",
			mutate: func(doc map[string]any) {
				delete(section(doc, "exposure", "vector", "dst"), "port")
			},
			reason: ReasonPortRequired,
			field:  "/exposure/vector/dst/port",
		},
		{
			name: "resolved status with opened action",
			mutate: func(doc map[string]any) {
				section(doc, "exposure")["status"] = "resolved"
			},
			reason: ReasonStatusActionMismatch,
			field:  "/event/action",
		},
		{
			name: "body captured in evidence",
			mutate: func(doc map[string]any) {
				doc["evidence"].([]any)[0].(map[string]any)["body"] = "<html>"
			},
			reason: ReasonUnknownField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(mutate(t, tt.mutate))
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
			assert.Equal(t, tt.reason, verr.Reason, verr.Message)
			if tt.field != "" {
				assert.Equal(t, tt.field, verr.Field)
			}
			assert.ErrorIs(t, err, ingesterrors.ErrSchemaViolation)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{"", "{", "[]", `{"schema_version": "1.0.0"} {}`} {
		_, err := Decode([]byte(raw))
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "input %q", raw)
		if strings.HasPrefix(raw, "[") {
			assert.Equal(t, ReasonInvalidType, verr.Reason)
			continue
		}
		assert.Equal(t, ReasonMalformed, verr.Reason, "input %q", raw)
	}
}

func TestDecodePortOptionalForNonPortBearing(t *testing.T) {
	raw := mutate(t, func(doc map[string]any) {
		exp := section(doc, "exposure")
		exp["class"] = "service_advertised_mdns"
		delete(section(exp, "vector", "dst"), "port")
	})
	_, err := Decode(raw)
	require.NoError(t, err)

	raw = mutate(t, func(doc map[string]any) {
		vec := section(doc, "exposure", "vector")
		vec["transport"] = "icmp"
		delete(section(vec, "dst"), "port")
	})
	_, err = Decode(raw)
	require.NoError(t, err)
}

func TestParseAllowsMissingIdentifiers(t *testing.T) {
	raw := mutate(t, func(doc map[string]any) {
		delete(section(doc, "event"), "id")
		delete(section(doc, "exposure"), "id")
	})

	event, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, event.Event.ID)

	var verr *ValidationError
	require.ErrorAs(t, event.Validate(), &verr)
	assert.Equal(t, ReasonMissingField, verr.Reason)
	assert.Equal(t, "/event/id", verr.Field)
}
