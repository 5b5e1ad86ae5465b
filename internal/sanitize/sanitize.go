// Package sanitize prepares canonical payloads for the audit history:
// long free-text fields are truncated and any captured response bodies are
// dropped before anything is persisted.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
)

const (
	MaxReasonRunes    = 1000
	MaxNotesRunes     = 2000
	MaxHTTPTitleRunes = 500

	truncationMarker = "..."
)

var bodyKeys = []string{"body", "response_body", "raw_body", "raw_response"}

// Payload returns a sanitized deep copy of a canonical event document. The
// input is never modified and absent sections stay absent.
func Payload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out, _ := deepCopy(payload).(map[string]any)

	if event, ok := out["event"].(map[string]any); ok {
		truncateField(event, "reason", MaxReasonRunes)
	}
	if disposition, ok := out["disposition"].(map[string]any); ok {
		truncateField(disposition, "notes", MaxNotesRunes)
	}
	if evidence, ok := out["evidence"].([]any); ok {
		for _, item := range evidence {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			stripBodies(entry)
			if http, ok := entry["http"].(map[string]any); ok {
				stripBodies(http)
				truncateField(http, "title", MaxHTTPTitleRunes)
			}
		}
	}
	return out
}

// Event renders the sanitized JSON blob stored with an audit record.
func Event(e *canonical.Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal event document: %w", err)
	}
	out, err := json.Marshal(Payload(doc))
	if err != nil {
		return nil, fmt.Errorf("marshal sanitized payload: %w", err)
	}
	return out, nil
}

// EvidenceHash returns the hex SHA-256 of evidence content, letting callers
// prove what was seen without keeping it.
func EvidenceHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Truncate shortens s to at most max runes, appending "..." when it cuts.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + truncationMarker
}

func truncateField(m map[string]any, key string, max int) {
	if s, ok := m[key].(string); ok {
		m[key] = Truncate(s, max)
	}
}

func stripBodies(m map[string]any) {
	for _, k := range bodyKeys {
		delete(m, k)
	}
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return val
	}
}
