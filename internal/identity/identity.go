// Package identity derives the deterministic exposure identifiers and the
// time-ordered event identifiers used across ingestion.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
)

// stableID hashes the '|'-joined parts and keeps the first 16 bytes as hex.
func stableID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

func portKey(port *int) string {
	if port == nil {
		return ""
	}
	return strconv.Itoa(*port)
}

// ExposureID returns the business identifier of an exposure. Equal inputs
// always yield the same 32-character id; an absent port hashes as "" and so
// differs from port 0.
func ExposureID(officeID, assetID, dstIP string, dstPort *int, protocol string, class canonical.ExposureClass) string {
	return stableID(officeID, assetID, dstIP, portKey(dstPort), protocol, string(class))
}

// DedupeKey is ExposureID refined by the observed service product. A nil
// product hashes the same as "".
func DedupeKey(officeID, assetID, dstIP string, dstPort *int, protocol string, class canonical.ExposureClass, serviceProduct *string) string {
	product := ""
	if serviceProduct != nil {
		product = *serviceProduct
	}
	return stableID(officeID, assetID, dstIP, portKey(dstPort), protocol, string(class), product)
}

// NewEventID returns a UUIDv7 string. IDs sort lexicographically by creation
// time and are safe to generate from many goroutines.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// NewRunID returns a ULID used to tag ingestion runs and quarantine records.
func NewRunID() string {
	return ulid.Make().String()
}

// ExposureIDFor computes the exposure id from an event's own fields.
func ExposureIDFor(e *canonical.Event) string {
	v := e.Exposure.Vector
	return ExposureID(e.Office.ID, e.Target.Asset.ID, v.DstIP(), v.DstPort(), v.Protocol, e.Exposure.Class)
}

// DedupeKeyFor computes the dedupe key from an event's own fields.
func DedupeKeyFor(e *canonical.Event) string {
	v := e.Exposure.Vector
	return DedupeKey(e.Office.ID, e.Target.Asset.ID, v.DstIP(), v.DstPort(), v.Protocol, e.Exposure.Class, e.ServiceProduct())
}

// Tag fills a blank event id, a blank exposure id and an absent dedupe key.
// Values already supplied by the producer are never overwritten.
func Tag(e *canonical.Event) {
	if e == nil {
		return
	}
	if strings.TrimSpace(e.Event.ID) == "" {
		e.Event.ID = NewEventID()
	}
	if strings.TrimSpace(e.Exposure.ID) == "" {
		e.Exposure.ID = ExposureIDFor(e)
	}
	if e.Event.Correlation == nil {
		e.Event.Correlation = &canonical.Correlation{}
	}
	if c := e.Event.Correlation; c.DedupeKey == nil || strings.TrimSpace(*c.DedupeKey) == "" {
		key := DedupeKeyFor(e)
		c.DedupeKey = &key
	}
}
