package reconcile

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
	"github.com/rcourtman/exposure-ingest/internal/storage"
)

var t0 = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Driver:      storage.DriverSQLite,
		Path:        filepath.Join(t.TempDir(), "current.db"),
		PingTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	s.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return s
}

func httpEvent(office string, ts time.Time) *canonical.Event {
	return &canonical.Event{
		SchemaVersion: canonical.SchemaVersion,
		Timestamp:     ts,
		Event: canonical.EventInfo{
			ID:       "evt-" + ts.Format("150405"),
			Kind:     canonical.KindAlert,
			Category: []string{"network"},
			Type:     []string{"info"},
			Action:   canonical.ActionOpened,
			Severity: 50,
		},
		Office:  canonical.Office{ID: office, Name: "Office " + office, Region: canonical.Ptr("eu-west")},
		Scanner: canonical.Scanner{ID: "scn-1", Type: "nuclei"},
		Target:  canonical.Target{Asset: canonical.Asset{ID: "web-01", Hostname: canonical.Ptr("web-01.lan")}},
		Exposure: canonical.Exposure{
			ID:     "exp-http",
			Class:  canonical.ClassHTTPContentLeak,
			Status: canonical.StatusOpen,
			Vector: canonical.Vector{
				Transport: canonical.TransportTCP,
				Protocol:  "http",
				Dst:       &canonical.VectorDestination{IP: canonical.Ptr("10.2.0.10"), Port: canonical.Ptr(80)},
			},
		},
	}
}

func merge(t *testing.T, s *Store, e *canonical.Event) Outcome {
	t.Helper()
	var out Outcome
	err := s.db.InTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		out, err = s.Merge(context.Background(), tx, e)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestMergeInsertThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := merge(t, s, httpEvent("office-a", t0))
	assert.True(t, first.Inserted)
	assert.EqualValues(t, 1, first.Revision)

	second := merge(t, s, httpEvent("office-a", t0.Add(time.Hour)))
	assert.False(t, second.Inserted)
	assert.EqualValues(t, 2, second.Revision)

	row, err := s.Get(ctx, "office-a", "exp-http")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, t0, row.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour), row.LastSeen)
	assert.EqualValues(t, 2, row.Revision)
	assert.Equal(t, "web-01.lan", *row.AssetHostname)
	assert.Equal(t, 80, *row.DstPort)
}

func TestMergeMonotonicEnrichment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enriched := httpEvent("office-a", t0)
	enriched.Exposure.Service = &canonical.Service{Product: canonical.Ptr("nginx"), Version: canonical.Ptr("1.18")}
	enriched.Disposition = &canonical.Disposition{Ticket: canonical.Ptr("SEC-1")}
	merge(t, s, enriched)

	sparse := httpEvent("office-a", t0.Add(time.Hour))
	sparse.Target.Asset.Hostname = nil
	sparse.Office.Region = nil
	out := merge(t, s, sparse)
	assert.False(t, out.Inserted)

	row, err := s.Get(ctx, "office-a", "exp-http")
	require.NoError(t, err)
	require.NotNil(t, row.ServiceProduct)
	assert.Equal(t, "nginx", *row.ServiceProduct)
	assert.Equal(t, "1.18", *row.ServiceVersion)
	assert.Equal(t, "SEC-1", *row.DispositionTicket)
	assert.Equal(t, "web-01.lan", *row.AssetHostname)
	assert.Equal(t, "eu-west", *row.OfficeRegion)
}

func TestMergeFirstSeenImmutableAndLastSeenMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	merge(t, s, httpEvent("office-a", t0))

	// an older observation arriving late must not move either bound back
	late := httpEvent("office-a", t0.Add(-48*time.Hour))
	late.Exposure.FirstSeen = canonical.Ptr(t0.Add(-72 * time.Hour))
	merge(t, s, late)

	row, err := s.Get(ctx, "office-a", "exp-http")
	require.NoError(t, err)
	assert.Equal(t, t0, row.FirstSeen)
	assert.Equal(t, t0, row.LastSeen)
}

func TestMergeKeepsMicrosecondTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2025, 5, 1, 8, 0, 0, 123456000, time.UTC)
	t2 := t1.Add(90 * time.Second)

	first := httpEvent("office-a", t1)
	first.Exposure.FirstSeen = canonical.Ptr(t1)
	first.Exposure.LastSeen = canonical.Ptr(t1)
	merge(t, s, first)

	second := httpEvent("office-a", t2)
	second.Exposure.LastSeen = canonical.Ptr(t2)
	merge(t, s, second)

	row, err := s.Get(ctx, "office-a", "exp-http")
	require.NoError(t, err)
	assert.True(t, row.FirstSeen.Equal(t1), "first_seen = %s, want %s", row.FirstSeen, t1)
	assert.True(t, row.LastSeen.Equal(t2), "last_seen = %s, want %s", row.LastSeen, t2)
}

func TestMergeOverwritesStatusAndSeverity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	merge(t, s, httpEvent("office-a", t0))

	resolved := httpEvent("office-a", t0.Add(time.Hour))
	resolved.Exposure.Status = canonical.StatusResolved
	resolved.Event.Action = canonical.ActionResolved
	resolved.Event.Kind = canonical.KindState
	resolved.Event.Severity = 0
	merge(t, s, resolved)

	row, err := s.Get(ctx, "office-a", "exp-http")
	require.NoError(t, err)
	assert.Equal(t, canonical.StatusResolved, row.Status)
	assert.Equal(t, canonical.ActionResolved, row.EventAction)
	assert.Equal(t, canonical.KindState, row.EventKind)
	assert.Equal(t, 0, row.Severity)
}

func TestMergePerOfficeIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := merge(t, s, httpEvent("office-a", t0))
	b := merge(t, s, httpEvent("office-b", t0))
	assert.True(t, a.Inserted)
	assert.True(t, b.Inserted)

	n, err := s.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	onlyB, err := s.List(ctx, Filter{OfficeID: "office-b"})
	require.NoError(t, err)
	require.Len(t, onlyB, 1)
	assert.Equal(t, "Office office-b", onlyB[0].OfficeName)
}

func TestStoreMatchesInMemoryProjection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := s.now()

	events := []*canonical.Event{httpEvent("office-a", t0), httpEvent("office-a", t0.Add(2*time.Hour)), httpEvent("office-a", t0.Add(time.Hour))}
	events[0].Exposure.Service = &canonical.Service{Product: canonical.Ptr("nginx")}
	events[1].Exposure.Confidence = canonical.Ptr(0.7)
	events[2].Exposure.Status = canonical.StatusSuppressed
	events[2].Event.Action = canonical.ActionSuppressed

	var projected *Exposure
	for _, e := range events {
		merge(t, s, e)
		next, err := project(projected, e, now)
		require.NoError(t, err)
		projected = &next
	}

	stored, err := s.Get(ctx, "office-a", "exp-http")
	require.NoError(t, err)
	assert.Equal(t, *projected, *stored)
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	row, err := s.Get(context.Background(), "office-a", "missing")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := httpEvent("office-a", t0)
	merge(t, s, low)

	high := httpEvent("office-a", t0)
	high.Exposure.ID = "exp-db"
	high.Exposure.Class = canonical.ClassDBExposed
	high.Event.Severity = 90
	merge(t, s, high)

	severe, err := s.List(ctx, Filter{MinSeverity: 80})
	require.NoError(t, err)
	require.Len(t, severe, 1)
	assert.Equal(t, "exp-db", severe[0].ExposureID)

	byClass, err := s.Count(ctx, Filter{Class: canonical.ClassHTTPContentLeak})
	require.NoError(t, err)
	assert.Equal(t, 1, byClass)

	all, err := s.List(ctx, Filter{Status: canonical.StatusOpen})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "exp-db", all[0].ExposureID, "most severe first")
}

// project applies the merge rule in memory. A nil existing row yields the
// inserted projection. On update last_seen only moves
// forward, status, severity, action and kind follow the latest event, the
// key and first_seen never change, and every other field keeps its existing
// value when the event leaves it empty.
func project(existing *Exposure, e *canonical.Event, now time.Time) (Exposure, error) {
	incoming, err := FromEvent(e, now)
	if err != nil {
		return Exposure{}, err
	}
	if existing == nil {
		return incoming, nil
	}

	out := *existing
	if incoming.LastSeen.After(out.LastSeen) {
		out.LastSeen = incoming.LastSeen
	}
	out.Status = incoming.Status
	out.Severity = incoming.Severity
	out.EventAction = incoming.EventAction
	out.EventKind = incoming.EventKind

	out.Class = incoming.Class
	out.Protocol = incoming.Protocol
	out.Transport = incoming.Transport
	out.AssetID = incoming.AssetID
	out.ScannerID = incoming.ScannerID
	out.ScannerType = incoming.ScannerType
	out.OfficeName = incoming.OfficeName

	out.DstIP = coalesce(incoming.DstIP, existing.DstIP)
	out.DstPort = coalesce(incoming.DstPort, existing.DstPort)
	out.NetworkDirection = coalesce(incoming.NetworkDirection, existing.NetworkDirection)
	out.RiskScore = coalesce(incoming.RiskScore, existing.RiskScore)
	out.Confidence = coalesce(incoming.Confidence, existing.Confidence)
	out.AssetHostname = coalesce(incoming.AssetHostname, existing.AssetHostname)
	out.AssetIP = coalesce(incoming.AssetIP, existing.AssetIP)
	out.AssetMAC = coalesce(incoming.AssetMAC, existing.AssetMAC)
	out.AssetOS = coalesce(incoming.AssetOS, existing.AssetOS)
	out.AssetManaged = coalesce(incoming.AssetManaged, existing.AssetManaged)
	out.ServiceName = coalesce(incoming.ServiceName, existing.ServiceName)
	out.ServiceProduct = coalesce(incoming.ServiceProduct, existing.ServiceProduct)
	out.ServiceVersion = coalesce(incoming.ServiceVersion, existing.ServiceVersion)
	out.ServiceTLS = coalesce(incoming.ServiceTLS, existing.ServiceTLS)
	out.ServiceAuth = coalesce(incoming.ServiceAuth, existing.ServiceAuth)
	out.ServiceBindScope = coalesce(incoming.ServiceBindScope, existing.ServiceBindScope)
	out.ServiceJSON = coalesce(incoming.ServiceJSON, existing.ServiceJSON)
	out.ResourceJSON = coalesce(incoming.ResourceJSON, existing.ResourceJSON)
	out.OfficeRegion = coalesce(incoming.OfficeRegion, existing.OfficeRegion)
	out.OfficeNetworkZone = coalesce(incoming.OfficeNetworkZone, existing.OfficeNetworkZone)
	out.DataClassJSON = coalesce(incoming.DataClassJSON, existing.DataClassJSON)
	out.DispositionTicket = coalesce(incoming.DispositionTicket, existing.DispositionTicket)
	out.DispositionOwner = coalesce(incoming.DispositionOwner, existing.DispositionOwner)
	out.DispositionSLA = coalesce(incoming.DispositionSLA, existing.DispositionSLA)

	out.Revision = existing.Revision + 1
	out.UpdatedAt = incoming.UpdatedAt
	return out, nil
}

func coalesce[T any](incoming, existing *T) *T {
	if incoming != nil {
		return incoming
	}
	return existing
}
