package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
	"github.com/rcourtman/exposure-ingest/internal/quarantine"
	"github.com/rcourtman/exposure-ingest/internal/reconcile"
	"github.com/rcourtman/exposure-ingest/internal/sanitize"
)

func marshalEvents(t *testing.T, events ...canonical.Event) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(events))
	for i := range events {
		raw, err := json.Marshal(events[i])
		require.NoError(t, err)
		out = append(out, raw)
	}
	return out
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestIngestPayloadsQuarantinesUndecodable(t *testing.T) {
	p := newPipeline(t, Options{})
	payloads := marshalEvents(t,
		exposureEvent("office-a", "db-01", 5432, baseTime),
		exposureEvent("office-a", "db-02", 5432, baseTime),
	)
	payloads = append(payloads, []byte(`{"schema_version": "1.0.0", "surprise": true}`))

	res, err := p.coord.IngestPayloads(context.Background(), Source{Filename: "batch.json", ScannerType: "nmap", OfficeID: "office-a"}, payloads)
	require.NoError(t, err)
	assert.Equal(t, Result{EventsInserted: 2, ExposuresInserted: 2, EventsRejected: 1, ChunksCommitted: 1}, res)

	quarantined, err := p.sink.List(context.Background(), quarantine.Filter{})
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	q := quarantined[0]
	assert.Equal(t, "batch.json", q.Filename)
	assert.Equal(t, quarantine.KindSchemaViolation, q.ErrorKind)
	require.NotNil(t, q.ScannerType)
	assert.Equal(t, "nmap", *q.ScannerType)
	assert.EqualValues(t, 2, q.ErrorDetails["index"])
}

func TestIngestPayloadsReportsInputPosition(t *testing.T) {
	p := newPipeline(t, Options{})
	mismatch := exposureEvent("office-a", "db-02", 5432, baseTime)
	mismatch.Exposure.Status = canonical.StatusResolved
	payloads := [][]byte{[]byte(`{"surprise": true}`)}
	payloads = append(payloads, marshalEvents(t, exposureEvent("office-a", "db-01", 5432, baseTime), mismatch)...)

	res, err := p.coord.IngestPayloads(context.Background(), Source{Filename: "mixed.ndjson"}, payloads)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsRejected)
	assert.Equal(t, 1, res.EventsInserted)

	quarantined, err := p.sink.List(context.Background(), quarantine.Filter{})
	require.NoError(t, err)
	require.Len(t, quarantined, 2)
	for _, q := range quarantined {
		if q.ErrorDetails["reason"] == string(canonical.ReasonStatusActionMismatch) {
			assert.EqualValues(t, 2, q.ErrorDetails["index"])
		} else {
			assert.EqualValues(t, 0, q.ErrorDetails["index"])
		}
	}
}

func TestIngestFileJSONArray(t *testing.T) {
	p := newPipeline(t, Options{})
	payloads := marshalEvents(t,
		exposureEvent("office-a", "db-01", 5432, baseTime),
		exposureEvent("office-a", "db-01", 5432, baseTime.Add(time.Minute)),
	)
	data := []byte("[" + string(payloads[0]) + ",\n" + string(payloads[1]) + "]")
	path := writeFile(t, "nmap-office-a.json", data)

	res, err := p.coord.IngestFile(context.Background(), path, Source{ScannerType: "nmap"})
	require.NoError(t, err)
	assert.Equal(t, Result{EventsInserted: 2, ExposuresInserted: 1, ExposuresUpdated: 1, ChunksCommitted: 1}, res)

	rows, err := p.current.List(context.Background(), reconcile.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0].Revision)
}

func TestIngestFileNDJSONWithInvalidRecord(t *testing.T) {
	p := newPipeline(t, Options{})
	bad := exposureEvent("office-a", "db-09", 5432, baseTime)
	bad.Event.Severity = 150
	payloads := marshalEvents(t,
		exposureEvent("office-a", "db-01", 5432, baseTime),
		bad,
		exposureEvent("office-b", "db-01", 5432, baseTime),
	)
	var b strings.Builder
	for _, raw := range payloads {
		b.Write(raw)
		b.WriteString("\n")
	}
	data := []byte(b.String())
	path := writeFile(t, "scan.ndjson", data)

	res, err := p.coord.IngestFile(context.Background(), path, Source{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsInserted)
	assert.Equal(t, 1, res.EventsRejected)

	quarantined, err := p.sink.List(context.Background(), quarantine.Filter{})
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	q := quarantined[0]
	assert.Equal(t, "scan.ndjson", q.Filename)
	assert.Equal(t, string(canonical.ReasonOutOfRange), q.ErrorDetails["reason"])
	require.NotNil(t, q.FileHash)
	assert.Equal(t, sanitize.EvidenceHash(data), *q.FileHash)
	require.NotNil(t, q.FileSize)
	assert.EqualValues(t, len(data), *q.FileSize)
}

func TestIngestFileOversized(t *testing.T) {
	p := newPipeline(t, Options{MaxFileBytes: 64})
	path := writeFile(t, "huge.json", []byte("["+strings.Repeat(" ", 100)+"]"))

	res, err := p.coord.IngestFile(context.Background(), path, Source{OfficeID: "office-a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInputTooLarge))
	assert.Equal(t, Result{}, res)

	quarantined, err := p.sink.List(context.Background(), quarantine.Filter{ErrorKind: quarantine.KindOversizedInput})
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	require.NotNil(t, quarantined[0].FileSize)
	assert.EqualValues(t, 102, *quarantined[0].FileSize)
	assert.Equal(t, "office-a", *quarantined[0].OfficeID)
}

func TestIngestFileMalformed(t *testing.T) {
	p := newPipeline(t, Options{})
	data := []byte(`{"schema_version": "1.0.0"` + "\n" + `not json`)
	path := writeFile(t, "broken.ndjson", data)

	_, err := p.coord.IngestFile(context.Background(), path, Source{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedInput)

	quarantined, err := p.sink.List(context.Background(), quarantine.Filter{ErrorKind: quarantine.KindMalformedInput})
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	require.NotNil(t, quarantined[0].FileHash)
	assert.Equal(t, sanitize.EvidenceHash(data), *quarantined[0].FileHash)
}

func TestIngestFileMissing(t *testing.T) {
	p := newPipeline(t, Options{})

	_, err := p.coord.IngestFile(context.Background(), filepath.Join(t.TempDir(), "absent.json"), Source{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	n, err := p.sink.Count(context.Background(), quarantine.Filter{ErrorKind: quarantine.KindReadError})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSplitPayloads(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty array", "[]", 0, false},
		{"array", `[{"a":1},{"b":2}]`, 2, false},
		{"ndjson", "{\"a\":1}\n{\"b\":2}\n\n{\"c\":3}\n", 3, false},
		{"empty file", "  \n", 0, true},
		{"broken array", `[{"a":1},`, 0, true},
		{"broken line", "{\"a\":1}\n{oops}", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitPayloads([]byte(tt.input))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedInput)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
