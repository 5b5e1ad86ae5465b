package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
	"github.com/rcourtman/exposure-ingest/internal/metrics"
	"github.com/rcourtman/exposure-ingest/internal/quarantine"
	"github.com/rcourtman/exposure-ingest/internal/sanitize"
)

// DefaultMaxFileBytes caps the size of one input file.
const DefaultMaxFileBytes int64 = 10 * 1024 * 1024

const inlineFilename = "inline"

var (
	// ErrInputTooLarge means a file exceeded the configured size limit.
	ErrInputTooLarge = errors.New("input exceeds size limit")
	// ErrMalformedInput means a file is neither a JSON array nor a stream of
	// JSON objects.
	ErrMalformedInput = errors.New("malformed input")
)

// Source describes where a batch came from. It is recorded on quarantine
// records for triage.
type Source struct {
	Filename    string
	ScannerType string
	OfficeID    string

	size *int64
	hash *string
}

// IngestPayloads decodes raw JSON events and ingests those that pass the
// schema. Payloads that fail to decode are quarantined and counted as
// rejected.
func (c *Coordinator) IngestPayloads(ctx context.Context, src Source, payloads [][]byte) (Result, error) {
	if src.Filename == "" {
		src.Filename = inlineFilename
	}
	events := make([]*canonical.Event, 0, len(payloads))
	positions := make([]int, 0, len(payloads))
	rejected := 0
	for i, raw := range payloads {
		e, err := canonical.Parse(raw)
		if err != nil {
			c.reject(ctx, src, i, nil, err)
			rejected++
			continue
		}
		events = append(events, e)
		positions = append(positions, i)
	}
	return c.run(ctx, src, events, positions, rejected)
}

// IngestFile reads a JSON array or newline-delimited JSON file of canonical
// events and ingests it. Unreadable, oversized and malformed files are
// quarantined as a whole.
func (c *Coordinator) IngestFile(ctx context.Context, path string, src Source) (Result, error) {
	if src.Filename == "" {
		src.Filename = filepath.Base(path)
	}

	data, size, err := readLimited(path, c.opts.MaxFileBytes)
	if size >= 0 {
		src.size = &size
	}
	if err != nil {
		kind := quarantine.KindReadError
		if errors.Is(err, ErrInputTooLarge) {
			kind = quarantine.KindOversizedInput
		}
		c.quarantineFile(ctx, src, kind, err, map[string]any{"path": path, "max_bytes": c.opts.MaxFileBytes})
		metrics.RecordFileProcessed("quarantined")
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}

	hash := sanitize.EvidenceHash(data)
	src.hash = &hash

	payloads, err := splitPayloads(data)
	if err != nil {
		c.quarantineFile(ctx, src, quarantine.KindMalformedInput, err, map[string]any{"path": path})
		metrics.RecordFileProcessed("quarantined")
		return Result{}, fmt.Errorf("parse %s: %w", path, err)
	}

	log.Debug().
		Str("file", src.Filename).
		Int("payloads", len(payloads)).
		Int64("bytes", size).
		Msg("Ingesting file")

	result, err := c.IngestPayloads(ctx, src, payloads)
	switch {
	case err != nil:
		metrics.RecordFileProcessed("failed")
	case result.EventsRejected > 0:
		metrics.RecordFileProcessed("partial")
	default:
		metrics.RecordFileProcessed("success")
	}
	return result, err
}

func (c *Coordinator) quarantineFile(ctx context.Context, src Source, kind quarantine.ErrorKind, err error, details map[string]any) {
	if c.sink == nil {
		return
	}
	c.sink.Quarantine(ctx, quarantine.Record{
		Filename:     src.Filename,
		FileSize:     src.size,
		FileHash:     src.hash,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
		ErrorDetails: details,
		ScannerType:  nonEmpty(src.ScannerType),
		OfficeID:     nonEmpty(src.OfficeID),
	})
}

// readLimited returns the file content and its size. Size is -1 when the
// file could not be opened.
func readLimited(path string, limit int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, -1, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, -1, err
	}
	if info.IsDir() {
		return nil, -1, fmt.Errorf("%s is a directory", path)
	}
	size := info.Size()
	if size > limit {
		return nil, size, fmt.Errorf("%w: %d bytes > %d", ErrInputTooLarge, size, limit)
	}

	// The file may grow between stat and read.
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, size, err
	}
	if int64(len(data)) > limit {
		return nil, int64(len(data)), fmt.Errorf("%w: more than %d bytes", ErrInputTooLarge, limit)
	}
	return data, int64(len(data)), nil
}

// splitPayloads accepts a JSON array of objects or a stream of JSON objects
// (NDJSON) and returns each element verbatim.
func splitPayloads(data []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMalformedInput)
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		payloads := make([][]byte, len(items))
		for i, item := range items {
			payloads[i] = item
		}
		return payloads, nil
	}

	var payloads [][]byte
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	for {
		var item json.RawMessage
		err := dec.Decode(&item)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedInput, len(payloads)+1, err)
		}
		payloads = append(payloads, item)
	}
	return payloads, nil
}
