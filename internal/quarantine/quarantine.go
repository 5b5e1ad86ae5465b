// Package quarantine records inputs that could not be ingested so they can
// be triaged later. Quarantining never fails the caller.
package quarantine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/exposure-ingest/internal/identity"
	"github.com/rcourtman/exposure-ingest/internal/metrics"
	"github.com/rcourtman/exposure-ingest/internal/storage"
)

// ErrorKind classifies why an input was quarantined.
type ErrorKind string

const (
	KindSchemaViolation ErrorKind = "schema_violation"
	KindMalformedInput  ErrorKind = "malformed_input"
	KindOversizedInput  ErrorKind = "oversized_input"
	KindReadError       ErrorKind = "read_error"
	KindTransformError  ErrorKind = "transform_error"
)

// Record is one quarantined input.
type Record struct {
	ID            string         `json:"id"`
	Filename      string         `json:"filename"`
	FileSize      *int64         `json:"file_size,omitempty"`
	FileHash      *string        `json:"file_hash,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind"`
	ErrorMessage  string         `json:"error_message"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
	ScannerType   *string        `json:"scanner_type,omitempty"`
	OfficeID      *string        `json:"office_id,omitempty"`
	QuarantinedAt time.Time      `json:"quarantined_at"`
}

// Filter selects quarantine records.
type Filter struct {
	ErrorKind ErrorKind
	OfficeID  string
	Since     *time.Time
	Limit     int
	Offset    int
}

// Sink appends quarantine records to quarantined_files.
type Sink struct {
	db  *storage.DB
	now func() time.Time
}

// NewSink creates a sink on the shared handle.
func NewSink(db *storage.DB) *Sink {
	return &Sink{db: db, now: time.Now}
}

// Quarantine stores rec. It assigns an id and timestamp when missing. A
// failure to store is logged and dropped: quarantining is best effort and
// must never take the ingestion path down with it.
func (s *Sink) Quarantine(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = identity.NewRunID()
	}
	if rec.QuarantinedAt.IsZero() {
		rec.QuarantinedAt = s.now()
	}

	logEvent := log.Warn().
		Str("quarantine_id", rec.ID).
		Str("filename", rec.Filename).
		Str("error_kind", string(rec.ErrorKind)).
		Str("error", rec.ErrorMessage)
	if rec.OfficeID != nil {
		logEvent = logEvent.Str("office_id", *rec.OfficeID)
	}
	logEvent.Msg("Input quarantined")
	metrics.RecordQuarantined(string(rec.ErrorKind))

	if err := s.insert(ctx, rec); err != nil {
		log.Error().
			Err(err).
			Str("quarantine_id", rec.ID).
			Str("filename", rec.Filename).
			Msg("Failed to persist quarantine record, dropping")
	}
}

func (s *Sink) insert(ctx context.Context, rec Record) error {
	var details *string
	if len(rec.ErrorDetails) > 0 {
		b, err := json.Marshal(rec.ErrorDetails)
		if err != nil {
			return fmt.Errorf("encode error details: %w", err)
		}
		d := string(b)
		details = &d
	}

	var size sql.NullInt64
	if rec.FileSize != nil {
		size = sql.NullInt64{Int64: *rec.FileSize, Valid: true}
	}

	_, err := s.db.SQL().ExecContext(ctx, s.db.Rebind(`
		INSERT INTO quarantined_files (
			id, filename, file_size, file_hash, error_kind, error_message,
			error_details_json, scanner_type, office_id, quarantined_at_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Filename,
		size,
		storage.NullString(rec.FileHash),
		string(rec.ErrorKind),
		rec.ErrorMessage,
		storage.NullString(details),
		storage.NullString(rec.ScannerType),
		storage.NullString(rec.OfficeID),
		storage.Micros(rec.QuarantinedAt),
	)
	if err != nil {
		return storage.Classify("quarantine", err)
	}
	return nil
}

func (f Filter) where() (string, []any) {
	clause := " WHERE 1=1"
	args := []any{}

	if f.ErrorKind != "" {
		clause += " AND error_kind = ?"
		args = append(args, string(f.ErrorKind))
	}
	if f.OfficeID != "" {
		clause += " AND office_id = ?"
		args = append(args, f.OfficeID)
	}
	if f.Since != nil {
		clause += " AND quarantined_at_us >= ?"
		args = append(args, storage.Micros(*f.Since))
	}
	return clause, args
}

// List returns matching records, newest first.
func (s *Sink) List(ctx context.Context, filter Filter) ([]Record, error) {
	where, args := filter.where()
	query := `SELECT id, filename, file_size, file_hash, error_kind, error_message,
		error_details_json, scanner_type, office_id, quarantined_at_us
		FROM quarantined_files` + where + " ORDER BY quarantined_at_us DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 && s.db.Driver() == storage.DriverSQLite {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.SQL().QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                                  Record
			kind                               string
			size                               sql.NullInt64
			hash, details, scannerType, office sql.NullString
			quarantinedUs                      int64
		)
		if err := rows.Scan(&r.ID, &r.Filename, &size, &hash, &kind, &r.ErrorMessage,
			&details, &scannerType, &office, &quarantinedUs); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine record: %w", err)
		}
		r.ErrorKind = ErrorKind(kind)
		if size.Valid {
			n := size.Int64
			r.FileSize = &n
		}
		r.FileHash = storage.StringPtr(hash)
		r.ScannerType = storage.StringPtr(scannerType)
		r.OfficeID = storage.StringPtr(office)
		r.QuarantinedAt = storage.FromMicros(quarantinedUs)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &r.ErrorDetails); err != nil {
				return nil, fmt.Errorf("failed to decode quarantine details for %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of matching records.
func (s *Sink) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM quarantined_files"+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count quarantine records: %w", err)
	}
	return n, nil
}
