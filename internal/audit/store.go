package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
	"github.com/rcourtman/exposure-ingest/internal/storage"
)

const insertEventSQL = `
	INSERT INTO exposure_events (
		event_id, timestamp_us, office_id, asset_id, exposure_id, exposure_class,
		exposure_status, event_action, event_kind, severity, risk_score, confidence,
		dst_ip, dst_port, protocol, transport, network_direction, service_json,
		resource_json, scanner_id, scanner_type, scan_run_id, dedupe_key,
		raw_payload_json, created_at_us
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectEventColumns = `
	SELECT event_id, timestamp_us, office_id, asset_id, exposure_id, exposure_class,
		exposure_status, event_action, event_kind, severity, risk_score, confidence,
		dst_ip, dst_port, protocol, transport, network_direction, service_json,
		resource_json, scanner_id, scanner_type, scan_run_id, dedupe_key,
		raw_payload_json, created_at_us
	FROM exposure_events`

// Store appends to and reads from the exposure event history.
type Store struct {
	db *storage.DB
}

// NewStore creates an audit store on the shared handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Append inserts records inside the caller's transaction, in order. Inserts
// are unconditional: an existing event id fails the whole call with
// errors.ErrDuplicateEventID.
func (s *Store) Append(ctx context.Context, tx storage.Querier, records []Record) error {
	query := s.db.Rebind(insertEventSQL)
	for i := range records {
		r := &records[i]
		var direction sql.NullString
		if r.NetworkDirection != nil {
			direction = sql.NullString{String: string(*r.NetworkDirection), Valid: true}
		}
		_, err := tx.ExecContext(ctx, query,
			r.EventID,
			storage.Micros(r.Timestamp),
			r.OfficeID,
			r.AssetID,
			r.ExposureID,
			string(r.ExposureClass),
			string(r.ExposureStatus),
			string(r.EventAction),
			string(r.EventKind),
			r.Severity,
			storage.NullFloat(r.RiskScore),
			storage.NullFloat(r.Confidence),
			storage.NullString(r.DstIP),
			storage.NullInt(r.DstPort),
			r.Protocol,
			string(r.Transport),
			direction,
			storage.NullString(r.ServiceJSON),
			storage.NullString(r.ResourceJSON),
			r.ScannerID,
			r.ScannerType,
			storage.NullString(r.ScanRunID),
			storage.NullString(r.DedupeKey),
			r.RawPayloadJSON,
			storage.Micros(r.CreatedAt),
		)
		if err != nil {
			log.Debug().
				Err(err).
				Str("event_id", r.EventID).
				Str("office_id", r.OfficeID).
				Msg("Audit append failed")
			return storage.Classify("append_event", fmt.Errorf("insert event %s: %w", r.EventID, err))
		}
	}
	return nil
}

// Query retrieves history records matching the filter, ordered by event id
// (and therefore by creation time).
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	where, args := filter.where()
	query := selectEventColumns + where + " ORDER BY event_id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		// SQLite requires LIMIT when OFFSET is present.
		if filter.Limit <= 0 && s.db.Driver() == storage.DriverSQLite {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.SQL().QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposure events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                                       Record
			timestampUs, createdUs                  int64
			class, status, action, kind, transport  string
			riskScore, confidence                   sql.NullFloat64
			dstIP, direction, serviceJSON, resource sql.NullString
			scanRunID, dedupeKey                    sql.NullString
			dstPort                                 sql.NullInt64
		)
		err := rows.Scan(
			&r.EventID, &timestampUs, &r.OfficeID, &r.AssetID, &r.ExposureID, &class,
			&status, &action, &kind, &r.Severity, &riskScore, &confidence,
			&dstIP, &dstPort, &r.Protocol, &transport, &direction, &serviceJSON,
			&resource, &r.ScannerID, &r.ScannerType, &scanRunID, &dedupeKey,
			&r.RawPayloadJSON, &createdUs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exposure event: %w", err)
		}

		r.Timestamp = storage.FromMicros(timestampUs)
		r.CreatedAt = storage.FromMicros(createdUs)
		r.ExposureClass = canonical.ExposureClass(class)
		r.ExposureStatus = canonical.ExposureStatus(status)
		r.EventAction = canonical.EventAction(action)
		r.EventKind = canonical.EventKind(kind)
		r.Transport = canonical.Transport(transport)
		r.RiskScore = storage.FloatPtr(riskScore)
		r.Confidence = storage.FloatPtr(confidence)
		r.DstIP = storage.StringPtr(dstIP)
		r.DstPort = storage.IntPtr(dstPort)
		if direction.Valid {
			d := canonical.NetworkDirection(direction.String)
			r.NetworkDirection = &d
		}
		r.ServiceJSON = storage.StringPtr(serviceJSON)
		r.ResourceJSON = storage.StringPtr(resource)
		r.ScanRunID = storage.StringPtr(scanRunID)
		r.DedupeKey = storage.StringPtr(dedupeKey)

		records = append(records, r)
	}

	return records, rows.Err()
}

// Count returns the number of history records matching the filter.
func (s *Store) Count(ctx context.Context, filter QueryFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.SQL().QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM exposure_events"+where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count exposure events: %w", err)
	}
	return count, nil
}

func (f QueryFilter) where() (string, []any) {
	clause := " WHERE 1=1"
	args := []any{}

	if f.OfficeID != "" {
		clause += " AND office_id = ?"
		args = append(args, f.OfficeID)
	}
	if f.ExposureID != "" {
		clause += " AND exposure_id = ?"
		args = append(args, f.ExposureID)
	}
	if f.AssetID != "" {
		clause += " AND asset_id = ?"
		args = append(args, f.AssetID)
	}
	if f.StartTime != nil {
		clause += " AND timestamp_us >= ?"
		args = append(args, storage.Micros(*f.StartTime))
	}
	if f.EndTime != nil {
		clause += " AND timestamp_us <= ?"
		args = append(args, storage.Micros(*f.EndTime))
	}
	return clause, args
}
