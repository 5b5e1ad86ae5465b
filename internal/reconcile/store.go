package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/exposure-ingest/internal/canonical"
	"github.com/rcourtman/exposure-ingest/internal/storage"
)

// mergePolicy says how a column behaves when a row already exists.
type mergePolicy int

const (
	keepExisting mergePolicy = iota // key columns, first_seen, created_at
	overwrite                       // status, severity, event_action, event_kind
	coalesceIncoming                // COALESCE(incoming, existing)
	maxOf                           // last_seen
)

type column struct {
	name   string
	policy mergePolicy
}

var columns = []column{
	{"office_id", keepExisting},
	{"exposure_id", keepExisting},
	{"exposure_class", coalesceIncoming},
	{"status", overwrite},
	{"dst_ip", coalesceIncoming},
	{"dst_port", coalesceIncoming},
	{"protocol", coalesceIncoming},
	{"transport", coalesceIncoming},
	{"network_direction", coalesceIncoming},
	{"severity", overwrite},
	{"risk_score", coalesceIncoming},
	{"confidence", coalesceIncoming},
	{"first_seen_us", keepExisting},
	{"last_seen_us", maxOf},
	{"asset_id", coalesceIncoming},
	{"asset_hostname", coalesceIncoming},
	{"asset_ip", coalesceIncoming},
	{"asset_mac", coalesceIncoming},
	{"asset_os", coalesceIncoming},
	{"asset_managed", coalesceIncoming},
	{"service_name", coalesceIncoming},
	{"service_product", coalesceIncoming},
	{"service_version", coalesceIncoming},
	{"service_tls", coalesceIncoming},
	{"service_auth", coalesceIncoming},
	{"service_bind_scope", coalesceIncoming},
	{"service_json", coalesceIncoming},
	{"resource_json", coalesceIncoming},
	{"event_action", overwrite},
	{"event_kind", overwrite},
	{"scanner_id", coalesceIncoming},
	{"scanner_type", coalesceIncoming},
	{"office_name", coalesceIncoming},
	{"office_region", coalesceIncoming},
	{"office_network_zone", coalesceIncoming},
	{"data_class_json", coalesceIncoming},
	{"disposition_ticket", coalesceIncoming},
	{"disposition_owner", coalesceIncoming},
	{"disposition_sla", coalesceIncoming},
	{"created_at_us", keepExisting},
	{"updated_at_us", overwrite},
}

// args returns the row values in column order.
func (x *Exposure) args() []any {
	return []any{
		x.OfficeID,
		x.ExposureID,
		string(x.Class),
		string(x.Status),
		storage.NullString(x.DstIP),
		storage.NullInt(x.DstPort),
		x.Protocol,
		string(x.Transport),
		storage.NullString(enumString(x.NetworkDirection)),
		x.Severity,
		storage.NullFloat(x.RiskScore),
		storage.NullFloat(x.Confidence),
		storage.Micros(x.FirstSeen),
		storage.Micros(x.LastSeen),
		x.AssetID,
		storage.NullString(x.AssetHostname),
		storage.NullString(x.AssetIP),
		storage.NullString(x.AssetMAC),
		storage.NullString(x.AssetOS),
		storage.NullBool(x.AssetManaged),
		storage.NullString(x.ServiceName),
		storage.NullString(x.ServiceProduct),
		storage.NullString(x.ServiceVersion),
		storage.NullBool(x.ServiceTLS),
		storage.NullString(x.ServiceAuth),
		storage.NullString(x.ServiceBindScope),
		storage.NullString(x.ServiceJSON),
		storage.NullString(x.ResourceJSON),
		string(x.EventAction),
		string(x.EventKind),
		x.ScannerID,
		x.ScannerType,
		x.OfficeName,
		storage.NullString(x.OfficeRegion),
		storage.NullString(x.OfficeNetworkZone),
		storage.NullString(x.DataClassJSON),
		storage.NullString(x.DispositionTicket),
		storage.NullString(x.DispositionOwner),
		storage.NullString(x.DispositionSLA),
		storage.Micros(x.CreatedAt),
		storage.Micros(x.UpdatedAt),
	}
}

// upsertSQL builds the single merge statement. The revision column starts
// at 1 and is bumped on every conflict, so RETURNING revision tells an
// insert from an update without a prior read.
func upsertSQL(greatest string) string {
	names := make([]string, len(columns))
	marks := make([]string, len(columns))
	var sets []string
	for i, c := range columns {
		names[i] = c.name
		marks[i] = "?"
		switch c.policy {
		case overwrite:
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c.name, c.name))
		case coalesceIncoming:
			sets = append(sets, fmt.Sprintf("%s = COALESCE(excluded.%s, exposures_current.%s)", c.name, c.name, c.name))
		case maxOf:
			sets = append(sets, fmt.Sprintf("%s = %s(exposures_current.%s, excluded.%s)", c.name, greatest, c.name, c.name))
		case keepExisting:
		}
	}
	sets = append(sets, "revision = exposures_current.revision + 1")

	return fmt.Sprintf(`INSERT INTO exposures_current (%s, revision) VALUES (%s, 1)
	ON CONFLICT (office_id, exposure_id) DO UPDATE SET %s
	RETURNING revision`,
		strings.Join(names, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "))
}

func selectSQL() string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}
	return "SELECT " + strings.Join(names, ", ") + ", revision FROM exposures_current"
}

// Outcome reports what a merge did to the current-state table.
type Outcome struct {
	Inserted bool
	Revision int64
}

// Store reads and merges the current-state view.
type Store struct {
	db     *storage.DB
	upsert string
	sel    string
	now    func() time.Time
}

// NewStore creates a reconciliation store on the shared handle.
func NewStore(db *storage.DB) *Store {
	return &Store{
		db:     db,
		upsert: db.Rebind(upsertSQL(db.Greatest())),
		sel:    selectSQL(),
		now:    time.Now,
	}
}

// Merge applies one event to the current state inside the caller's
// transaction as a single atomic upsert.
func (s *Store) Merge(ctx context.Context, tx storage.Querier, e *canonical.Event) (Outcome, error) {
	row, err := FromEvent(e, s.now())
	if err != nil {
		return Outcome{}, err
	}

	var revision int64
	if err := tx.QueryRowContext(ctx, s.upsert, row.args()...).Scan(&revision); err != nil {
		log.Debug().
			Err(err).
			Str("office_id", row.OfficeID).
			Str("exposure_id", row.ExposureID).
			Msg("Current-state merge failed")
		return Outcome{}, storage.Classify("merge_exposure", fmt.Errorf("merge exposure %s/%s: %w", row.OfficeID, row.ExposureID, err))
	}
	return Outcome{Inserted: revision == 1, Revision: revision}, nil
}

// Get returns the current state of one exposure, or nil when unknown.
func (s *Store) Get(ctx context.Context, officeID, exposureID string) (*Exposure, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		s.db.Rebind(s.sel+" WHERE office_id = ? AND exposure_id = ?"), officeID, exposureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposure: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	x, err := scanExposure(rows)
	if err != nil {
		return nil, err
	}
	return &x, rows.Err()
}

// Filter selects current-state rows.
type Filter struct {
	OfficeID    string
	Status      canonical.ExposureStatus
	Class       canonical.ExposureClass
	AssetID     string
	MinSeverity int
	Limit       int
	Offset      int
}

func (f Filter) where() (string, []any) {
	clause := " WHERE 1=1"
	args := []any{}

	if f.OfficeID != "" {
		clause += " AND office_id = ?"
		args = append(args, f.OfficeID)
	}
	if f.Status != "" {
		clause += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Class != "" {
		clause += " AND exposure_class = ?"
		args = append(args, string(f.Class))
	}
	if f.AssetID != "" {
		clause += " AND asset_id = ?"
		args = append(args, f.AssetID)
	}
	if f.MinSeverity > 0 {
		clause += " AND severity >= ?"
		args = append(args, f.MinSeverity)
	}
	return clause, args
}

// List returns matching rows, most severe first, then most recently seen.
func (s *Store) List(ctx context.Context, filter Filter) ([]Exposure, error) {
	where, args := filter.where()
	query := s.sel + where + " ORDER BY severity DESC, last_seen_us DESC, office_id, exposure_id"

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
		return nil, fmt.Errorf("failed to query exposures: %w", err)
	}
	defer rows.Close()

	var out []Exposure
	for rows.Next() {
		x, err := scanExposure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// Count returns the number of matching rows.
func (s *Store) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()
	var n int
	err := s.db.SQL().QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM exposures_current"+where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count exposures: %w", err)
	}
	return n, nil
}

func scanExposure(rows *sql.Rows) (Exposure, error) {
	var (
		x                                                 Exposure
		class, status, transport, action, kind            string
		dstIP, direction, hostname, assetIP, mac, os      sql.NullString
		svcName, svcProduct, svcVersion, svcAuth, svcBind sql.NullString
		svcJSON, resJSON, region, zone, dataClass         sql.NullString
		ticket, owner, sla                                sql.NullString
		dstPort                                           sql.NullInt64
		riskScore, confidence                             sql.NullFloat64
		managed, tls                                      sql.NullBool
		firstUs, lastUs, createdUs, updatedUs             int64
	)
	err := rows.Scan(
		&x.OfficeID, &x.ExposureID, &class, &status, &dstIP, &dstPort,
		&x.Protocol, &transport, &direction, &x.Severity, &riskScore, &confidence,
		&firstUs, &lastUs, &x.AssetID, &hostname, &assetIP, &mac, &os, &managed,
		&svcName, &svcProduct, &svcVersion, &tls, &svcAuth, &svcBind, &svcJSON,
		&resJSON, &action, &kind, &x.ScannerID, &x.ScannerType, &x.OfficeName,
		&region, &zone, &dataClass, &ticket, &owner, &sla, &createdUs, &updatedUs,
		&x.Revision,
	)
	if err != nil {
		return Exposure{}, fmt.Errorf("failed to scan exposure: %w", err)
	}

	x.Class = canonical.ExposureClass(class)
	x.Status = canonical.ExposureStatus(status)
	x.Transport = canonical.Transport(transport)
	x.EventAction = canonical.EventAction(action)
	x.EventKind = canonical.EventKind(kind)
	x.DstIP = storage.StringPtr(dstIP)
	x.DstPort = storage.IntPtr(dstPort)
	if direction.Valid {
		d := canonical.NetworkDirection(direction.String)
		x.NetworkDirection = &d
	}
	x.RiskScore = storage.FloatPtr(riskScore)
	x.Confidence = storage.FloatPtr(confidence)
	x.FirstSeen = storage.FromMicros(firstUs)
	x.LastSeen = storage.FromMicros(lastUs)
	x.AssetHostname = storage.StringPtr(hostname)
	x.AssetIP = storage.StringPtr(assetIP)
	x.AssetMAC = storage.StringPtr(mac)
	x.AssetOS = storage.StringPtr(os)
	x.AssetManaged = storage.BoolPtr(managed)
	x.ServiceName = storage.StringPtr(svcName)
	x.ServiceProduct = storage.StringPtr(svcProduct)
	x.ServiceVersion = storage.StringPtr(svcVersion)
	x.ServiceTLS = storage.BoolPtr(tls)
	x.ServiceAuth = storage.StringPtr(svcAuth)
	x.ServiceBindScope = storage.StringPtr(svcBind)
	x.ServiceJSON = storage.StringPtr(svcJSON)
	x.ResourceJSON = storage.StringPtr(resJSON)
	x.OfficeRegion = storage.StringPtr(region)
	x.OfficeNetworkZone = storage.StringPtr(zone)
	x.DataClassJSON = storage.StringPtr(dataClass)
	x.DispositionTicket = storage.StringPtr(ticket)
	x.DispositionOwner = storage.StringPtr(owner)
	x.DispositionSLA = storage.StringPtr(sla)
	x.CreatedAt = storage.FromMicros(createdUs)
	x.UpdatedAt = storage.FromMicros(updatedUs)
	return x, nil
}
