package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"beaconservice/go-beacon-admin/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	errNotInitialized = errors.New("store not initialized")
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sightings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			beacon_id TEXT NOT NULL,
			scanner_id TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			tx_power INTEGER,
			recorded_at TEXT NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_beacon_time ON sightings(beacon_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS scanned_beacons (
			beacon_id TEXT PRIMARY KEY,
			scanner_id TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			tx_power INTEGER,
			status TEXT,
			last_seen TEXT NOT NULL,
			resolved_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS beacon_cache (
			beacon_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			info TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id TEXT PRIMARY KEY,
			beacon_id TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_beacon ON lifecycle_events(beacon_id, id);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			beacon_id TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// InsertSighting persists a validated sighting and makes it the scan list
// entry for its beacon. A resolved status survives new sightings.
func (s *Store) InsertSighting(ctx context.Context, sg model.Sighting) error {
	if s.db == nil {
		return errNotInitialized
	}

	recordedAt := sg.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	ts := formatTime(recordedAt)

	var txPower sql.NullInt64
	if sg.TxPower != nil {
		txPower = sql.NullInt64{Int64: int64(*sg.TxPower), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sighting tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sightings (beacon_id, scanner_id, rssi, tx_power, recorded_at) VALUES (?, ?, ?, ?, ?);`,
		sg.BeaconID, sg.ScannerID, sg.RSSI, txPower, ts,
	); err != nil {
		return fmt.Errorf("insert sighting: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scanned_beacons (beacon_id, scanner_id, rssi, tx_power, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(beacon_id)
		 DO UPDATE SET scanner_id = excluded.scanner_id,
				 rssi = excluded.rssi,
				 tx_power = excluded.tx_power,
				 last_seen = excluded.last_seen
		 WHERE excluded.last_seen >= scanned_beacons.last_seen;`,
		sg.BeaconID, sg.ScannerID, sg.RSSI, txPower, ts,
	); err != nil {
		return fmt.Errorf("upsert scanned beacon: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sighting: %w", err)
	}
	return nil
}

// SetScanStatus records the resolved registration status of a scanned beacon.
func (s *Store) SetScanStatus(ctx context.Context, beaconID string, status model.Status, resolvedAt time.Time) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE scanned_beacons SET status = ?, resolved_at = ? WHERE beacon_id = ?;`,
		string(status), formatTime(resolvedAt), beaconID,
	)
	if err != nil {
		return fmt.Errorf("set scan status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ScannedBeacon returns the scan list entry for one beacon.
func (s *Store) ScannedBeacon(ctx context.Context, beaconID string) (model.ScannedBeacon, error) {
	if s.db == nil {
		return model.ScannedBeacon{}, errNotInitialized
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT beacon_id, scanner_id, rssi, tx_power, status, last_seen, resolved_at
		 FROM scanned_beacons WHERE beacon_id = ?;`, beaconID)
	b, err := scanScanned(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScannedBeacon{}, ErrNotFound
	}
	if err != nil {
		return model.ScannedBeacon{}, fmt.Errorf("get scanned beacon: %w", err)
	}
	return b, nil
}

// ScanList returns every scanned beacon, strongest signal first.
func (s *Store) ScanList(ctx context.Context) ([]model.ScannedBeacon, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT beacon_id, scanner_id, rssi, tx_power, status, last_seen, resolved_at
		 FROM scanned_beacons ORDER BY rssi DESC, beacon_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query scan list: %w", err)
	}
	defer rows.Close()

	beacons := make([]model.ScannedBeacon, 0)
	for rows.Next() {
		b, err := scanScanned(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scanned beacon: %w", err)
		}
		beacons = append(beacons, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan list: %w", err)
	}
	return beacons, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanned(r rowScanner) (model.ScannedBeacon, error) {
	var (
		b          model.ScannedBeacon
		txPower    sql.NullInt64
		status     sql.NullString
		lastSeen   string
		resolvedAt sql.NullString
	)
	if err := r.Scan(&b.BeaconID, &b.ScannerID, &b.RSSI, &txPower, &status, &lastSeen, &resolvedAt); err != nil {
		return model.ScannedBeacon{}, err
	}
	if txPower.Valid {
		power := int(txPower.Int64)
		b.TxPower = &power
	}
	b.Status = model.Status(status.String)
	b.LastSeen = parseTime(lastSeen)
	if resolvedAt.Valid {
		b.ResolvedAt = parseTime(resolvedAt.String)
	}
	return b, nil
}

// RecentSightings returns the latest sightings of a beacon, newest first.
func (s *Store) RecentSightings(ctx context.Context, beaconID string, limit int) ([]model.Sighting, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT beacon_id, scanner_id, rssi, tx_power, recorded_at FROM sightings
		 WHERE beacon_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?;`,
		beaconID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sightings: %w", err)
	}
	defer rows.Close()

	sightings := make([]model.Sighting, 0, limit)
	for rows.Next() {
		var (
			sg         model.Sighting
			txPower    sql.NullInt64
			recordedAt string
		)
		if err := rows.Scan(&sg.BeaconID, &sg.ScannerID, &sg.RSSI, &txPower, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan sighting: %w", err)
		}
		if txPower.Valid {
			power := int(txPower.Int64)
			sg.TxPower = &power
		}
		sg.Timestamp = parseTime(recordedAt)
		sightings = append(sightings, sg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sightings: %w", err)
	}
	return sightings, nil
}

// CacheBeacon stores the latest known registration record of a beacon and
// mirrors its status into the scan list.
func (s *Store) CacheBeacon(ctx context.Context, info model.BeaconInfo) error {
	if s.db == nil {
		return errNotInitialized
	}
	if info.BeaconID == "" {
		return fmt.Errorf("cache beacon: missing beacon id")
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode beacon info: %w", err)
	}
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO beacon_cache (beacon_id, status, info, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(beacon_id) DO UPDATE SET status = excluded.status, info = excluded.info, updated_at = excluded.updated_at;`,
		info.BeaconID, string(info.Status), string(raw), now,
	); err != nil {
		return fmt.Errorf("cache beacon: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE scanned_beacons SET status = ?, resolved_at = ? WHERE beacon_id = ?;`,
		string(info.Status), now, info.BeaconID,
	); err != nil {
		return fmt.Errorf("mirror scan status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache: %w", err)
	}
	return nil
}

// CachedBeacon returns the cached registration record of a beacon.
func (s *Store) CachedBeacon(ctx context.Context, beaconID string) (model.BeaconInfo, error) {
	if s.db == nil {
		return model.BeaconInfo{}, errNotInitialized
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT info FROM beacon_cache WHERE beacon_id = ?;`, beaconID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BeaconInfo{}, ErrNotFound
	}
	if err != nil {
		return model.BeaconInfo{}, fmt.Errorf("get cached beacon: %w", err)
	}

	var info model.BeaconInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return model.BeaconInfo{}, fmt.Errorf("decode cached beacon: %w", err)
	}
	return info, nil
}

// InsertLifecycleEvent appends to the lifecycle log.
func (s *Store) InsertLifecycleEvent(ctx context.Context, e model.LifecycleEvent) error {
	if s.db == nil {
		return errNotInitialized
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (id, beacon_id, action, outcome, error, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		e.ID, e.BeaconID, e.Action, e.Outcome, e.Error, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// LifecycleEvents returns the newest events of a beacon first. Event ids sort
// by creation time.
func (s *Store) LifecycleEvents(ctx context.Context, beaconID string, limit int) ([]model.LifecycleEvent, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, beacon_id, action, outcome, error, created_at FROM lifecycle_events
		 WHERE beacon_id = ? ORDER BY id DESC LIMIT ?;`,
		beaconID, limit)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	events := make([]model.LifecycleEvent, 0)
	for rows.Next() {
		var (
			e         model.LifecycleEvent
			errText   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.BeaconID, &e.Action, &e.Outcome, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		e.Error = errText.String
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle events: %w", err)
	}
	return events, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return errNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (beacon_id, payload, error) VALUES (?, ?, ?);`,
		e.BeaconID,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// IngestionErrors returns the most recent ingestion errors, newest first.
func (s *Store) IngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT beacon_id, payload, error FROM ingestion_errors ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	var out []model.IngestionError
	for rows.Next() {
		var beaconID, payload sql.NullString
		var e model.IngestionError
		if err := rows.Scan(&beaconID, &payload, &e.Error); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		e.BeaconID = beaconID.String
		e.Payload = payload.String
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}
	return out, nil
}

// timeLayout is fixed width so stored timestamps compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}
