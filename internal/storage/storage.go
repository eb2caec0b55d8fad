// Package storage provides SQLite-backed persistence for alerts, trigger state, and quota usage.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/tickwatch/internal/models"
	"github.com/rewired-gh/tickwatch/internal/quota"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/tickwatch/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "tickwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			owner_id        INTEGER NOT NULL,
			destination_id  INTEGER NOT NULL,
			symbol          TEXT NOT NULL,
			asset_class     TEXT NOT NULL,
			direction       TEXT NOT NULL,
			target          REAL NOT NULL,
			hysteresis_bps  INTEGER NOT NULL,
			permanent       INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trigger_state (
			alert_id        TEXT PRIMARY KEY REFERENCES alerts(id) ON DELETE CASCADE,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quota_usage (
			user_id         INTEGER NOT NULL,
			quota           TEXT NOT NULL,
			day             TEXT NOT NULL,
			count           INTEGER NOT NULL,
			PRIMARY KEY (user_id, quota)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_owner ON alerts(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save inserts a or updates the stored alert with the same ID. Trigger state is kept on update.
func (s *Storage) Save(a models.Alert) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid alert: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT INTO alerts
			(id, owner_id, destination_id, symbol, asset_class, direction,
			 target, hysteresis_bps, permanent, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id=excluded.owner_id, destination_id=excluded.destination_id,
			symbol=excluded.symbol, asset_class=excluded.asset_class,
			direction=excluded.direction, target=excluded.target,
			hysteresis_bps=excluded.hysteresis_bps, permanent=excluded.permanent`,
		a.ID, a.OwnerID, a.DestinationID, a.Symbol, string(a.AssetClass), string(a.Direction),
		a.Target, a.HysteresisBps, boolToInt(a.Permanent), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// All returns every alert, oldest first.
func (s *Storage) All() ([]models.Alert, error) {
	return s.queryAlerts(`SELECT ` + alertCols + ` FROM alerts ORDER BY created_at, rowid`)
}

func (s *Storage) ByOwner(ownerID int64) ([]models.Alert, error) {
	return s.queryAlerts(`SELECT `+alertCols+` FROM alerts WHERE owner_id = ? ORDER BY created_at, rowid`, ownerID)
}

func (s *Storage) Get(id string) (models.Alert, error) {
	row := s.db.QueryRow(`SELECT `+alertCols+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Alert{}, models.ErrNotFound
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// Remove deletes the alert with a's ID. Its trigger state goes with it.
func (s *Storage) Remove(a models.Alert) error {
	if _, err := s.db.Exec(`DELETE FROM alerts WHERE id = ?`, a.ID); err != nil {
		return fmt.Errorf("failed to remove alert: %w", err)
	}
	return nil
}

func (s *Storage) queryAlerts(query string, args ...any) ([]models.Alert, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SaveTriggerStates replaces the stored trigger set with the triggered entries of states.
// IDs of alerts that are no longer stored are ignored.
func (s *Storage) SaveTriggerStates(states map[string]bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM trigger_state`); err != nil {
		return fmt.Errorf("failed to clear trigger state: %w", err)
	}

	now := time.Now().UnixNano()
	for id, triggered := range states {
		if !triggered {
			continue
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO trigger_state (alert_id, updated_at)
			SELECT id, ? FROM alerts WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("failed to save trigger state: %w", err)
		}
	}
	return tx.Commit()
}

// LoadTriggerStates returns the IDs of alerts that were triggered at the last checkpoint.
func (s *Storage) LoadTriggerStates() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT alert_id FROM trigger_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan trigger state: %w", err)
		}
		states[id] = true
	}
	return states, rows.Err()
}

// Load implements quota.UsageTable. A missing row is a zero Usage.
func (s *Storage) Load(userID int64, quotaName string) (quota.Usage, error) {
	var u quota.Usage
	err := s.db.QueryRow(`SELECT day, count FROM quota_usage WHERE user_id = ? AND quota = ?`,
		userID, quotaName).Scan(&u.Day, &u.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Usage{}, nil
	}
	if err != nil {
		return quota.Usage{}, fmt.Errorf("failed to load quota usage: %w", err)
	}
	return u, nil
}

// Store implements quota.UsageTable.
func (s *Storage) Store(userID int64, quotaName string, u quota.Usage) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO quota_usage (user_id, quota, day, count)
		VALUES (?,?,?,?)`, userID, quotaName, u.Day, u.Count)
	if err != nil {
		return fmt.Errorf("failed to store quota usage: %w", err)
	}
	return nil
}

const alertCols = `id, owner_id, destination_id, symbol, asset_class, direction,
	target, hysteresis_bps, permanent, created_at`

func scanAlert(scan func(...any) error) (models.Alert, error) {
	var a models.Alert
	var assetClass, direction string
	var permanent int
	var createdAtNano int64
	err := scan(
		&a.ID, &a.OwnerID, &a.DestinationID, &a.Symbol, &assetClass, &direction,
		&a.Target, &a.HysteresisBps, &permanent, &createdAtNano,
	)
	if err != nil {
		return models.Alert{}, err
	}
	a.AssetClass = models.AssetClass(assetClass)
	a.Direction = models.Direction(direction)
	a.Permanent = permanent != 0
	a.CreatedAt = time.Unix(0, createdAtNano)
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
