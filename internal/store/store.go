// Package store persists node state (owned domain records, trust scores,
// the blacklist) in a SQLite database. Schema changes ship as embedded
// migrations and are applied on open.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/httptim/rednetd/internal/dnscore"
	"github.com/httptim/rednetd/internal/rederr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite connection. It implements dnscore.Persister and
// dispute.TrustPersister.
type Store struct {
	conn *sql.DB
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{conn: conn}, nil
}

func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("prepare migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Health checks database connectivity.
func (s *Store) Health() error {
	return s.conn.Ping()
}

// SaveRecord upserts an owned domain record.
func (s *Store) SaveRecord(rec dnscore.Record) error {
	_, err := s.conn.Exec(`
		INSERT INTO dns_records (domain, kind, owner_id, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			kind = excluded.kind,
			owner_id = excluded.owner_id,
			registered_at = excluded.registered_at
	`, rec.Domain, string(rec.Kind), rec.OwnerID, rec.RegisteredAt)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.Domain, err)
	}
	return nil
}

// DeleteRecord removes an owned domain record.
func (s *Store) DeleteRecord(domain string) error {
	_, err := s.conn.Exec("DELETE FROM dns_records WHERE domain = ?", domain)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", domain, err)
	}
	return nil
}

// LoadRecords returns all owned domain records.
func (s *Store) LoadRecords() ([]dnscore.Record, error) {
	rows, err := s.conn.Query("SELECT domain, kind, owner_id, registered_at FROM dns_records")
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []dnscore.Record
	for rows.Next() {
		var rec dnscore.Record
		var kind string
		if err := rows.Scan(&rec.Domain, &kind, &rec.OwnerID, &rec.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = dnscore.Kind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveTrust upserts one node's trust score.
func (s *Store) SaveTrust(nodeID int, score float64) error {
	_, err := s.conn.Exec(`
		INSERT INTO trust (node_id, score, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(node_id) DO UPDATE SET
			score = excluded.score,
			updated_at = CURRENT_TIMESTAMP
	`, nodeID, score)
	if err != nil {
		return fmt.Errorf("save trust for node %d: %w", nodeID, err)
	}
	return nil
}

// LoadTrust returns all persisted trust scores.
func (s *Store) LoadTrust() (map[int]float64, error) {
	rows, err := s.conn.Query("SELECT node_id, score FROM trust")
	if err != nil {
		return nil, fmt.Errorf("load trust: %w", err)
	}
	defer rows.Close()

	out := make(map[int]float64)
	for rows.Next() {
		var id int
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan trust: %w", err)
		}
		out[id] = score
	}
	return out, rows.Err()
}

// SaveBlacklist upserts a blacklist entry.
func (s *Store) SaveBlacklist(nodeID int, until time.Time) error {
	_, err := s.conn.Exec(`
		INSERT INTO blacklist (node_id, until)
		VALUES (?, ?)
		ON CONFLICT(node_id) DO UPDATE SET until = excluded.until
	`, nodeID, until.UnixMilli())
	if err != nil {
		return fmt.Errorf("save blacklist for node %d: %w", nodeID, err)
	}
	return nil
}

// LoadBlacklist returns active blacklist entries and prunes expired ones.
func (s *Store) LoadBlacklist() (map[int]time.Time, error) {
	now := time.Now().UnixMilli()
	if _, err := s.conn.Exec("DELETE FROM blacklist WHERE until <= ?", now); err != nil {
		return nil, fmt.Errorf("prune blacklist: %w", err)
	}

	rows, err := s.conn.Query("SELECT node_id, until FROM blacklist")
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var id int
		var until int64
		if err := rows.Scan(&id, &until); err != nil {
			return nil, fmt.Errorf("scan blacklist: %w", err)
		}
		out[id] = time.UnixMilli(until)
	}
	return out, rows.Err()
}

// GetMeta reads one metadata value.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.conn.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %s: %w", key, rederr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts one metadata value.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.conn.Exec(`
		INSERT INTO meta (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
