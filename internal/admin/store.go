// Package admin backs the operator console: machine settings, the audit log,
// and the maintenance operations behind the PIN.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/printbit/kiosk/internal/idgen"
)

// maxLogs caps the audit log. Oldest entries are pruned past this.
const maxLogs = 3000

// Pricing is the per-page price table.
type Pricing struct {
	PrintPerPage   float64 `json:"printPerPage"`
	CopyPerPage    float64 `json:"copyPerPage"`
	ColorSurcharge float64 `json:"colorSurcharge"`
}

// Settings is the operator-tunable machine configuration.
type Settings struct {
	Pricing            Pricing `json:"pricing"`
	IdleTimeoutSeconds int     `json:"idleTimeoutSeconds"`
	AdminPin           string  `json:"adminPin"`
	AdminLocalOnly     bool    `json:"adminLocalOnly"`
}

// DefaultSettings returns the factory configuration.
func DefaultSettings() Settings {
	return Settings{
		Pricing: Pricing{
			PrintPerPage:   5,
			CopyPerPage:    3,
			ColorSurcharge: 2,
		},
		IdleTimeoutSeconds: 120,
		AdminPin:           "1234",
		AdminLocalOnly:     true,
	}
}

// LogEntry is one audit log record. Meta is free-form structured context.
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Store persists settings and the audit log in SQLite. Settings are cached in
// memory because the admin middleware consults them on every request.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.RWMutex
	settings Settings
}

// Open opens (creating if needed) the admin database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open admin db: %w", err)
	}
	// SQLite allows a single writer; serialize access at the pool level.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadSettings(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS settings (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	print_per_page       REAL    NOT NULL,
	copy_per_page        REAL    NOT NULL,
	color_surcharge      REAL    NOT NULL,
	idle_timeout_seconds INTEGER NOT NULL,
	admin_pin            TEXT    NOT NULL,
	admin_local_only     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS admin_logs (
	id        TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	type      TEXT NOT NULL,
	message   TEXT NOT NULL,
	meta      TEXT
);
CREATE INDEX IF NOT EXISTS idx_admin_logs_timestamp ON admin_logs (timestamp DESC);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate admin db: %w", err)
	}

	def := DefaultSettings()
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO settings
	(id, print_per_page, copy_per_page, color_surcharge, idle_timeout_seconds, admin_pin, admin_local_only)
VALUES (1, ?, ?, ?, ?, ?, ?)`,
		def.Pricing.PrintPerPage, def.Pricing.CopyPerPage, def.Pricing.ColorSurcharge,
		def.IdleTimeoutSeconds, def.AdminPin, boolInt(def.AdminLocalOnly))
	if err != nil {
		return fmt.Errorf("seed admin settings: %w", err)
	}
	return nil
}

func (s *Store) loadSettings(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `
SELECT print_per_page, copy_per_page, color_surcharge, idle_timeout_seconds, admin_pin, admin_local_only
FROM settings WHERE id = 1`)

	var st Settings
	var localOnly int
	err := row.Scan(
		&st.Pricing.PrintPerPage, &st.Pricing.CopyPerPage, &st.Pricing.ColorSurcharge,
		&st.IdleTimeoutSeconds, &st.AdminPin, &localOnly)
	if err != nil {
		return fmt.Errorf("load admin settings: %w", err)
	}
	st.AdminLocalOnly = localOnly != 0

	s.mu.Lock()
	s.settings = st
	s.mu.Unlock()
	return nil
}

// Settings returns the cached settings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings persists and caches a full settings record.
func (s *Store) UpdateSettings(ctx context.Context, st Settings) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE settings SET
	print_per_page = ?, copy_per_page = ?, color_surcharge = ?,
	idle_timeout_seconds = ?, admin_pin = ?, admin_local_only = ?
WHERE id = 1`,
		st.Pricing.PrintPerPage, st.Pricing.CopyPerPage, st.Pricing.ColorSurcharge,
		st.IdleTimeoutSeconds, st.AdminPin, boolInt(st.AdminLocalOnly))
	if err != nil {
		return fmt.Errorf("update admin settings: %w", err)
	}

	s.mu.Lock()
	s.settings = st
	s.mu.Unlock()
	return nil
}

// Append records an audit log entry. Failures are logged and swallowed: the
// audit trail never blocks the operation it describes.
func (s *Store) Append(ctx context.Context, entryType, message string, meta map[string]interface{}) {
	if err := s.append(ctx, entryType, message, meta); err != nil {
		s.logger.Error("audit log append failed", "type", entryType, "error", err)
	}
}

func (s *Store) append(ctx context.Context, entryType, message string, meta map[string]interface{}) error {
	var metaText sql.NullString
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode log meta: %w", err)
		}
		metaText = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO admin_logs (id, timestamp, type, message, meta) VALUES (?, ?, ?, ?, ?)`,
		idgen.New(), time.Now().UTC().Format(time.RFC3339Nano), entryType, message, metaText)
	if err != nil {
		return fmt.Errorf("insert admin log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
DELETE FROM admin_logs WHERE id NOT IN
	(SELECT id FROM admin_logs ORDER BY timestamp DESC LIMIT ?)`, maxLogs)
	if err != nil {
		return fmt.Errorf("prune admin logs: %w", err)
	}
	return nil
}

// Logs returns up to limit entries, newest first.
func (s *Store) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, timestamp, type, message, meta
FROM admin_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query admin logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// EarningsSince sums confirmed payment amounts recorded at or after since,
// reading them back out of the audit log meta.
func (s *Store) EarningsSince(ctx context.Context, since time.Time) (float64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, timestamp, type, message, meta
FROM admin_logs WHERE type = 'payment_confirmed' AND timestamp >= ?`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("query payment logs: %w", err)
	}
	defer rows.Close()

	var total float64
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return 0, err
		}
		if amount, ok := entry.Meta["amount"].(float64); ok && amount > 0 {
			total += amount
		}
	}
	return total, rows.Err()
}

func scanLogEntry(rows *sql.Rows) (LogEntry, error) {
	var entry LogEntry
	var ts string
	var metaText sql.NullString
	if err := rows.Scan(&entry.ID, &ts, &entry.Type, &entry.Message, &metaText); err != nil {
		return LogEntry{}, fmt.Errorf("scan admin log: %w", err)
	}
	entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if metaText.Valid {
		_ = json.Unmarshal([]byte(metaText.String), &entry.Meta)
	}
	return entry, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
