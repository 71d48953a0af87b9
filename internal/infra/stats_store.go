package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

const (
	statsDBName   = "stats.db"
	schemaVersion = "1"
)

// SQLCipherStatsStore implements domain.StatsStore using a SQLCipher
// encrypted SQLite database.
type SQLCipherStatsStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLCipherStatsStore opens (or creates) the encrypted stats database in
// dataDir. The key is used as the SQLCipher passphrase via PRAGMA key.
func NewSQLCipherStatsStore(dataDir string, key []byte) (*SQLCipherStatsStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, statsDBName)
	keyHex := hex.EncodeToString(key)

	// Open with SQLCipher key as DSN parameter
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only surfaces on the first real query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &SQLCipherStatsStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SQLCipherStatsStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stats_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		log_path TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		events_captured INTEGER NOT NULL,
		events_buffered INTEGER NOT NULL,
		bytes_written INTEGER NOT NULL,
		files_rotated INTEGER NOT NULL,
		write_errors INTEGER NOT NULL,
		buffer_overflows INTEGER NOT NULL,
		queue_overflows INTEGER NOT NULL,
		dropped_events INTEGER NOT NULL,
		window_changes INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	return err
}

// Save appends a snapshot. A zero RecordedAt is stamped with the current time.
func (s *SQLCipherStatsStore) Save(ctx context.Context, snap domain.StatsSnapshot) error {
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now()
	}
	st := snap.Stats
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stats_snapshots (
			log_path, recorded_at, events_captured, events_buffered, bytes_written,
			files_rotated, write_errors, buffer_overflows, queue_overflows,
			dropped_events, window_changes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.LogPath, snap.RecordedAt.UnixMilli(),
		int64(st.EventsCaptured), int64(st.EventsBuffered), int64(st.BytesWritten),
		int64(st.FilesRotated), int64(st.WriteErrors), int64(st.BufferOverflows),
		int64(st.QueueOverflows), int64(st.DroppedEvents), int64(st.WindowChanges),
	)
	if err != nil {
		return fmt.Errorf("failed to save stats snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `id, log_path, recorded_at, events_captured, events_buffered,
	bytes_written, files_rotated, write_errors, buffer_overflows, queue_overflows,
	dropped_events, window_changes`

// Latest returns the most recent snapshot, or nil if none exists.
func (s *SQLCipherStatsStore) Latest(ctx context.Context) (*domain.StatsSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM stats_snapshots ORDER BY id DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	return snap, nil
}

// History returns up to limit snapshots, newest first.
func (s *SQLCipherStatsStore) History(ctx context.Context, limit int) ([]domain.StatsSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM stats_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.StatsSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (*domain.StatsSnapshot, error) {
	var (
		snap     domain.StatsSnapshot
		recorded int64
		c        [9]int64
	)
	err := sc.Scan(&snap.ID, &snap.LogPath, &recorded,
		&c[0], &c[1], &c[2], &c[3], &c[4], &c[5], &c[6], &c[7], &c[8])
	if err != nil {
		return nil, err
	}
	snap.RecordedAt = time.UnixMilli(recorded)
	snap.Stats = domain.Stats{
		EventsCaptured:  uint64(c[0]),
		EventsBuffered:  uint64(c[1]),
		BytesWritten:    uint64(c[2]),
		FilesRotated:    uint64(c[3]),
		WriteErrors:     uint64(c[4]),
		BufferOverflows: uint64(c[5]),
		QueueOverflows:  uint64(c[6]),
		DroppedEvents:   uint64(c[7]),
		WindowChanges:   uint64(c[8]),
	}
	return &snap, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were removed.
func (s *SQLCipherStatsStore) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stats_snapshots
		WHERE id NOT IN (SELECT id FROM stats_snapshots ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Path returns the database file path.
func (s *SQLCipherStatsStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLCipherStatsStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ensure SQLCipherStatsStore implements domain.StatsStore.
var _ domain.StatsStore = (*SQLCipherStatsStore)(nil)
