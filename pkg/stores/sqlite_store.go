package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/devenv/pkg/engine"
	"github.com/openfroyo/devenv/pkg/envspec"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DefaultBusyTimeout is how long a connection waits on a database locked by
// another process before failing.
const DefaultBusyTimeout = 5 * time.Second

// SQLiteStore implements engine.StateStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var _ engine.StateStore = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or MemoryPath.
	Path string

	// BusyTimeout defaults to DefaultBusyTimeout.
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and sets the connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database lives and dies with it, and
	// writers in this process never contend with each other.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{"PRAGMA foreign_keys = ON"}
	if s.path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) dsn() string {
	busy := int(s.cfg.BusyTimeout / time.Millisecond)
	if s.path == MemoryPath {
		return fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)", busy)
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.ToSlash(s.path), busy)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (uint, error) {
	var version uint
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// GetRecord implements engine.StateStore.
func (s *SQLiteStore) GetRecord(ctx context.Context, name string) (*engine.StateRecord, error) {
	query := `
		SELECT name, spec_fingerprint, image_ref, container_ref, container_status, spec, version, created_at, updated_at
		FROM state_records
		WHERE name = ?
	`

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state record %s: %w", name, err)
	}
	return record, nil
}

// PutRecord implements engine.StateStore. The upsert is a single statement,
// so a concurrent reader sees either the old or the new record.
func (s *SQLiteStore) PutRecord(ctx context.Context, record *engine.StateRecord) error {
	if err := record.ContainerStatus.Validate(); err != nil {
		return err
	}

	var spec []byte
	if record.Spec != nil {
		var err error
		if spec, err = json.Marshal(record.Spec); err != nil {
			return fmt.Errorf("failed to encode spec: %w", err)
		}
	}

	updated := time.Now()
	created := record.CreatedAt
	if created.IsZero() {
		created = updated
	}

	query := `
		INSERT INTO state_records (
			name, spec_fingerprint, image_ref, container_ref, container_status, spec, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			spec_fingerprint = excluded.spec_fingerprint,
			image_ref = excluded.image_ref,
			container_ref = excluded.container_ref,
			container_status = excluded.container_status,
			spec = excluded.spec,
			version = state_records.version + 1,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		record.Name,
		record.SpecFingerprint,
		record.ImageRef,
		record.ContainerRef,
		record.ContainerStatus,
		nullString(spec),
		toNanos(created),
		toNanos(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to put state record %s: %w", record.Name, err)
	}
	return nil
}

// DeleteRecord implements engine.StateStore.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM state_records WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete state record %s: %w", name, err)
	}
	return nil
}

// ListRecords implements engine.StateStore.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*engine.StateRecord, error) {
	query := `
		SELECT name, spec_fingerprint, image_ref, container_ref, container_status, spec, version, created_at, updated_at
		FROM state_records
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list state records: %w", err)
	}
	defer rows.Close()

	records := []*engine.StateRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state records: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*engine.StateRecord, error) {
	record := &engine.StateRecord{}
	var spec sql.NullString
	var created, updated int64
	err := row.Scan(
		&record.Name,
		&record.SpecFingerprint,
		&record.ImageRef,
		&record.ContainerRef,
		&record.ContainerStatus,
		&spec,
		&record.Version,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	if spec.Valid && spec.String != "" {
		record.Spec = &envspec.EnvironmentSpec{}
		if err := json.Unmarshal([]byte(spec.String), record.Spec); err != nil {
			return nil, fmt.Errorf("failed to decode spec of %s: %w", record.Name, err)
		}
	}
	record.CreatedAt = fromNanos(created)
	record.UpdatedAt = fromNanos(updated)
	return record, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
