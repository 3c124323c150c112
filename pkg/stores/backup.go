package stores

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Backup writes a consistent copy of the database to dest.
func (s *SQLiteStore) Backup(ctx context.Context, dest string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup destination %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}

	log.Info().Str("path", dest).Msg("state backed up")
	return nil
}

// Restore replaces the database file at dbPath with the backup at src. No
// store may have dbPath open.
func Restore(ctx context.Context, src, dbPath string) error {
	if err := verifyIntegrity(ctx, src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := dbPath + ".restore"
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// Stale WAL files would be replayed over the restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to remove %s: %w", dbPath+suffix, err)
		}
	}

	if err := os.Rename(tmp, dbPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace database: %w", err)
	}

	log.Info().Str("from", src).Str("path", dbPath).Msg("state restored")
	return nil
}

func verifyIntegrity(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup not readable: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", filepath.ToSlash(path)))
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup %s is not a state database: %w", path, err)
	}
	if result != "ok" {
		return fmt.Errorf("backup %s failed integrity check: %s", path, result)
	}

	var tables int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('state_records', 'env_locks', 'journal')",
	).Scan(&tables)
	if err != nil {
		return fmt.Errorf("failed to inspect backup: %w", err)
	}
	if tables != 3 {
		return fmt.Errorf("backup %s is not a state database", path)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
