package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/devenv/pkg/engine"
)

// AcquireLock implements engine.StateStore. The insert only replaces an
// existing row when that row has expired, so two processes racing for the
// same environment cannot both succeed.
func (s *SQLiteStore) AcquireLock(ctx context.Context, lock *engine.LockInfo) error {
	if lock.Environment == "" || lock.Owner == "" {
		return fmt.Errorf("lock requires environment and owner")
	}

	query := `
		INSERT INTO env_locks (environment, owner, operation, hostname, pid, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(environment) DO UPDATE SET
			owner = excluded.owner,
			operation = excluded.operation,
			hostname = excluded.hostname,
			pid = excluded.pid,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE env_locks.expires_at <= excluded.acquired_at
	`

	result, err := s.db.ExecContext(ctx, query,
		lock.Environment,
		lock.Owner,
		lock.Operation,
		lock.Hostname,
		lock.PID,
		toNanos(lock.AcquiredAt),
		toNanos(lock.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for %s: %w", lock.Environment, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	holder, err := s.GetLock(ctx, lock.Environment)
	if err != nil {
		return err
	}
	return engine.NewLockContentionError(lock.Environment, holder)
}

// RenewLock implements engine.StateStore.
func (s *SQLiteStore) RenewLock(ctx context.Context, name, owner string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE env_locks SET expires_at = ? WHERE environment = ? AND owner = ?",
		toNanos(expiresAt), name, owner)
	if err != nil {
		return fmt.Errorf("failed to renew lock for %s: %w", name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is no longer held by %s", engine.ErrLockLost, name, owner)
	}
	return nil
}

// ReleaseLock implements engine.StateStore.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM env_locks WHERE environment = ? AND owner = ?", name, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", name, err)
	}
	return nil
}

// ForceReleaseLock implements engine.StateStore.
func (s *SQLiteStore) ForceReleaseLock(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM env_locks WHERE environment = ?", name); err != nil {
		return fmt.Errorf("failed to force release lock for %s: %w", name, err)
	}
	return nil
}

// GetLock implements engine.StateStore. An expired lock is still returned;
// callers compare ExpiresAt themselves.
func (s *SQLiteStore) GetLock(ctx context.Context, name string) (*engine.LockInfo, error) {
	query := `
		SELECT environment, owner, operation, hostname, pid, acquired_at, expires_at
		FROM env_locks
		WHERE environment = ?
	`

	lock := &engine.LockInfo{}
	var acquired, expires int64
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&lock.Environment,
		&lock.Owner,
		&lock.Operation,
		&lock.Hostname,
		&lock.PID,
		&acquired,
		&expires,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock for %s: %w", name, err)
	}

	lock.AcquiredAt = fromNanos(acquired)
	lock.ExpiresAt = fromNanos(expires)
	return lock, nil
}
