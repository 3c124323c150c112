package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/devenv/pkg/engine"
)

// AppendJournal implements engine.StateStore. The assigned ID is written
// back to entry.
func (s *SQLiteStore) AppendJournal(ctx context.Context, entry *engine.JournalEntry) error {
	if err := entry.Status.Validate(); err != nil {
		return err
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO journal (environment, operation, plan_id, action, status, error, duration_ns, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Environment,
		entry.Operation,
		entry.PlanID,
		entry.Action,
		entry.Status,
		entry.Error,
		int64(entry.Duration),
		toNanos(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get journal entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListJournal implements engine.StateStore. A limit of zero or less returns
// every entry.
func (s *SQLiteStore) ListJournal(ctx context.Context, name string, limit int) ([]*engine.JournalEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, environment, operation, plan_id, action, status, error, duration_ns, timestamp
		FROM journal
		WHERE environment = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal for %s: %w", name, err)
	}
	defer rows.Close()

	entries := []*engine.JournalEntry{}
	for rows.Next() {
		entry := &engine.JournalEntry{}
		var duration, ts int64
		err := rows.Scan(
			&entry.ID,
			&entry.Environment,
			&entry.Operation,
			&entry.PlanID,
			&entry.Action,
			&entry.Status,
			&entry.Error,
			&duration,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.Duration = time.Duration(duration)
		entry.Timestamp = fromNanos(ts)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}

	return entries, nil
}

// PruneJournal deletes entries older than before and returns how many were removed.
func (s *SQLiteStore) PruneJournal(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM journal WHERE timestamp < ?", toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return result.RowsAffected()
}
