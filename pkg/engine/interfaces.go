package engine

import (
	"context"
	"time"

	"github.com/openfroyo/devenv/pkg/envspec"
)

// StateStore persists state records, environment locks and the journal.
// Every write is atomic: a reader never observes a partially written record.
type StateStore interface {
	// GetRecord returns ErrRecordNotFound when the environment is unknown.
	GetRecord(ctx context.Context, name string) (*StateRecord, error)

	// PutRecord inserts or replaces a record. Version and UpdatedAt are
	// maintained by the store.
	PutRecord(ctx context.Context, record *StateRecord) error

	// DeleteRecord removes a record. Deleting an absent record succeeds.
	DeleteRecord(ctx context.Context, name string) error

	// ListRecords returns all records ordered by name.
	ListRecords(ctx context.Context) ([]*StateRecord, error)

	// AcquireLock takes the exclusive lock for lock.Environment. It fails
	// immediately with a LockContention error when an unexpired lock is held.
	AcquireLock(ctx context.Context, lock *LockInfo) error

	// RenewLock moves the expiry of the lock held by owner to expiresAt. It
	// returns an error matching ErrLockLost when owner no longer holds it.
	RenewLock(ctx context.Context, name, owner string, expiresAt time.Time) error

	// ReleaseLock releases the lock if owner still holds it.
	ReleaseLock(ctx context.Context, name, owner string) error

	// ForceReleaseLock releases the lock regardless of owner.
	ForceReleaseLock(ctx context.Context, name string) error

	// GetLock returns the current holder, or nil when unlocked.
	GetLock(ctx context.Context, name string) (*LockInfo, error)

	// AppendJournal appends an entry to the environment's journal.
	AppendJournal(ctx context.Context, entry *JournalEntry) error

	// ListJournal returns the newest entries first.
	ListJournal(ctx context.Context, name string, limit int) ([]*JournalEntry, error)
}

// SpecSource resolves an environment name to its validated spec.
type SpecSource interface {
	// Lookup returns an error matching envspec.ErrInvalidSpec when the spec
	// exists but is invalid.
	Lookup(ctx context.Context, name string) (*envspec.EnvironmentSpec, error)
}

// SpecChecker applies additional rules, such as policies, to a loaded spec.
type SpecChecker interface {
	// CheckSpec returns an error matching envspec.ErrInvalidSpec on violation.
	CheckSpec(ctx context.Context, spec *envspec.EnvironmentSpec) error
}
