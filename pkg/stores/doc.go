// Package stores persists environment state in SQLite.
//
// A single database file holds the state record of every environment, the
// per-environment locks that serialize mutating operations, and the journal
// of executed operations and actions. The schema is managed with embedded
// golang-migrate migrations. All timestamps are stored as UTC unix
// nanoseconds.
package stores
