// Package stores persists resolution history for buildmatrix.
// It records each resolved matrix with its jobs, the results of running
// those jobs, and an append-only event log, in SQLite with embedded
// migrations.
package stores
