// Package storage persists notification targets and calendar events.
//
// Targets feed the fan-out at fire time and are retired when a transport
// reports them permanently invalid. Events are what the reminder jobs are
// derived from; the sync loop reads them back after a restart because the
// jobs themselves live only in memory.
//
// Drivers:
//   - memory: process-local maps (tests, dry runs)
//   - file:   JSON snapshot plus an append-only journal
//   - sqlite: modernc.org/sqlite database in WAL mode
package storage
