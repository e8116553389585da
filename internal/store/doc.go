// Package store provides the SQLite-backed execution journal.
//
// The journal is append-only. Each scheduler lifetime is a run; every
// submission, suspension, resumption, completion and response within it is
// an event stamped with the run's logical clock:
//
//   - runs:   one row per scheduler lifetime
//   - events: (run_id, seq) keyed lifecycle steps
//
// Ordering always uses seq, never wall time, so a trace of a
// single-baseName workload is reproducible and can be compared against a
// golden file.
//
// # Opening
//
// Open creates and migrates the journal; its settings travel in the DSN so
// every pooled connection gets them. Open(path, ReadOnly()) is for readers
// such as jibbr trace: nothing is created, and a file without the journal
// tables is rejected with ErrNotJournal.
//
// Event detail is stored as canonical JSON (internal/digest).
package store
