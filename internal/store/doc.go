// Package store provides the SQLite-backed durable store for assay.
//
// The store holds four kinds of rows:
//   - Records: write-once input data, keyed by record id
//   - Compounds: write-once content-addressed groupings (insert-if-absent)
//   - Tasks: the only mutable rows, changed exclusively through
//     compare-and-swap updates on (state, owner, trial_count)
//   - Journal: append-only audit entries, ordered by seq
//
// # Concurrency
//
// There is no in-process queue. Every lifecycle step (queue, claim, outcome,
// park, release) is a single conditional UPDATE whose RowsAffected reports
// whether the caller won. Workers in other processes may share the same file.
//
// # Database Configuration
//
//   - WAL mode: concurrent readers during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Timestamps are stored as Unix nanoseconds; zero means unset.
package store
