// Package store provides the task-run journal using SQLite.
//
// # Overview
//
// Every task drained from a machine's queue is recorded as a TaskRun with its
// command, timing and outcome. The journal backs the task_runs API and is the
// only history the gateway keeps.
//
// # Lifetime
//
// The database is ":memory:", so the journal disappears when the process
// exits. The pool is limited to one connection because each SQLite connection
// to ":memory:" opens a separate database.
//
// # Ordering
//
// ListTaskRuns returns newest first. Timestamps are stored as UTC RFC 3339 strings
// with fixed nanosecond width so lexical order matches time order.
package store
