// Package trace implements the execution trace: the append-only ordered record
// of every agent step, tool call, task group and terminal response of a run.
//
// The trace is the only channel through which the orchestration loop reports
// what happened. Every appended entry is forwarded to a Sink; sinks for memory
// (memsink) and SQLite (sqlsink) live in sub packages.
package trace
