// Package eventlog records the append-only structured log that every pipeline
// stage writes and the dashboard reads. Entries are persisted first and then
// fanned out to best-effort sinks (zap, Prometheus).
package eventlog
