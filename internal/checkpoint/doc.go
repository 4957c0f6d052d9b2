// Package checkpoint persists one checkpoint per completed phase so an
// interrupted run can resume after its latest contiguous checkpoint.
//
// A Manager wraps a Storage backend (memory, sqlite, postgres, NATS
// JetStream key-value or MinIO) and adds timeouts, optional gzip
// compression, tracing and counters. Each run also stores its manifest,
// the immutable run.Context, under the reserved key "_run".
package checkpoint
