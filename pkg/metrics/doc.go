// Package metrics exposes Prometheus instrumentation for the sync
// engine: registry state, backfill throughput and progress, event
// writer outcomes, and live-tail subscription health. All collectors
// are registered at init and served through Handler.
package metrics
