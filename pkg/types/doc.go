// Package types defines the shared domain model for fleetsync: sensor
// sync records, backfill requests, telemetry samples, fleet entities,
// and the composite recognition-event mapping.
package types
