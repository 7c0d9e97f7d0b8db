// Package engine is the composition root: it owns storage, the
// telemetry index, the progress notifier, the backfill runner and the
// live-tail manager, and wires them into the sensor registry.
package engine
