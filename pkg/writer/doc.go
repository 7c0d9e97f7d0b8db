// Package writer is the event writer: it turns telemetry samples from
// either sync path into index documents. Ordinary sensors get one
// idempotent document per sample; composite camera-recognition sensors
// get a field-scoped merge into the shared event document so
// independent contributions accumulate instead of overwriting.
package writer
