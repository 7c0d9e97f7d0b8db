/*
Package livetail keeps the index fed with telemetry as it is
published.

The manager holds one long-lived broker connection per tenant
credential and subscribes one topic per device per enabled sensor.
Subscribe calls are chunked with a short delay between batches to
respect broker-side limits. Whenever device membership or the
enabled-sensor set changes, Rebuild recomputes the full topic set and
replaces every connection rather than patching them incrementally.

Inbound messages land in a bounded per-tenant queue consumed by a
single dispatcher goroutine, which resolves the owning device and
sensor and hands the sample to the event writer. Messages for disabled
sensors are dropped without side effects.
*/
package livetail
