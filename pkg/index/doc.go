/*
Package index implements the local searchable telemetry store the sync
engine writes into.

One logical index exists per (device type, sensor) stream, plus one
shared "events" index per device type for composite recognition
events. Indexes are bbolt buckets; document keys carry a fixed-width
UTC timestamp prefix so a bucket cursor's First/Last answer the oldest
and newest synced point directly (the timestamp oracle the registry
uses to compute backfill bounds).

Index creation is idempotent: Ensure creates the bucket and records
the declared field mapping only when absent. Sample writes are keyed
by (device, sensor, time) so replays overwrite instead of duplicate;
event writes merge field contributions into the shared document keyed
by (device, recognition type, time).
*/
package index
