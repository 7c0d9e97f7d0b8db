/*
Package storage provides BoltDB-backed persistence for fleetsync's
durable state.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for the sensor sync
registry, the device fleet, device groups (tenant partitions), and
tenant credentials. All data is serialized as JSON and stored in
separate buckets.

Bucket layout:

	sensor_sync     keyed by "<deviceType>/<sensorID>"
	devices         keyed by device ID
	device_groups   keyed by group ID
	credentials     keyed by credential ID

The sensor sync bucket is the single mutable source of truth for the
sync state machine. UpdateSensorSyncGuarded runs a read-mutate-write
cycle inside one write transaction so that concurrent transitions
(progress reporting racing a cancellation) serialize instead of losing
updates.
*/
package storage
