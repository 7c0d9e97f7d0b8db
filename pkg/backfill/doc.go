/*
Package backfill runs the historical catch-up jobs that bring the
index up to date with the device cloud's paginated history API.

A job walks every tenant group's devices in bounded parallel, paging
each device's history backward from the request's newer bound toward
the older one in fixed time slices. Every page flows through the event
writer; progress is reported after each page as the mean of per-device
completion fractions, averaged again across tenant groups so large
tenants do not dominate the percentage.

Jobs are cancellable at page boundaries and mutually exclusive per
(device type, sensor): a second request fails fast with ErrJobActive
rather than queuing. A failed job deletes what the attempt wrote
(field-scoped for composite streams) and forces the registry record to
disabled, so observers never see a progress bar stuck mid-run.
*/
package backfill
