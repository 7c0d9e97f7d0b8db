// Package api exposes the sync engine over HTTP: sensor lifecycle
// operations, fleet CRUD, Prometheus metrics and a server-sent-events
// stream of sync progress.
package api
