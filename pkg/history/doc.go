// Package history is the client for the device cloud's paginated
// historical-data REST API. Failures surface as ErrUpstreamUnavailable;
// retry policy belongs to the caller.
package history
