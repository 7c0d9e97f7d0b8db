// Package log wraps zerolog with fleetsync's standard logger setup and
// child-logger helpers for the common structured fields (component,
// sensor stream, job, tenant).
package log
