// Package events implements the progress notifier: a topic-keyed
// fan-out channel that pushes sensor sync-state snapshots to any
// number of listeners (UI progress bars, the SSE endpoint). Broadcast
// is non-blocking; a slow listener misses intermediate snapshots
// rather than stalling the engine.
package events
