// Package reconciler keeps the live-tail subscription set aligned with
// the fleet by rebuilding it on a fixed interval, independent of the
// lifecycle transitions that also trigger rebuilds.
package reconciler
