// Package registry drives the per-sensor sync lifecycle: discovery,
// enable with initial backfill, disable with index cleanup, and
// additional historical ranges. It is the only package that initiates
// lifecycle transitions; the backfill runner and live-tail manager
// react to what it decides.
package registry
