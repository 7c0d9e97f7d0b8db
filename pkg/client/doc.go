// Package client wraps the fleetsync HTTP API for programmatic and
// CLI use.
package client
