// Package config loads the engine's YAML configuration with defaults
// and environment overrides.
package config
