// Package config loads and validates the harness configuration from YAML
// with environment overrides for secrets.
package config
