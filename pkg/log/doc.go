// Package log wraps zerolog with a global logger and child-logger helpers
// for the fields that recur across the probe harness (component, provider
// address, deal id, retrieval strategy).
package log
