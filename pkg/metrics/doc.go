// Package metrics declares the Prometheus metric surface of the probe
// harness. All metrics are package variables registered in init and
// exposed via Handler.
package metrics
