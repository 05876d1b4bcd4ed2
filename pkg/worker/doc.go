// Package worker consumes the probe work queue with bounded
// concurrency. Each claimed item is decoded into a probe job and
// dispatched to its family's pipeline; heartbeats observe operator
// cancellations mid-run and expired claims are reclaimed by a periodic
// sweep.
package worker
