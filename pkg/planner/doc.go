/*
Package planner materialises per-provider probe schedules.

Each tick it computes the desired schedule set from the active provider
list, staggering providers across the interval with a hash-based offset
and offsetting families from each other by fixed seconds, reconciles it
against job_schedule_state, and publishes a work item for every due row.
Publishes are gated by the configured UTC maintenance windows; skipped
rows fire once the window closes. A database advisory lock keeps the
planner single-writer across instances.
*/
package planner
