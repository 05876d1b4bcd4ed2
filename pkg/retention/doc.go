/*
Package retention polls the external proving index and turns its
cumulative per-provider counters into monotonic Prometheus counters.

Each cycle estimates overdue proving periods from the proof-set
deadlines, computes deltas against a per-provider baseline, and
increments the counters by the deltas in safe-integer chunks. Negative
deltas reset the baseline and skip the increment. Baselines for
departed providers are cleaned up only after an error-free cycle, and
the whole baseline map is snapshotted to a local bolt file so a restart
miscounts at most once per provider.
*/
package retention
