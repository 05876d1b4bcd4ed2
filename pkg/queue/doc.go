/*
Package queue implements a Postgres-backed work queue with per-key
singleton semantics.

A published item carries a singleton key; at most one item per key may be
in a non-terminal state, enforced by a partial unique index so concurrent
publishes collapse onto a single row. Workers fetch items with a
visibility timeout, a sweeper reclaims items whose worker died, and
failures retry with capped exponential backoff. An advisory lock serial-
ises the planner across instances.
*/
package queue
