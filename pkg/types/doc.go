/*
Package types defines the core entities shared across the probe harness.

A Deal records one upload probe and walks a forward-only status chain:

	PENDING → INGESTED → CHAIN_CONFIRMED → PIECE_ADDED → DEAL_CREATED

with FAILED reachable from any non-terminal state. A Retrieval records one
strategy's fetch of a deal's payload. WorkItem rows back the relational
work queue; at most one non-terminal row may exist per singleton key.
*/
package types
