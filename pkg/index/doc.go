// Package index is the client for the external proving index. It posts
// batched provider queries pinned to a block number and returns the
// cumulative proving counters as arbitrary-precision integers.
package index
