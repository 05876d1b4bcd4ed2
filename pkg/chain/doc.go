/*
Package chain is the gateway to the storage network's chain: the provider
registry, the payments contract and the probe wallet.

SyncProviders mirrors the registry into the store, deduplicating by
address and soft-deactivating providers that disappeared from a read.
EnsureWalletAllowances keeps the wallet funded and approved for the
probe horizon. AnchorPiece drives an uploaded piece through its on-chain
confirmation states. A read-mostly provider cache serves label lookups
without hitting the store.
*/
package chain
