/*
Package car builds and validates CARv1 archives of probe payloads.

Build chunks a payload into raw leaf blocks under a dag-pb interior root
and frames them as a CARv1 byte stream. ValidateStream lazily verifies
such a stream against a declared root, recomputing every block hash, and
guarantees the caller's close hook runs exactly once on every path.

Only the subset of dag-cbor and dag-pb the archive shape needs is
implemented here; CIDs and multihashes come from go-cid and
go-multihash.
*/
package car
