/*
Package retrieval runs the retrieval probe strategies.

Each strategy names a retrieval path, declares whether it applies to a
deal, and builds the request URL; optional capabilities add retry
policy, request tuning, preprocessing and validation. The runner
executes all applicable strategies in parallel, drives each strategy's
attempt loop with cancellable delays, and reports one outcome per
strategy. Shipped strategies are Direct-SP, which streams the piece and
validates the CAR, and IPFS-block, which traverses the DAG block by
block through the trustless gateway endpoint.
*/
package retrieval
