// Package pipeline executes single probe runs: the upload pipeline
// generates a random payload, archives it, ingests it to a provider and
// anchors it on chain, while the retrieval pipeline fetches a prior
// upload back through every applicable strategy. Each run persists its
// stages through the recorder and is bounded by its family's cadence.
package pipeline
