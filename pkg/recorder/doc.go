// Package recorder persists probe outcomes to the store and exports
// their counters and histograms, labelled by check type, provider id
// and approval status.
package recorder
