package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDealStatusForwardOnly tests the forward-only upload status chain
func TestDealStatusForwardOnly(t *testing.T) {
	tests := []struct {
		name    string
		from    DealStatus
		to      DealStatus
		allowed bool
	}{
		{"pending to ingested", DealStatusPending, DealStatusIngested, true},
		{"pending to deal created", DealStatusPending, DealStatusDealCreated, true},
		{"ingested to chain confirmed", DealStatusIngested, DealStatusChainConfirmed, true},
		{"chain confirmed to piece added", DealStatusChainConfirmed, DealStatusPieceAdded, true},
		{"piece added to deal created", DealStatusPieceAdded, DealStatusDealCreated, true},
		{"any to failed", DealStatusChainConfirmed, DealStatusFailed, true},
		{"backwards ingested to pending", DealStatusIngested, DealStatusPending, false},
		{"backwards piece added to ingested", DealStatusPieceAdded, DealStatusIngested, false},
		{"self transition", DealStatusIngested, DealStatusIngested, false},
		{"out of terminal deal created", DealStatusDealCreated, DealStatusFailed, false},
		{"out of terminal failed", DealStatusFailed, DealStatusIngested, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanAdvanceTo(tt.to))
		})
	}
}

// TestDealAdvance tests that Advance only mutates on legal transitions
func TestDealAdvance(t *testing.T) {
	d := &Deal{Status: DealStatusPending}

	assert.True(t, d.Advance(DealStatusIngested))
	assert.Equal(t, DealStatusIngested, d.Status)

	// Backwards move is rejected and leaves the status alone
	assert.False(t, d.Advance(DealStatusPending))
	assert.Equal(t, DealStatusIngested, d.Status)

	assert.True(t, d.Advance(DealStatusFailed))
	assert.False(t, d.Advance(DealStatusDealCreated))
	assert.Equal(t, DealStatusFailed, d.Status)
}

// TestWorkItemStateTerminal tests terminal state classification
func TestWorkItemStateTerminal(t *testing.T) {
	assert.False(t, WorkItemQueued.Terminal())
	assert.False(t, WorkItemActive.Terminal())
	assert.False(t, WorkItemRetry.Terminal())
	assert.True(t, WorkItemCompleted.Terminal())
	assert.True(t, WorkItemFailed.Terminal())
	assert.True(t, WorkItemCancelled.Terminal())
}

// TestSingletonKey tests singleton key construction
func TestSingletonKey(t *testing.T) {
	assert.Equal(t, "deal:0xabc", SingletonKey(JobFamilyDeal, "0xabc"))
	assert.Equal(t, "retrieval:0xabc", SingletonKey(JobFamilyRetrieval, "0xabc"))
}
