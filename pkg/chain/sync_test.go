package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/filbeam/spprobe/pkg/types"
)

func TestDedupeProviders(t *testing.T) {
	tests := []struct {
		name       string
		providers  []*types.StorageProvider
		expectedID int64
		duplicates int
	}{
		{
			name: "active beats inactive",
			providers: []*types.StorageProvider{
				{Address: "0xabc", ProviderID: 7, Active: false},
				{Address: "0xabc", ProviderID: 3, Active: true},
			},
			expectedID: 3,
			duplicates: 1,
		},
		{
			name: "both active, highest id wins",
			providers: []*types.StorageProvider{
				{Address: "0xabc", ProviderID: 3, Active: true},
				{Address: "0xabc", ProviderID: 7, Active: true},
			},
			expectedID: 7,
			duplicates: 1,
		},
		{
			name: "both inactive, highest id wins",
			providers: []*types.StorageProvider{
				{Address: "0xabc", ProviderID: 9, Active: false},
				{Address: "0xabc", ProviderID: 4, Active: false},
			},
			expectedID: 9,
			duplicates: 1,
		},
		{
			name: "no duplicates",
			providers: []*types.StorageProvider{
				{Address: "0xabc", ProviderID: 1, Active: true},
				{Address: "0xdef", ProviderID: 2, Active: true},
			},
			expectedID: 1,
			duplicates: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var warned int
			out := dedupeProviders(tt.providers, func(kept, dropped *types.StorageProvider) {
				warned++
			})

			assert.Equal(t, tt.expectedID, out[0].ProviderID)
			assert.Equal(t, tt.duplicates, warned)

			seen := make(map[string]bool)
			for _, p := range out {
				assert.False(t, seen[p.Address], "duplicate address survived dedupe")
				seen[p.Address] = true
			}
		})
	}
}

func TestProviderCacheSnapshotIsIsolated(t *testing.T) {
	cache := newProviderCache()
	cache.Replace([]*types.StorageProvider{
		{Address: "0xabc", ProviderID: 2},
		{Address: "0xdef", ProviderID: 1},
	})

	snap := cache.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].ProviderID)

	// Mutating the snapshot must not leak into the cache.
	snap[0].Address = "mutated"
	p, ok := cache.Get("0xdef")
	assert.True(t, ok)
	assert.Equal(t, "0xdef", p.Address)

	// A replace must not disturb an already-taken snapshot.
	cache.Replace(nil)
	assert.Len(t, snap, 2)
	assert.Empty(t, cache.Snapshot())
}

func TestRequiredLockup(t *testing.T) {
	one := requiredLockup(1)
	ten := requiredLockup(10)

	assert.Equal(t, int64(0), requiredLockup(0).Int64())
	assert.Equal(t, one.Int64()*10, ten.Int64())
	assert.Positive(t, one.Int64())
}
