package chain

import (
	"sort"
	"sync"

	"github.com/filbeam/spprobe/pkg/types"
)

// providerCache is a read-mostly snapshot of the registry, written only
// by SyncProviders. Readers take a full snapshot so a concurrent reload
// cannot clear entries out from under a batch.
type providerCache struct {
	mu        sync.RWMutex
	providers map[string]*types.StorageProvider
}

func newProviderCache() *providerCache {
	return &providerCache{providers: make(map[string]*types.StorageProvider)}
}

func (c *providerCache) Replace(providers []*types.StorageProvider) {
	next := make(map[string]*types.StorageProvider, len(providers))
	for _, p := range providers {
		cp := *p
		next[p.Address] = &cp
	}
	c.mu.Lock()
	c.providers = next
	c.mu.Unlock()
}

func (c *providerCache) Snapshot() []*types.StorageProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*types.StorageProvider, 0, len(c.providers))
	for _, p := range c.providers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProviderID < out[j].ProviderID
	})
	return out
}

func (c *providerCache) Get(address string) (*types.StorageProvider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[address]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}
