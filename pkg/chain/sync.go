package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/filbeam/spprobe/pkg/metrics"
	"github.com/filbeam/spprobe/pkg/types"
)

// registryBatchSize bounds how many provider reads run per batch
const registryBatchSize = 50

// SyncProviders reads the full registry, deduplicates by address, upserts
// rows and soft-deactivates providers absent from the read. Returns the
// number of providers synced.
func (g *Gateway) SyncProviders(ctx context.Context) (int, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := g.registry.Call(opts, &out, "getProviderCount"); err != nil {
		return 0, fmt.Errorf("failed to read provider count: %w", err)
	}
	count := out[0].(*big.Int).Int64()

	out = nil
	if err := g.registry.Call(opts, &out, "getAllActiveProviders"); err != nil {
		return 0, fmt.Errorf("failed to read active providers: %w", err)
	}
	activeIDs := make(map[int64]bool)
	for _, id := range out[0].([]*big.Int) {
		activeIDs[id.Int64()] = true
	}

	var providers []*types.StorageProvider
	for start := int64(1); start <= count; start += registryBatchSize {
		end := start + registryBatchSize - 1
		if end > count {
			end = count
		}
		for id := start; id <= end; id++ {
			p, err := g.readProvider(ctx, id)
			if err != nil {
				return 0, fmt.Errorf("failed to read provider %d: %w", id, err)
			}
			p.Active = activeIDs[id]
			providers = append(providers, p)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}

	deduped := dedupeProviders(providers, func(kept, dropped *types.StorageProvider) {
		g.logger.Warn().
			Str("address", kept.Address).
			Int64("kept_provider_id", kept.ProviderID).
			Int64("dropped_provider_id", dropped.ProviderID).
			Msg("duplicate provider address in registry read")
	})

	addresses := make([]string, 0, len(deduped))
	for _, p := range deduped {
		if err := g.store.UpsertProvider(ctx, p); err != nil {
			return 0, err
		}
		if p.Active {
			addresses = append(addresses, p.Address)
		}
	}

	if n, err := g.store.DeactivateProvidersNotIn(ctx, addresses); err != nil {
		return 0, err
	} else if n > 0 {
		g.logger.Info().Int64("count", n).Msg("deactivated providers absent from registry")
	}

	g.cache.Replace(deduped)
	g.updateProviderGauge(deduped)

	g.logger.Info().Int("count", len(deduped)).Msg("provider sync complete")
	return len(deduped), nil
}

func (g *Gateway) readProvider(ctx context.Context, id int64) (*types.StorageProvider, error) {
	var out []interface{}
	err := g.registry.Call(&bind.CallOpts{Context: ctx}, &out, "getProvider", big.NewInt(id))
	if err != nil {
		return nil, err
	}

	p := &types.StorageProvider{
		ProviderID: id,
		Address:    out[0].(common.Address).Hex(),
		ServiceURL: out[1].(string),
		Approved:   out[3].(bool),
	}
	if meta := out[4].(string); meta != "" {
		p.Metadata = map[string]string{"registry": meta}
	}
	return p, nil
}

// dedupeProviders collapses duplicate addresses: an active record beats
// an inactive one, otherwise the highest providerId wins
func dedupeProviders(providers []*types.StorageProvider, onDuplicate func(kept, dropped *types.StorageProvider)) []*types.StorageProvider {
	byAddr := make(map[string]*types.StorageProvider, len(providers))
	order := make([]string, 0, len(providers))

	for _, p := range providers {
		existing, ok := byAddr[p.Address]
		if !ok {
			byAddr[p.Address] = p
			order = append(order, p.Address)
			continue
		}

		keep := existing
		if p.Active != existing.Active {
			if p.Active {
				keep = p
			}
		} else if p.ProviderID > existing.ProviderID {
			keep = p
		}

		dropped := existing
		if keep == existing {
			dropped = p
		}
		byAddr[p.Address] = keep
		if onDuplicate != nil {
			onDuplicate(keep, dropped)
		}
	}

	out := make([]*types.StorageProvider, 0, len(byAddr))
	for _, addr := range order {
		out = append(out, byAddr[addr])
	}
	return out
}

func (g *Gateway) updateProviderGauge(providers []*types.StorageProvider) {
	counts := make(map[[2]bool]int)
	for _, p := range providers {
		counts[[2]bool{p.Active, p.Approved}]++
	}
	for _, active := range []bool{true, false} {
		for _, approved := range []bool{true, false} {
			metrics.ProvidersTotal.
				WithLabelValues(boolLabel(active), boolLabel(approved)).
				Set(float64(counts[[2]bool{active, approved}]))
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
