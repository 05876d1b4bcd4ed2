package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/log"
)

// BatchSize is the maximum number of addresses per index query
const BatchSize = 50

// ProofSet is one proving obligation reported by the index
type ProofSet struct {
	MaxProvingPeriod int64
	NextDeadline     int64
}

// ProviderStats are the cumulative proving counters for one provider
type ProviderStats struct {
	Address             string
	TotalFaultedPeriods *big.Int
	TotalProvingPeriods *big.Int
	ProofSets           []ProofSet
}

// Client queries the external proving index
type Client struct {
	url    string
	http   *http.Client
	logger zerolog.Logger
}

// New creates an index client for the given endpoint
func New(url string) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: log.WithComponent("index"),
	}
}

const statsQuery = `query ProviderStats($addresses: [String!]!, $block: Int!) {
  providers(where: {address_in: $addresses}, block: {number: $block}) {
    address
    totalFaultedPeriods
    totalProvingPeriods
    proofSets { maxProvingPeriod nextDeadline }
  }
  _meta { block { number } }
}`

type statsRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type statsResponse struct {
	Data struct {
		Providers []struct {
			Address             string `json:"address"`
			TotalFaultedPeriods string `json:"totalFaultedPeriods"`
			TotalProvingPeriods string `json:"totalProvingPeriods"`
			ProofSets           []struct {
				MaxProvingPeriod int64 `json:"maxProvingPeriod"`
				NextDeadline     int64 `json:"nextDeadline"`
			} `json:"proofSets"`
		} `json:"providers"`
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetch queries one batch of at most BatchSize addresses at the given
// block. An empty providers list is a valid response. Returns the
// index's own block marker alongside the stats.
func (c *Client) Fetch(ctx context.Context, addresses []string, blockNumber uint64) ([]ProviderStats, uint64, error) {
	if len(addresses) > BatchSize {
		return nil, 0, fmt.Errorf("batch of %d exceeds limit %d", len(addresses), BatchSize)
	}

	body, err := json.Marshal(statsRequest{
		Query: statsQuery,
		Variables: map[string]interface{}{
			"addresses": addresses,
			"block":     blockNumber,
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal index query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("index request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("index returned status %d", resp.StatusCode)
	}

	var decoded statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, 0, fmt.Errorf("failed to decode index response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, 0, fmt.Errorf("index query error: %s", decoded.Errors[0].Message)
	}

	stats := make([]ProviderStats, 0, len(decoded.Data.Providers))
	for _, p := range decoded.Data.Providers {
		faulted, ok := new(big.Int).SetString(p.TotalFaultedPeriods, 10)
		if !ok {
			return nil, 0, fmt.Errorf("invalid faulted count %q for %s", p.TotalFaultedPeriods, p.Address)
		}
		proving, ok := new(big.Int).SetString(p.TotalProvingPeriods, 10)
		if !ok {
			return nil, 0, fmt.Errorf("invalid proving count %q for %s", p.TotalProvingPeriods, p.Address)
		}

		stat := ProviderStats{
			Address:             p.Address,
			TotalFaultedPeriods: faulted,
			TotalProvingPeriods: proving,
		}
		for _, ps := range p.ProofSets {
			stat.ProofSets = append(stat.ProofSets, ProofSet{
				MaxProvingPeriod: ps.MaxProvingPeriod,
				NextDeadline:     ps.NextDeadline,
			})
		}
		stats = append(stats, stat)
	}
	return stats, decoded.Data.Meta.Block.Number, nil
}
