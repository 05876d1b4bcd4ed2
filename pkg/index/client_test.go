package index

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Contains(t, req["query"], "providers")

		w.Write([]byte(`{
			"data": {
				"providers": [{
					"address": "0xabc",
					"totalFaultedPeriods": "10",
					"totalProvingPeriods": "100",
					"proofSets": [{"maxProvingPeriod": 2880, "nextDeadline": 500000}]
				}],
				"_meta": {"block": {"number": 512345}}
			}
		}`))
	}))
	defer srv.Close()

	stats, block, err := New(srv.URL).Fetch(context.Background(), []string{"0xabc"}, 512000)
	require.NoError(t, err)

	assert.Equal(t, uint64(512345), block)
	require.Len(t, stats, 1)
	assert.Equal(t, "0xabc", stats[0].Address)
	assert.Equal(t, int64(10), stats[0].TotalFaultedPeriods.Int64())
	assert.Equal(t, int64(100), stats[0].TotalProvingPeriods.Int64())
	require.Len(t, stats[0].ProofSets, 1)
	assert.Equal(t, int64(2880), stats[0].ProofSets[0].MaxProvingPeriod)
}

func TestFetchEmptyProvidersTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"providers": [], "_meta": {"block": {"number": 1}}}}`))
	}))
	defer srv.Close()

	stats, block, err := New(srv.URL).Fetch(context.Background(), []string{"0xabc"}, 0)
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.Equal(t, uint64(1), block)
}

func TestFetchRejectsOversizedBatch(t *testing.T) {
	addresses := make([]string, BatchSize+1)
	_, _, err := New("http://example.invalid").Fetch(context.Background(), addresses, 0)
	assert.Error(t, err)
}

func TestFetchSurfacesQueryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors": [{"message": "block not indexed"}]}`))
	}))
	defer srv.Close()

	_, _, err := New(srv.URL).Fetch(context.Background(), []string{"0xabc"}, 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block not indexed")
}
