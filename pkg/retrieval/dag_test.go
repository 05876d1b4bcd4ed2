package retrieval

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filbeam/spprobe/pkg/car"
	"github.com/filbeam/spprobe/pkg/types"
)

// carBlocks parses a CARv1 byte stream into its blocks
func carBlocks(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	blocks := make(map[string][]byte)

	headerLen, n, err := varint.FromUvarint(data)
	require.NoError(t, err)
	data = data[n+int(headerLen):]

	for len(data) > 0 {
		sectionLen, n, err := varint.FromUvarint(data)
		require.NoError(t, err)
		data = data[n:]
		section := data[:sectionLen]
		data = data[sectionLen:]

		n, c, err := cid.CidFromBytes(section)
		require.NoError(t, err)
		blocks[c.String()] = section[n:]
	}
	return blocks
}

func dagTestServer(t *testing.T, blocks map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := strings.TrimPrefix(r.URL.Path, "/ipfs/")
		data, ok := blocks[c]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", rawBlockMediaType)
		w.Write(data)
	}))
}

func TestDagTraversalValidDAG(t *testing.T) {
	payload := make([]byte, (1<<20)+(1<<19))
	_, err := rand.Read(payload)
	require.NoError(t, err)

	built, err := car.Build(payload)
	require.NoError(t, err)
	require.Equal(t, 3, built.BlockCount)

	blocks := carBlocks(t, built.Car)
	srv := dagTestServer(t, blocks)
	defer srv.Close()

	sp := &types.StorageProvider{ServiceURL: srv.URL}
	deal := &types.Deal{RootCID: built.Root.String()}
	s := IPFSBlock{Client: testHTTPClient(), Concurrency: 3}

	result := s.ValidateData(context.Background(), sp, deal, blocks[built.Root.String()])

	assert.True(t, result.IsValid)
	assert.Equal(t, built.Root.String(), result.VerifiedRootCID)
	assert.Empty(t, result.Errors)
	// Root node plus both leaves.
	assert.Greater(t, result.BytesRead, int64(len(payload)))
}

func TestDagTraversalCorruptedLeaf(t *testing.T) {
	payload := make([]byte, (1<<20)+(1<<19))
	_, err := rand.Read(payload)
	require.NoError(t, err)

	built, err := car.Build(payload)
	require.NoError(t, err)
	blocks := carBlocks(t, built.Car)

	// Corrupt one leaf in place.
	for c, data := range blocks {
		if c == built.Root.String() {
			continue
		}
		data[0] ^= 0xff
		break
	}

	srv := dagTestServer(t, blocks)
	defer srv.Close()

	sp := &types.StorageProvider{ServiceURL: srv.URL}
	deal := &types.Deal{RootCID: built.Root.String()}
	s := IPFSBlock{Client: testHTTPClient(), Concurrency: 3}

	result := s.ValidateData(context.Background(), sp, deal, blocks[built.Root.String()])

	assert.False(t, result.IsValid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "hashes to")
}

func TestDagTraversalMissingBlock(t *testing.T) {
	payload := make([]byte, (1<<20)+(1<<19))
	_, err := rand.Read(payload)
	require.NoError(t, err)

	built, err := car.Build(payload)
	require.NoError(t, err)
	blocks := carBlocks(t, built.Car)
	rootData := blocks[built.Root.String()]

	// Drop one leaf so its fetch 404s.
	for c := range blocks {
		if c != built.Root.String() {
			delete(blocks, c)
			break
		}
	}

	srv := dagTestServer(t, blocks)
	defer srv.Close()

	sp := &types.StorageProvider{ServiceURL: srv.URL}
	deal := &types.Deal{RootCID: built.Root.String()}
	s := IPFSBlock{Client: testHTTPClient(), Concurrency: 3}

	result := s.ValidateData(context.Background(), sp, deal, rootData)

	assert.False(t, result.IsValid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "fetch failed")
}
