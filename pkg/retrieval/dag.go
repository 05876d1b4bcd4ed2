package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/sync/errgroup"

	"github.com/filbeam/spprobe/pkg/car"
	"github.com/filbeam/spprobe/pkg/httpprobe"
	"github.com/filbeam/spprobe/pkg/types"
)

const (
	rawBlockMediaType   = "application/vnd.ipld.raw"
	dagValidationMethod = "ipfs-dag"

	defaultDagConcurrency = 6
)

// dagTraverser walks a block DAG from its root, fetching each block via
// the trustless gateway raw endpoint with a bounded worker pool and
// verifying it against its cid
type dagTraverser struct {
	client      *httpprobe.Client
	baseURL     string
	concurrency int

	sem chan struct{}

	mu        sync.Mutex
	visited   map[cid.Cid]bool
	bytesRead int64
	blocks    int
	errors    []string
}

// Traverse validates the DAG rooted at root. rootData, when non-nil, is
// the already-fetched root block. Validation passes iff no block fetch
// or verification fails.
func (t *dagTraverser) Traverse(ctx context.Context, root cid.Cid, rootData []byte) *types.ValidationResult {
	if t.concurrency <= 0 {
		t.concurrency = defaultDagConcurrency
	}
	t.visited = make(map[cid.Cid]bool)

	// Workers spawn children as links are discovered, so the fetch
	// concurrency is bounded by a semaphore rather than the group's
	// goroutine limit.
	t.sem = make(chan struct{}, t.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	t.visited[root] = true
	if rootData != nil {
		t.handleBlock(gctx, g, root, rootData)
	} else {
		g.Go(func() error { return t.fetchBlock(gctx, g, root) })
	}

	// Block failures are collected, not returned, so the pool only
	// stops early on context cancellation.
	if err := g.Wait(); err != nil {
		t.addError(fmt.Sprintf("%v: %v", types.ErrAborted, err))
	}

	result := &types.ValidationResult{
		Method:    dagValidationMethod,
		BytesRead: t.bytesRead,
		Errors:    t.errors,
	}
	if len(t.errors) == 0 {
		result.IsValid = true
		result.VerifiedRootCID = root.String()
		result.Details = fmt.Sprintf("verified %d blocks", t.blocks)
	}
	return result
}

func (t *dagTraverser) fetchBlock(ctx context.Context, g *errgroup.Group, c cid.Cid) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	url := t.baseURL + "/ipfs/" + c.String() + "?format=raw"
	_, data, err := t.client.Fetch(ctx, url, httpprobe.RequestOptions{Accept: rawBlockMediaType})
	<-t.sem
	if err != nil {
		t.addError(fmt.Sprintf("block %s fetch failed: %v", c, err))
		return nil
	}
	t.handleBlock(ctx, g, c, data)
	return nil
}

// handleBlock verifies one block and schedules its unvisited links
func (t *dagTraverser) handleBlock(ctx context.Context, g *errgroup.Group, c cid.Cid, data []byte) {
	prefix := c.Prefix()
	if prefix.MhType != multihash.SHA2_256 {
		t.addError(fmt.Sprintf("block %s uses unsupported hash algorithm %d", c, prefix.MhType))
		return
	}
	if prefix.Codec != cid.Raw && prefix.Codec != cid.DagProtobuf {
		t.addError(fmt.Sprintf("block %s uses unsupported codec %d", c, prefix.Codec))
		return
	}

	computed, err := prefix.Sum(data)
	if err != nil {
		t.addError(fmt.Sprintf("block %s hash failed: %v", c, err))
		return
	}
	if !computed.Equals(c) {
		t.addError(fmt.Sprintf("block %s hashes to %s", c, computed))
		return
	}

	t.mu.Lock()
	t.bytesRead += int64(len(data))
	t.blocks++
	t.mu.Unlock()

	if prefix.Codec != cid.DagProtobuf {
		return
	}
	links, err := car.DecodeLinks(data)
	if err != nil {
		t.addError(fmt.Sprintf("block %s decode failed: %v", c, err))
		return
	}
	for _, link := range links {
		link := link
		if !t.markVisited(link) {
			continue
		}
		g.Go(func() error { return t.fetchBlock(ctx, g, link) })
	}
}

func (t *dagTraverser) markVisited(c cid.Cid) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.visited[c] {
		return false
	}
	t.visited[c] = true
	return true
}

func (t *dagTraverser) addError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, msg)
}
