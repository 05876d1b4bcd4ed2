package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/filbeam/spprobe/pkg/car"
	"github.com/filbeam/spprobe/pkg/httpprobe"
	"github.com/filbeam/spprobe/pkg/types"
)

// DirectSP retrieves the archived piece straight from the provider's
// piece endpoint and validates the CAR stream against the deal's root
type DirectSP struct{}

func (DirectSP) Name() string  { return "direct-sp" }
func (DirectSP) Priority() int { return 1 }

func (DirectSP) CanHandle(deal *types.Deal) bool {
	return deal.PieceCID != ""
}

func (DirectSP) ConstructURL(sp *types.StorageProvider, deal *types.Deal) (string, error) {
	if sp.ServiceURL == "" {
		return "", fmt.Errorf("provider %s has no service url", sp.Address)
	}
	return strings.TrimSuffix(sp.ServiceURL, "/") + "/piece/" + deal.PieceCID, nil
}

func (DirectSP) RetryConfig() RetryConfig {
	return RetryConfig{Attempts: 2, Delay: 500 * time.Millisecond}
}

func (DirectSP) ExpectedMetrics() ExpectedMetrics {
	return ExpectedMetrics{MaxTTFB: 5 * time.Second, MinThroughputBps: 1 << 18}
}

// ValidateStream verifies the returned archive against the deal's root,
// closing the stream on every path
func (DirectSP) ValidateStream(_ context.Context, _ *types.StorageProvider, deal *types.Deal, stream *httpprobe.Stream) *types.ValidationResult {
	if deal.RootCID == "" {
		// Nothing to verify against; drain so throughput is measured.
		drain(stream)
		return nil
	}
	root, err := cid.Decode(deal.RootCID)
	if err != nil {
		stream.Close()
		return &types.ValidationResult{
			Method: car.ValidationMethod,
			Errors: []string{car.ErrTagCarRead + ": invalid root cid: " + err.Error()},
		}
	}
	return car.ValidateStream(stream, root, func() { stream.Close() })
}

// IPFSBlock retrieves the DAG block by block through the provider's
// trustless gateway endpoint and validates the full traversal
type IPFSBlock struct {
	Client      *httpprobe.Client
	Concurrency int
}

func (IPFSBlock) Name() string  { return "ipfs-block" }
func (IPFSBlock) Priority() int { return 2 }

func (IPFSBlock) CanHandle(deal *types.Deal) bool {
	return deal.RootCID != ""
}

func (IPFSBlock) ConstructURL(sp *types.StorageProvider, deal *types.Deal) (string, error) {
	if sp.ServiceURL == "" {
		return "", fmt.Errorf("provider %s has no service url", sp.Address)
	}
	return strings.TrimSuffix(sp.ServiceURL, "/") + "/ipfs/" + deal.RootCID + "?format=raw", nil
}

func (IPFSBlock) RequestOptions() httpprobe.RequestOptions {
	return httpprobe.RequestOptions{Accept: rawBlockMediaType}
}

// ValidateData treats the response as the root block and traverses the
// DAG beneath it, fetching and verifying every linked block
func (s IPFSBlock) ValidateData(ctx context.Context, sp *types.StorageProvider, deal *types.Deal, data []byte) *types.ValidationResult {
	root, err := cid.Decode(deal.RootCID)
	if err != nil {
		return &types.ValidationResult{
			Method: dagValidationMethod,
			Errors: []string{"invalid root cid: " + err.Error()},
		}
	}

	t := &dagTraverser{
		client:      s.Client,
		baseURL:     strings.TrimSuffix(sp.ServiceURL, "/"),
		concurrency: s.Concurrency,
	}
	return t.Traverse(ctx, root, data)
}

func drain(stream *httpprobe.Stream) {
	buf := make([]byte, 32<<10)
	for {
		if _, err := stream.Read(buf); err != nil {
			break
		}
	}
	stream.Close()
}
