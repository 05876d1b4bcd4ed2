package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ipfs/go-cid"

	"github.com/filbeam/spprobe/pkg/types"
)

// ErrAnchorTimeout is returned when the piece never becomes live within
// the anchoring budget
var ErrAnchorTimeout = errors.New("piece anchoring timed out")

// AnchorResult carries the outcome of one on-chain anchoring run
type AnchorResult struct {
	TxHash       string
	DealID       uint64
	ChainLatency time.Duration
	DealLatency  time.Duration
}

// AnchorPiece submits the on-chain operation that makes an uploaded piece
// retrievable and follows it through the observable states: the
// transaction landing, the piece reported live by the registry, and the
// deal id assigned. onStage is invoked at each transition so callers can
// persist deal progress.
func (g *Gateway) AnchorPiece(ctx context.Context, providerID int64, pieceCID string, onStage func(types.DealStatus)) (*AnchorResult, error) {
	decoded, err := cid.Decode(pieceCID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode piece cid: %w", err)
	}
	pieceBytes := decoded.Bytes()
	id := big.NewInt(providerID)
	start := time.Now()

	topts, err := g.transactor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := g.registry.Transact(topts, "addPiece", id, pieceBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to submit addPiece: %w", err)
	}
	if _, err := bind.WaitMined(ctx, g.client, tx); err != nil {
		return nil, fmt.Errorf("failed to confirm addPiece: %w", err)
	}

	result := &AnchorResult{
		TxHash:       tx.Hash().Hex(),
		ChainLatency: time.Since(start),
	}
	if onStage != nil {
		onStage(types.DealStatusChainConfirmed)
	}

	if err := g.waitPieceLive(ctx, id, pieceBytes); err != nil {
		return nil, err
	}
	if onStage != nil {
		onStage(types.DealStatusPieceAdded)
	}

	var out []interface{}
	err = g.registry.Call(&bind.CallOpts{Context: ctx}, &out, "pieceDealId", id, pieceBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read deal id: %w", err)
	}
	result.DealID = out[0].(*big.Int).Uint64()
	result.DealLatency = time.Since(start)
	if onStage != nil {
		onStage(types.DealStatusDealCreated)
	}
	return result, nil
}

// waitPieceLive polls the registry until it reports the piece live
func (g *Gateway) waitPieceLive(ctx context.Context, providerID *big.Int, pieceBytes []byte) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		var out []interface{}
		err := g.registry.Call(&bind.CallOpts{Context: ctx}, &out, "pieceLive", providerID, pieceBytes)
		if err != nil {
			return fmt.Errorf("failed to poll piece liveness: %w", err)
		}
		if out[0].(bool) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrAnchorTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
