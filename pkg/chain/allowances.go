package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

const (
	// epochSeconds is the chain's epoch duration
	epochSeconds = 30

	// allowanceHorizonSeconds is the funding horizon for allowance and
	// deposit sizing, six months
	allowanceHorizonSeconds = 6 * 30 * 24 * 3600

	// ratePerProviderPerEpoch is the storage payment rate budgeted per
	// provider, in the payment token's smallest unit
	ratePerProviderPerEpoch = 1_000_000
)

// maxUint256 is used for open-ended service approvals
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EnsureWalletAllowances checks that the probe wallet can fund uploads to
// n providers over the allowance horizon, depositing the shortfall and
// re-approving the registry operator when deficient. Callers treat a
// failure at startup as fatal.
func (g *Gateway) EnsureWalletAllowances(ctx context.Context, n int) error {
	required := requiredLockup(n)

	opts := &bind.CallOpts{Context: ctx, From: g.walletAddr}
	var out []interface{}
	if err := g.payments.Call(opts, &out, "accountInfo", g.walletAddr); err != nil {
		return fmt.Errorf("failed to read account info: %w", err)
	}
	funds := out[0].(*big.Int)
	lockup := out[1].(*big.Int)

	available := new(big.Int).Sub(funds, lockup)
	if available.Cmp(required) < 0 {
		shortfall := new(big.Int).Sub(required, available)
		g.logger.Info().
			Str("shortfall", shortfall.String()).
			Str("required", required.String()).
			Msg("depositing funds for probe uploads")

		topts, err := g.transactor(ctx)
		if err != nil {
			return err
		}
		tx, err := g.payments.Transact(topts, "deposit", shortfall)
		if err != nil {
			return fmt.Errorf("failed to deposit funds: %w", err)
		}
		if _, err := bind.WaitMined(ctx, g.client, tx); err != nil {
			return fmt.Errorf("failed to confirm deposit: %w", err)
		}
	}

	out = nil
	if err := g.payments.Call(opts, &out, "operatorApproval", g.walletAddr, g.registryAddr); err != nil {
		return fmt.Errorf("failed to read operator approval: %w", err)
	}
	rateAllowance := out[0].(*big.Int)
	lockupAllowance := out[1].(*big.Int)

	requiredRate := big.NewInt(int64(n) * ratePerProviderPerEpoch)
	if rateAllowance.Cmp(requiredRate) < 0 || lockupAllowance.Cmp(required) < 0 {
		g.logger.Info().Msg("re-approving registry operator with open allowances")

		topts, err := g.transactor(ctx)
		if err != nil {
			return err
		}
		tx, err := g.payments.Transact(topts, "approveService", g.registryAddr, maxUint256, maxUint256)
		if err != nil {
			return fmt.Errorf("failed to approve service: %w", err)
		}
		if _, err := bind.WaitMined(ctx, g.client, tx); err != nil {
			return fmt.Errorf("failed to confirm approval: %w", err)
		}
	}
	return nil
}

// requiredLockup is the lockup needed to fund n providers over the
// allowance horizon
func requiredLockup(n int) *big.Int {
	epochs := big.NewInt(allowanceHorizonSeconds / epochSeconds)
	perEpoch := big.NewInt(int64(n) * ratePerProviderPerEpoch)
	return new(big.Int).Mul(perEpoch, epochs)
}
