package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/config"
	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/store"
	"github.com/filbeam/spprobe/pkg/types"
)

// registryABIJSON covers the provider registry and piece anchoring calls
const registryABIJSON = `[
	{"type":"function","name":"getProviderCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getAllActiveProviders","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
	{"type":"function","name":"getProvider","stateMutability":"view","inputs":[{"name":"providerId","type":"uint256"}],"outputs":[{"name":"owner","type":"address"},{"name":"serviceURL","type":"string"},{"name":"active","type":"bool"},{"name":"approved","type":"bool"},{"name":"metadata","type":"string"}]},
	{"type":"function","name":"addPiece","stateMutability":"nonpayable","inputs":[{"name":"providerId","type":"uint256"},{"name":"pieceCid","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"pieceLive","stateMutability":"view","inputs":[{"name":"providerId","type":"uint256"},{"name":"pieceCid","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"pieceDealId","stateMutability":"view","inputs":[{"name":"providerId","type":"uint256"},{"name":"pieceCid","type":"bytes"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// paymentsABIJSON covers account funding and service approvals
const paymentsABIJSON = `[
	{"type":"function","name":"accountInfo","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"funds","type":"uint256"},{"name":"lockup","type":"uint256"}]},
	{"type":"function","name":"operatorApproval","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"rateAllowance","type":"uint256"},{"name":"lockupAllowance","type":"uint256"}]},
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"approveService","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"rateAllowance","type":"uint256"},{"name":"lockupAllowance","type":"uint256"}],"outputs":[]}
]`

// Gateway wraps the chain RPC client, the probe wallet and the registry
// and payments contracts
type Gateway struct {
	client       *ethclient.Client
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	walletAddr   common.Address
	registryAddr common.Address
	registry     *bind.BoundContract
	payments     *bind.BoundContract
	store        *store.Store
	cache        *providerCache
	approvedOnly bool
	logger       zerolog.Logger
}

// New dials the RPC endpoint, loads the probe wallet and binds the
// contracts. Fails fast when the chain is unreachable.
func New(ctx context.Context, cfg *config.Config, st *store.Store) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.WalletKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse wallet key: %w", err)
	}

	registryABI, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry abi: %w", err)
	}
	paymentsABI, err := abi.JSON(strings.NewReader(paymentsABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse payments abi: %w", err)
	}

	registryAddr := common.HexToAddress(cfg.RegistryAddr)
	paymentsAddr := common.HexToAddress(cfg.PaymentsAddr)

	g := &Gateway{
		client:       client,
		chainID:      chainID,
		key:          key,
		walletAddr:   crypto.PubkeyToAddress(key.PublicKey),
		registryAddr: registryAddr,
		registry:     bind.NewBoundContract(registryAddr, registryABI, client, client, client),
		payments:     bind.NewBoundContract(paymentsAddr, paymentsABI, client, client, client),
		store:        st,
		cache:        newProviderCache(),
		approvedOnly: cfg.UseOnlyApprovedProviders,
		logger:       log.WithComponent("chain"),
	}

	g.logger.Info().
		Str("wallet", g.walletAddr.Hex()).
		Str("chain_id", chainID.String()).
		Msg("chain gateway initialised")
	return g, nil
}

// Close releases the RPC client
func (g *Gateway) Close() {
	g.client.Close()
}

// WalletAddress returns the probe wallet address
func (g *Gateway) WalletAddress() string {
	return g.walletAddr.Hex()
}

// BlockNumber returns the current chain head
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read block number: %w", err)
	}
	return n, nil
}

// Snapshot returns a stable copy of the provider cache for the duration
// of a batch
func (g *Gateway) Snapshot() []*types.StorageProvider {
	return g.cache.Snapshot()
}

// Provider resolves one provider by address, preferring the in-memory
// registry snapshot and falling back to the store
func (g *Gateway) Provider(ctx context.Context, address string) (*types.StorageProvider, error) {
	if p, ok := g.cache.Get(address); ok {
		return p, nil
	}
	return g.store.GetProvider(ctx, address)
}

// TestingProviders returns the providers to probe, honouring the
// approved-only switch
func (g *Gateway) TestingProviders(ctx context.Context) ([]*types.StorageProvider, error) {
	return g.store.ListActiveProviders(ctx, g.approvedOnly)
}

func (g *Gateway) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(g.key, g.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}
