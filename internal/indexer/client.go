// Package indexer implements the C8 deposit watcher of spec.md §4.8: a
// streaming subscription used only as a latency hint, a polling loop
// over confirmed blocks as the source of truth, and checkpoint/reorg
// handling so a restart resumes exactly where it left off. Grounded on
// Klingon-tech-klingdex's internal/contracts/htlc/client.go for the
// ethclient dial and context-aware call shape, generalized from a
// single HTLC contract's typed events to plain native-token transfers
// into one hot wallet address.
package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the subset of ethclient.Client the indexer depends on,
// narrowed to an interface so tests can supply a fake chain without a
// live node (there is no testcontainers-based Ethereum grounding in the
// pack, unlike internal/ledger's Postgres integration tests).
type ChainClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// compile-time assertion that *ethclient.Client satisfies ChainClient.
var _ ChainClient = (*ethclient.Client)(nil)

// Dial connects to an RPC/WS endpoint, mirroring the teacher's
// ethclient.Dial + nil-check pattern in client.go's NewClient.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("indexer: dial %s: %w", url, err)
	}
	return client, nil
}

// ParseHotWallet validates the configured hot wallet address once at
// startup instead of failing block-by-block during scanning.
func ParseHotWallet(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("indexer: invalid hot wallet address %q", addr)
	}
	return common.HexToAddress(addr), nil
}

// HotWalletBalanceReader reads the hot wallet's live on-chain balance,
// satisfying internal/solvency.ChainBalance structurally (no import of
// internal/solvency needed here: the watchdog's liability check is the
// only caller, and it depends on this package, not the reverse).
type HotWalletBalanceReader struct {
	client  *ethclient.Client
	address common.Address
}

func NewHotWalletBalanceReader(client *ethclient.Client, address common.Address) *HotWalletBalanceReader {
	return &HotWalletBalanceReader{client: client, address: address}
}

func (r *HotWalletBalanceReader) HotWalletBalance(ctx context.Context) (*big.Int, error) {
	bal, err := r.client.BalanceAt(ctx, r.address, nil)
	if err != nil {
		return nil, fmt.Errorf("indexer: hot wallet balance: %w", err)
	}
	return bal, nil
}
