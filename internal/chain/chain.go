package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Error kinds surfaced to the orchestrator. Transport problems wrap
// ErrTransportFailure so callers can classify with errors.Is.
var (
	ErrUnsupportedAsset   = errors.New("asset not supported on network")
	ErrUnsupportedNetwork = errors.New("network not configured")
	ErrSignerUnavailable  = errors.New("no signer configured for network")
	ErrTransportFailure   = errors.New("chain transport failure")
	ErrOnChainRevert      = errors.New("transaction reverted on chain")
)

type Asset string

const (
	AssetUSDT Asset = "USDT"
	AssetUSDC Asset = "USDC"
)

// NetworkConfig describes one chain endpoint and its token contract map.
type NetworkConfig struct {
	RPCURL      string
	WSURL       string
	ChainID     int64
	Name        string
	ExplorerURL string
	Tokens      map[Asset]string
}

type TransferResult struct {
	TxHash      string
	ExplorerURL string
}

// DepositFunc is invoked at most once, the first time a deposit to the
// watched address reaches the expected amount.
type DepositFunc func(txHash string, amount decimal.Decimal)

// Adapter is the per-network-family settlement contract. Transfer is safe to
// call at most once per logical transfer; deduplication is the orchestrator's
// job, not the adapter's.
type Adapter interface {
	Transfer(ctx context.Context, asset Asset, toAddress string, amount decimal.Decimal) (TransferResult, error)
	BalanceOf(ctx context.Context, asset Asset) (decimal.Decimal, error)
	WalletAddress() (string, error)
	MonitorDeposit(ctx context.Context, address string, asset Asset, expected decimal.Decimal, fn DepositFunc) (*Subscription, error)
}

// SignRequest is an unsigned EVM token transfer handed to the signer
// capability. Key handling lives entirely behind the Signer.
type SignRequest struct {
	ChainID  int64
	Nonce    uint64
	To       string
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int
}

type Signer interface {
	Address() string
	SignTransfer(ctx context.Context, req SignRequest) ([]byte, error)
}

// TronSigner signs a TronGrid-built transaction by its txID digest.
type TronSigner interface {
	Address() string
	SignTx(ctx context.Context, txID string) (string, error)
}

// Subscription is the cancellable handle returned by MonitorDeposit. The
// owner must cancel it when the watched order terminates; a cancelled watch
// never invokes its callback afterward. NewSubscription wires a cancel
// function to a deposit callback; adapters create one per watch.
type Subscription struct {
	mu        sync.Mutex
	cancelled bool
	fired     bool
	cancel    context.CancelFunc
	fn        DepositFunc
}

func NewSubscription(cancel context.CancelFunc, fn DepositFunc) *Subscription {
	return &Subscription{cancel: cancel, fn: fn}
}

func (s *Subscription) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
}

// fire delivers the deposit callback once, unless the subscription was
// cancelled first. Returns true when the callback ran.
func (s *Subscription) fire(txHash string, amount decimal.Decimal) bool {
	s.mu.Lock()
	if s.cancelled || s.fired {
		s.mu.Unlock()
		return false
	}
	s.fired = true
	fn := s.fn
	s.mu.Unlock()

	fn(txHash, amount)
	return true
}

// meetsExpected reports whether an observed deposit covers at least 99% of
// the expected amount, absorbing sender-side fee deductions.
func meetsExpected(observed, expected decimal.Decimal) bool {
	threshold := expected.Mul(decimal.NewFromFloat(0.99))
	return observed.GreaterThanOrEqual(threshold)
}
