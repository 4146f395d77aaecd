package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Gateway selects the adapter for a network identifier and exposes one
// uniform settlement surface. It is constructed once at process start and
// passed by reference wherever settlement is needed; adapters are created
// lazily and cached for the process lifetime, one signer/connection per
// network. Transfers are serialized per network so a shared hot wallet never
// signs two spends concurrently.
type Gateway struct {
	networks    map[string]NetworkConfig
	signers     map[string]Signer
	tronSigners map[string]TronSigner

	mu       sync.Mutex
	adapters map[string]Adapter
	sendMu   map[string]*sync.Mutex
}

func NewGateway(networks map[string]NetworkConfig, signers map[string]Signer, tronSigners map[string]TronSigner) *Gateway {
	return &Gateway{
		networks:    networks,
		signers:     signers,
		tronSigners: tronSigners,
		adapters:    make(map[string]Adapter),
		sendMu:      make(map[string]*sync.Mutex),
	}
}

func (g *Gateway) adapter(network string) (Adapter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if a, ok := g.adapters[network]; ok {
		return a, nil
	}
	cfg, ok := g.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	var a Adapter
	if network == "TRC20" {
		a = NewTronAdapter(cfg, g.tronSigners[network])
	} else {
		a = NewEVMAdapter(cfg, g.signers[network])
	}
	g.adapters[network] = a
	g.sendMu[network] = &sync.Mutex{}
	return a, nil
}

func (g *Gateway) transferLock(network string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendMu[network]
}

func (g *Gateway) Transfer(ctx context.Context, network string, asset Asset, toAddress string, amount decimal.Decimal) (TransferResult, error) {
	a, err := g.adapter(network)
	if err != nil {
		return TransferResult{}, err
	}

	lock := g.transferLock(network)
	lock.Lock()
	defer lock.Unlock()
	return a.Transfer(ctx, asset, toAddress, amount)
}

func (g *Gateway) BalanceOf(ctx context.Context, network string, asset Asset) (decimal.Decimal, error) {
	a, err := g.adapter(network)
	if err != nil {
		return decimal.Zero, err
	}
	return a.BalanceOf(ctx, asset)
}

func (g *Gateway) WalletAddress(network string) (string, error) {
	a, err := g.adapter(network)
	if err != nil {
		return "", err
	}
	return a.WalletAddress()
}

func (g *Gateway) MonitorDeposit(ctx context.Context, network string, address string, asset Asset, expected decimal.Decimal, fn DepositFunc) (*Subscription, error) {
	a, err := g.adapter(network)
	if err != nil {
		return nil, err
	}
	return a.MonitorDeposit(ctx, address, asset, expected, fn)
}

// Networks lists the configured network identifiers.
func (g *Gateway) Networks() []string {
	out := make([]string, 0, len(g.networks))
	for name := range g.networks {
		out = append(out, name)
	}
	return out
}
