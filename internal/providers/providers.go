package providers

import (
	"context"
	"errors"

	"github.com/0xMgwan/rampa/internal/models"
)

var ErrProviderNotSupported = errors.New("payment provider not supported")

// VerificationResult is the normalized outcome of a provider lookup.
type VerificationResult struct {
	Verified      bool
	Amount        int64
	Payer         string
	TransactionID string
	Reference     string
	Err           string
}

type PayoutResult struct {
	Success       bool
	TransactionID string
	Err           string
}

// Verifier checks one provider transaction against the expected fiat amount.
type Verifier interface {
	VerifyPayment(ctx context.Context, transactionID string, expectedAmount int64) (VerificationResult, error)
}

// Payout sends a fiat payout for SELL orders.
type Payout interface {
	SendPayout(ctx context.Context, phone string, amount int64) (PayoutResult, error)
}

// SignalSource lists recent received-money notifications as normalized
// payment signals, for the automated matching sweep.
type SignalSource interface {
	RecentSignals(ctx context.Context) ([]models.PaymentSignal, error)
}

// Registry maps a provider kind to its strategy implementations. Selection
// is a lookup, not a type hierarchy; unknown kinds fail fast.
type Registry struct {
	verifiers map[string]Verifier
	payouts   map[string]Payout
	sources   map[string]SignalSource
}

func NewRegistry() *Registry {
	return &Registry{
		verifiers: make(map[string]Verifier),
		payouts:   make(map[string]Payout),
		sources:   make(map[string]SignalSource),
	}
}

func (r *Registry) RegisterVerifier(kind string, v Verifier) {
	r.verifiers[kind] = v
}

func (r *Registry) RegisterPayout(kind string, p Payout) {
	r.payouts[kind] = p
}

func (r *Registry) RegisterSource(kind string, s SignalSource) {
	r.sources[kind] = s
}

func (r *Registry) Verifier(kind string) (Verifier, error) {
	v, ok := r.verifiers[kind]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return v, nil
}

func (r *Registry) Payout(kind string) (Payout, error) {
	p, ok := r.payouts[kind]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return p, nil
}

// Sources returns every registered signal source; the auto-verify sweep
// polls them all.
func (r *Registry) Sources() map[string]SignalSource {
	return r.sources
}
