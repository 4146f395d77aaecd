package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xMgwan/rampa/internal/chain"
	"github.com/0xMgwan/rampa/internal/matching"
	"github.com/0xMgwan/rampa/internal/models"
	"github.com/0xMgwan/rampa/internal/providers"
	"github.com/0xMgwan/rampa/internal/store"
	"github.com/0xMgwan/rampa/internal/webhooks"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, upd store.OrderUpdate) (bool, error)
	AppendOrderMetadata(ctx context.Context, id string, patch map[string]any) error
	ListPendingBuyOrders(ctx context.Context, since time.Time) ([]*models.Order, error)
	ListPendingSellOrders(ctx context.Context, notAfter time.Time) ([]*models.Order, error)
	ExpirePendingOrders(ctx context.Context, now time.Time) ([]string, error)
	RecordUnmatchedSignal(ctx context.Context, sig models.PaymentSignal) error
	GetCountry(ctx context.Context, code string) (*models.Country, error)
	GetPaymentProvider(ctx context.Context, id string) (*models.PaymentProvider, error)
	ListPaymentProviders(ctx context.Context, countryCode string) ([]*models.PaymentProvider, error)
	InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
}

// Gateway is the settlement surface, satisfied by *chain.Gateway.
type Gateway interface {
	Transfer(ctx context.Context, network string, asset chain.Asset, toAddress string, amount decimal.Decimal) (chain.TransferResult, error)
	BalanceOf(ctx context.Context, network string, asset chain.Asset) (decimal.Decimal, error)
	WalletAddress(network string) (string, error)
	MonitorDeposit(ctx context.Context, network, address string, asset chain.Asset, expected decimal.Decimal, fn chain.DepositFunc) (*chain.Subscription, error)
	Networks() []string
}

// RateSource resolves the current buy/sell rates for a country.
type RateSource interface {
	Get(ctx context.Context, countryCode string) (*models.ExchangeRate, error)
}

// Webhook event types partners can subscribe to, one per lifecycle
// transition.
const (
	EventOrderCreated    = "ORDER_CREATED"
	EventOrderVerifying  = "ORDER_VERIFYING"
	EventOrderProcessing = "ORDER_PROCESSING"
	EventOrderCompleted  = "ORDER_COMPLETED"
	EventOrderFailed     = "ORDER_FAILED"
	EventOrderExpired    = "ORDER_EXPIRED"
)

type Options struct {
	OrderTTL        time.Duration
	Lookback        time.Duration
	TransferTimeout time.Duration
}

// Service is the order orchestrator: it owns the lifecycle state machine and
// coordinates the store, the settlement gateway, payment providers, and the
// webhook outbox. All transitions go through the store's compare-and-set, so
// concurrent entry points cannot double-settle an order.
type Service struct {
	store    Store
	gateway  Gateway
	rates    RateSource
	registry *providers.Registry
	matcher  *matching.Engine
	monitors *chain.MonitorRegistry
	selcom   *providers.Selcom
	parser   *providers.Parser
	opts     Options

	seqMu   sync.Mutex
	seqDay  string
	seqNext int
}

func New(st Store, gw Gateway, rates RateSource, registry *providers.Registry, matcher *matching.Engine, monitors *chain.MonitorRegistry, selcom *providers.Selcom, parser *providers.Parser, opts Options) *Service {
	if opts.OrderTTL <= 0 {
		opts.OrderTTL = 30 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 2 * time.Minute
	}
	return &Service{
		store:    st,
		gateway:  gw,
		rates:    rates,
		registry: registry,
		matcher:  matcher,
		monitors: monitors,
		selcom:   selcom,
		parser:   parser,
		opts:     opts,
	}
}

// CreateOrderInput is shared by both order directions; DestinationAddress is
// required for BUY, ignored for SELL.
type CreateOrderInput struct {
	PartnerID          string
	PartnerOrderID     *string
	AmountCrypto       decimal.Decimal
	CryptoType         models.CryptoType
	Network            string
	DestinationAddress string
	UserFullName       string
	UserPhone          string
	CountryCode        string
	PaymentProviderID  string
}

// CreateOnramp opens a BUY order: the user will pay fiat through the chosen
// provider and receive crypto at the destination address once verified.
func (s *Service) CreateOnramp(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if err := s.validateCommon(in); err != nil {
		return nil, err
	}
	if !chain.ValidAddress(in.DestinationAddress, in.Network) {
		return nil, validationErr("destination address %q is not valid on %s", in.DestinationAddress, in.Network)
	}

	country, err := s.resolveRefs(ctx, in)
	if err != nil {
		return nil, err
	}

	rate, err := s.buyRate(ctx, in.CountryCode, in.CryptoType)
	if err != nil {
		return nil, err
	}

	// The user pays at least the quoted value; rounding always lands in the
	// house's favor on the buy side.
	amountFiat := in.AmountCrypto.Mul(rate).Ceil().IntPart()

	order := s.newOrder(in, models.OrderBuy, country, rate, amountFiat)
	order.DestinationAddress = &in.DestinationAddress

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.enqueue(ctx, order, EventOrderCreated)
	return order, nil
}

// CreateOfframp opens a SELL order: the user deposits crypto to the platform
// wallet and receives fiat via the chosen provider once the deposit lands.
// The deposit watch is registered immediately and lives until the order
// terminates.
func (s *Service) CreateOfframp(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if err := s.validateCommon(in); err != nil {
		return nil, err
	}

	country, err := s.resolveRefs(ctx, in)
	if err != nil {
		return nil, err
	}

	rate, err := s.sellRate(ctx, in.CountryCode, in.CryptoType)
	if err != nil {
		return nil, err
	}

	depositAddress, err := s.gateway.WalletAddress(in.Network)
	if err != nil {
		return nil, validationErr("network %q is not supported", in.Network)
	}

	// Floor on the sell side, same direction of rounding as the buy ceil.
	amountFiat := in.AmountCrypto.Mul(rate).Floor().IntPart()

	order := s.newOrder(in, models.OrderSell, country, rate, amountFiat)
	order.DepositAddress = &depositAddress

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	if err := s.watchDeposit(order); err != nil {
		log.Printf("order %s created but deposit watch failed: %v", order.OrderNumber, err)
	}
	s.enqueue(ctx, order, EventOrderCreated)
	return order, nil
}

// GetOrder loads an order, enforcing partner ownership when partnerID is
// non-empty. Admin callers pass an empty partnerID.
func (s *Service) GetOrder(ctx context.Context, id, partnerID string) (*models.Order, error) {
	order, err := s.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if partnerID != "" && order.PartnerID != partnerID {
		return nil, ErrForbidden
	}
	return order, nil
}

// Rates returns the current quote for a country.
func (s *Service) Rates(ctx context.Context, countryCode string) (*models.ExchangeRate, error) {
	rate, err := s.rates.Get(ctx, countryCode)
	if err != nil {
		return nil, upstream("rates", err)
	}
	return rate, nil
}

// PaymentMethods lists the active providers for a country.
func (s *Service) PaymentMethods(ctx context.Context, countryCode string) ([]*models.PaymentProvider, error) {
	return s.store.ListPaymentProviders(ctx, countryCode)
}

// NetworkBalance is one asset balance of the platform wallet on one network.
type NetworkBalance struct {
	Network string
	Address string
	Asset   string
	Balance decimal.Decimal
}

// WalletBalances reads the platform wallet's token balances across every
// configured network. Assets a network does not carry are skipped; transport
// failures are logged and skipped too, so one dead RPC node does not blank
// the whole report.
func (s *Service) WalletBalances(ctx context.Context) []NetworkBalance {
	var out []NetworkBalance
	for _, network := range s.gateway.Networks() {
		address, err := s.gateway.WalletAddress(network)
		if err != nil {
			continue
		}
		for _, asset := range []chain.Asset{chain.AssetUSDT, chain.AssetUSDC} {
			balance, err := s.gateway.BalanceOf(ctx, network, asset)
			if err != nil {
				if !errors.Is(err, chain.ErrUnsupportedAsset) {
					log.Printf("balance read failed on %s/%s: %v", network, asset, err)
				}
				continue
			}
			out = append(out, NetworkBalance{
				Network: network,
				Address: address,
				Asset:   string(asset),
				Balance: balance,
			})
		}
	}
	return out
}

func (s *Service) validateCommon(in CreateOrderInput) error {
	if in.PartnerID == "" {
		return validationErr("partner id is required")
	}
	if !in.AmountCrypto.IsPositive() {
		return validationErr("amount must be positive")
	}
	if in.CryptoType != models.USDT && in.CryptoType != models.USDC {
		return validationErr("unsupported crypto type %q", in.CryptoType)
	}
	if in.Network == "" {
		return validationErr("network is required")
	}
	if in.UserFullName == "" {
		return validationErr("user full name is required")
	}
	if in.UserPhone == "" {
		return validationErr("user phone is required")
	}
	return nil
}

func (s *Service) resolveRefs(ctx context.Context, in CreateOrderInput) (*models.Country, error) {
	country, err := s.store.GetCountry(ctx, in.CountryCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, validationErr("country %q is not supported", in.CountryCode)
		}
		return nil, err
	}
	provider, err := s.store.GetPaymentProvider(ctx, in.PaymentProviderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, validationErr("payment provider %q not found", in.PaymentProviderID)
		}
		return nil, err
	}
	if provider.Status != "ACTIVE" {
		return nil, validationErr("payment provider %q is not active", in.PaymentProviderID)
	}
	if provider.CountryCode != country.Code {
		return nil, validationErr("payment provider %q does not serve %s", in.PaymentProviderID, country.Code)
	}
	return country, nil
}

func (s *Service) newOrder(in CreateOrderInput, typ models.OrderType, country *models.Country, rate decimal.Decimal, amountFiat int64) *models.Order {
	now := time.Now().UTC()
	phone := matching.NormalizePhone(in.UserPhone, country.PhonePrefix)
	return &models.Order{
		ID:                uuid.NewString(),
		OrderNumber:       s.nextOrderNumber(now),
		PartnerID:         in.PartnerID,
		PartnerOrderID:    in.PartnerOrderID,
		Type:              typ,
		Status:            models.StatusPending,
		AmountCrypto:      in.AmountCrypto,
		CryptoType:        in.CryptoType,
		Network:           in.Network,
		AmountFiat:        amountFiat,
		CurrencyCode:      country.CurrencyCode,
		ExchangeRate:      rate,
		UserFullName:      in.UserFullName,
		UserPhone:         &phone,
		CountryCode:       country.Code,
		PaymentProviderID: in.PaymentProviderID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.opts.OrderTTL),
		UpdatedAt:         now,
	}
}

// nextOrderNumber produces ORD-YYYYMMDD-NNNN with a per-day sequence. The
// sequence is process-local; the order_number unique index is the backstop
// when multiple API processes race.
func (s *Service) nextOrderNumber(now time.Time) string {
	day := now.Format("20060102")

	s.seqMu.Lock()
	if s.seqDay != day {
		s.seqDay = day
		s.seqNext = 0
	}
	s.seqNext++
	n := s.seqNext
	s.seqMu.Unlock()

	return fmt.Sprintf("ORD-%s-%04d", day, n)
}

func (s *Service) buyRate(ctx context.Context, countryCode string, ct models.CryptoType) (decimal.Decimal, error) {
	rate, err := s.rates.Get(ctx, countryCode)
	if err != nil {
		return decimal.Zero, upstream("rates", err)
	}
	if ct == models.USDC {
		return rate.USDCBuyRate, nil
	}
	return rate.USDTBuyRate, nil
}

func (s *Service) sellRate(ctx context.Context, countryCode string, ct models.CryptoType) (decimal.Decimal, error) {
	rate, err := s.rates.Get(ctx, countryCode)
	if err != nil {
		return decimal.Zero, upstream("rates", err)
	}
	if ct == models.USDC {
		return rate.USDCSellRate, nil
	}
	return rate.USDTSellRate, nil
}

func (s *Service) loadOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	// Accept the human-facing order number too.
	order, err = s.store.GetOrderByNumber(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) enqueue(ctx context.Context, order *models.Order, eventType string) {
	if err := webhooks.Enqueue(ctx, s.store, order, eventType); err != nil {
		log.Printf("webhook enqueue %s for order %s failed: %v", eventType, order.OrderNumber, err)
	}
}

var (
	_ Store   = (*store.Store)(nil)
	_ Gateway = (*chain.Gateway)(nil)
)
