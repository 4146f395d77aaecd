package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xMgwan/rampa/internal/chain"
	"github.com/0xMgwan/rampa/internal/matching"
	"github.com/0xMgwan/rampa/internal/models"
	"github.com/0xMgwan/rampa/internal/providers"
	"github.com/0xMgwan/rampa/internal/store"
)

// memStore is an in-memory Store with real compare-and-set semantics, enough
// to exercise the orchestrator's concurrency contract without a database.
type memStore struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	events    []*models.WebhookEvent
	unmatched []models.PaymentSignal
	country   *models.Country
	provider  *models.PaymentProvider
}

func newMemStore() *memStore {
	return &memStore{
		orders: map[string]*models.Order{},
		country: &models.Country{
			ID: "c-1", Code: "TZ", Name: "Tanzania", CurrencyCode: "TZS", PhonePrefix: "255",
		},
		provider: &models.PaymentProvider{
			ID: "pp-1", CountryCode: "TZ", ProviderName: "M-Pesa", Kind: "mpesa", Status: "ACTIVE",
		},
	}
}

func (m *memStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *memStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *memStore) GetOrderByNumber(_ context.Context, number string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.OrderNumber == number {
			cp := *order
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateOrderStatus(_ context.Context, id string, from []models.OrderStatus, to models.OrderStatus, upd store.OrderUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if order.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	order.Status = to
	if upd.TransactionID != nil {
		order.TransactionID = upd.TransactionID
	}
	if upd.TxHash != nil {
		order.TxHash = upd.TxHash
	}
	if upd.ExplorerURL != nil {
		order.ExplorerURL = upd.ExplorerURL
	}
	if upd.ErrorMessage != nil {
		order.ErrorMessage = upd.ErrorMessage
	}
	if upd.CompletedAt != nil {
		order.CompletedAt = upd.CompletedAt
	}
	order.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) AppendOrderMetadata(_ context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	if order.Metadata == nil {
		order.Metadata = map[string]any{}
	}
	for k, v := range patch {
		order.Metadata[k] = v
	}
	return nil
}

func (m *memStore) ListPendingBuyOrders(_ context.Context, since time.Time) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, order := range m.orders {
		if order.Status == models.StatusPending && order.Type == models.OrderBuy && !order.CreatedAt.Before(since) {
			cp := *order
			out = append(out, &cp)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memStore) ListPendingSellOrders(_ context.Context, notAfter time.Time) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, order := range m.orders {
		if order.Status == models.StatusPending && order.Type == models.OrderSell && order.ExpiresAt.After(notAfter) {
			cp := *order
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ExpirePendingOrders(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, order := range m.orders {
		if order.Status == models.StatusPending && order.ExpiresAt.Before(now) {
			order.Status = models.StatusExpired
			ids = append(ids, order.ID)
		}
	}
	return ids, nil
}

func (m *memStore) RecordUnmatchedSignal(_ context.Context, sig models.PaymentSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmatched = append(m.unmatched, sig)
	return nil
}

func (m *memStore) GetCountry(_ context.Context, code string) (*models.Country, error) {
	if code != m.country.Code {
		return nil, store.ErrNotFound
	}
	return m.country, nil
}

func (m *memStore) GetPaymentProvider(_ context.Context, id string) (*models.PaymentProvider, error) {
	if id != m.provider.ID {
		return nil, store.ErrNotFound
	}
	return m.provider, nil
}

func (m *memStore) ListPaymentProviders(_ context.Context, countryCode string) ([]*models.PaymentProvider, error) {
	if countryCode == m.provider.CountryCode {
		return []*models.PaymentProvider{m.provider}, nil
	}
	return nil, nil
}

func (m *memStore) InsertWebhookEvent(_ context.Context, ev *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []string
	for _, ev := range m.events {
		types = append(types, ev.EventType)
	}
	return types
}

// fakeGateway counts transfers, optionally fails them, and records the
// contexts it is handed so tests can check their lifetimes.
type fakeGateway struct {
	mu          sync.Mutex
	transfers   int
	transferErr error
	deposits    map[string]chain.DepositFunc
	watchCtx    context.Context
	transferCtx context.Context
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{deposits: map[string]chain.DepositFunc{}}
}

func (g *fakeGateway) Transfer(ctx context.Context, _ string, _ chain.Asset, _ string, _ decimal.Decimal) (chain.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transferCtx = ctx
	if g.transferErr != nil {
		return chain.TransferResult{}, g.transferErr
	}
	g.transfers++
	return chain.TransferResult{
		TxHash:      fmt.Sprintf("0xhash%d", g.transfers),
		ExplorerURL: "https://basescan.org/tx/0xhash",
	}, nil
}

func (g *fakeGateway) BalanceOf(_ context.Context, _ string, asset chain.Asset) (decimal.Decimal, error) {
	if asset == chain.AssetUSDC {
		return decimal.Zero, fmt.Errorf("%w: %s", chain.ErrUnsupportedAsset, asset)
	}
	return decimal.RequireFromString("1000"), nil
}

func (g *fakeGateway) WalletAddress(string) (string, error) {
	return "0x00000000000000000000000000000000000000aa", nil
}

func (g *fakeGateway) MonitorDeposit(ctx context.Context, _, address string, _ chain.Asset, _ decimal.Decimal, fn chain.DepositFunc) (*chain.Subscription, error) {
	g.mu.Lock()
	g.deposits[address] = fn
	g.watchCtx = ctx
	g.mu.Unlock()
	return chain.NewSubscription(func() {}, fn), nil
}

func (g *fakeGateway) Networks() []string { return []string{"base"} }

func (g *fakeGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers
}

func (g *fakeGateway) lastWatchCtx() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.watchCtx
}

func (g *fakeGateway) lastTransferCtx() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transferCtx
}

type fakeRates struct{}

func (fakeRates) Get(context.Context, string) (*models.ExchangeRate, error) {
	return &models.ExchangeRate{
		CountryCode:  "TZ",
		CurrencyCode: "TZS",
		USDTBuyRate:  decimal.RequireFromString("2580"),
		USDTSellRate: decimal.RequireFromString("2478"),
		USDCBuyRate:  decimal.RequireFromString("2581"),
		USDCSellRate: decimal.RequireFromString("2479"),
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

// fakeVerifier approves everything except the literal id "BAD".
type fakeVerifier struct{}

func (v *fakeVerifier) VerifyPayment(_ context.Context, transactionID string, expectedAmount int64) (providers.VerificationResult, error) {
	if transactionID == "BAD" {
		return providers.VerificationResult{Verified: false, Err: "no matching payment found"}, nil
	}
	return providers.VerificationResult{Verified: true, Amount: expectedAmount, TransactionID: transactionID}, nil
}

type fakePayout struct {
	reject bool
}

func (p *fakePayout) SendPayout(_ context.Context, _ string, _ int64) (providers.PayoutResult, error) {
	if p.reject {
		return providers.PayoutResult{Success: false, Err: "insufficient float"}, nil
	}
	return providers.PayoutResult{Success: true, TransactionID: "PAYOUT-1"}, nil
}

type env struct {
	svc   *Service
	store *memStore
	gw    *fakeGateway
	reg   *providers.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := newMemStore()
	gw := newFakeGateway()
	reg := providers.NewRegistry()
	reg.RegisterVerifier("mpesa", &fakeVerifier{})
	reg.RegisterPayout("mpesa", &fakePayout{})
	svc := New(st, gw, fakeRates{}, reg, matching.NewEngine(100, "255"), chain.NewMonitorRegistry(), nil, providers.NewParser("255"), Options{
		OrderTTL: 30 * time.Minute,
		Lookback: 24 * time.Hour,
	})
	return &env{svc: svc, store: st, gw: gw, reg: reg}
}

func onrampInput() CreateOrderInput {
	return CreateOrderInput{
		PartnerID:          "partner-1",
		AmountCrypto:       decimal.RequireFromString("10"),
		CryptoType:         models.USDT,
		Network:            "base",
		DestinationAddress: "0x1111111111111111111111111111111111111111",
		UserFullName:       "Asha Mushi",
		UserPhone:          "0765123456",
		CountryCode:        "TZ",
		PaymentProviderID:  "pp-1",
	}
}

func TestCreateOnramp(t *testing.T) {
	e := newEnv(t)

	order, err := e.svc.CreateOnramp(context.Background(), onrampInput())
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, order.Status)
	assert.Equal(t, models.OrderBuy, order.Type)
	// 10 USDT at 2580 TZS buy rate.
	assert.Equal(t, int64(25800), order.AmountFiat)
	assert.Regexp(t, `^ORD-\d{8}-\d{4}$`, order.OrderNumber)
	require.NotNil(t, order.UserPhone)
	assert.Equal(t, "255765123456", *order.UserPhone)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), order.ExpiresAt, time.Minute)
	assert.Equal(t, []string{EventOrderCreated}, e.store.eventTypes())
}

func TestCreateOnrampValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	in := onrampInput()
	in.DestinationAddress = "not-an-address"
	_, err := e.svc.CreateOnramp(ctx, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = onrampInput()
	in.AmountCrypto = decimal.Zero
	_, err = e.svc.CreateOnramp(ctx, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = onrampInput()
	in.CountryCode = "KE"
	_, err = e.svc.CreateOnramp(ctx, in)
	assert.ErrorIs(t, err, ErrValidation)

	// Address format is checked against the order's network family.
	in = onrampInput()
	in.Network = "TRC20"
	_, err = e.svc.CreateOnramp(ctx, in)
	assert.ErrorIs(t, err, ErrValidation)

	in = onrampInput()
	in.DestinationAddress = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	_, err = e.svc.CreateOnramp(ctx, in)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, e.store.eventTypes())
}

func TestCreateOfframp(t *testing.T) {
	e := newEnv(t)

	in := onrampInput()
	in.DestinationAddress = ""
	order, err := e.svc.CreateOfframp(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, models.OrderSell, order.Type)
	// 10 USDT at 2478 TZS sell rate.
	assert.Equal(t, int64(24780), order.AmountFiat)
	require.NotNil(t, order.DepositAddress)
	assert.NotNil(t, e.gw.deposits[*order.DepositAddress])
}

func TestVerifyPaymentCompletesOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	verified, err := e.svc.VerifyPayment(ctx, order.ID, "partner-1", "TX123")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, verified.Status)
	require.NotNil(t, verified.TxHash)
	assert.Equal(t, "0xhash1", *verified.TxHash)
	require.NotNil(t, verified.CompletedAt)
	assert.Equal(t, 1, e.gw.transferCount())
	assert.Equal(t, []string{EventOrderCreated, EventOrderVerifying, EventOrderProcessing, EventOrderCompleted}, e.store.eventTypes())

	// The settlement leg runs under its own deadline, not the caller's.
	deadline, ok := e.gw.lastTransferCtx().Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), deadline, time.Minute)
}

func TestVerifyPaymentConcurrentCallsTransferOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.VerifyPayment(ctx, order.ID, "partner-1", "TX123")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, e.gw.transferCount())

	var won, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrOrderConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, callers-1, conflicted)
}

func TestVerifyPaymentRejectedMarksFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	failed, err := e.svc.VerifyPayment(ctx, order.ID, "partner-1", "BAD")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "not verified")
	assert.Equal(t, 0, e.gw.transferCount())
	assert.Contains(t, e.store.eventTypes(), EventOrderFailed)
}

func TestVerifyPaymentTransferFailureIsTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.transferErr = fmt.Errorf("%w: rpc node down", chain.ErrTransportFailure)

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	failed, err := e.svc.VerifyPayment(ctx, order.ID, "partner-1", "TX123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)

	// No automatic retry: a second call is rejected outright.
	_, err = e.svc.VerifyPayment(ctx, order.ID, "partner-1", "TX123")
	assert.ErrorIs(t, err, ErrOrderConflict)
	assert.Equal(t, 0, e.gw.transferCount())
}

func TestVerifyPaymentAccessControl(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.VerifyPayment(ctx, "missing-id", "partner-1", "TX123")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	_, err = e.svc.VerifyPayment(ctx, order.ID, "partner-2", "TX123")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = e.svc.VerifyPayment(ctx, order.ID, "partner-1", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVerifyPaymentExpiredOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	e.store.mu.Lock()
	e.store.orders[order.ID].Status = models.StatusExpired
	e.store.mu.Unlock()

	_, err = e.svc.VerifyPayment(ctx, order.ID, "partner-1", "TX123")
	assert.ErrorIs(t, err, ErrOrderExpired)
}

func TestVerifyPaymentLazilyExpiresOverdueOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	// Past its deadline but the expiry sweep has not run yet.
	e.store.mu.Lock()
	e.store.orders[order.ID].ExpiresAt = time.Now().Add(-5 * time.Minute)
	e.store.mu.Unlock()

	_, err = e.svc.VerifyPayment(ctx, order.ID, "partner-1", "TX123")
	assert.ErrorIs(t, err, ErrOrderExpired)

	final, err := e.svc.GetOrder(ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, final.Status)
	assert.Equal(t, 0, e.gw.transferCount())
	assert.Contains(t, e.store.eventTypes(), EventOrderExpired)
}

func TestDepositCompletesOfframp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	in := onrampInput()
	in.DestinationAddress = ""
	order, err := e.svc.CreateOfframp(ctx, in)
	require.NoError(t, err)

	fn := e.gw.deposits[*order.DepositAddress]
	require.NotNil(t, fn)
	fn("0xdeposit", order.AmountCrypto)

	final, err := e.svc.GetOrder(ctx, order.ID, "partner-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	require.NotNil(t, final.TransactionID)
	assert.Equal(t, "PAYOUT-1", *final.TransactionID)
	assert.Equal(t, "0xdeposit", final.Metadata["depositTxHash"])
	assert.Contains(t, e.store.eventTypes(), EventOrderCompleted)
}

func TestPayoutRejectionFailsOfframp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.reg.RegisterPayout("mpesa", &fakePayout{reject: true})

	in := onrampInput()
	in.DestinationAddress = ""
	order, err := e.svc.CreateOfframp(ctx, in)
	require.NoError(t, err)

	fn := e.gw.deposits[*order.DepositAddress]
	fn("0xdeposit", order.AmountCrypto)

	final, err := e.svc.GetOrder(ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "payout rejected")
}

func TestDepositAfterExpiryIsIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	in := onrampInput()
	in.DestinationAddress = ""
	order, err := e.svc.CreateOfframp(ctx, in)
	require.NoError(t, err)

	e.store.mu.Lock()
	e.store.orders[order.ID].Status = models.StatusExpired
	e.store.mu.Unlock()

	fn := e.gw.deposits[*order.DepositAddress]
	fn("0xlate", order.AmountCrypto)

	final, err := e.svc.GetOrder(ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, final.Status)
}

func TestDepositWatchOutlivesRequestContext(t *testing.T) {
	e := newEnv(t)
	reqCtx, cancel := context.WithCancel(context.Background())

	in := onrampInput()
	in.DestinationAddress = ""
	order, err := e.svc.CreateOfframp(reqCtx, in)
	require.NoError(t, err)

	// The HTTP request context dies when the response is written; the watch
	// must not die with it.
	cancel()
	watchCtx := e.gw.lastWatchCtx()
	require.NotNil(t, watchCtx)
	assert.NoError(t, watchCtx.Err())

	deadline, ok := watchCtx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, order.ExpiresAt, deadline, time.Second)

	fn := e.gw.deposits[*order.DepositAddress]
	fn("0xdeposit", order.AmountCrypto)

	final, err := e.svc.GetOrder(context.Background(), order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestRestoreDepositWatches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	in := onrampInput()
	in.DestinationAddress = ""
	order, err := e.svc.CreateOfframp(ctx, in)
	require.NoError(t, err)

	// Simulate a restart: the in-memory watch is gone, the order is not.
	e.gw.mu.Lock()
	delete(e.gw.deposits, *order.DepositAddress)
	e.gw.mu.Unlock()

	n, err := e.svc.RestoreDepositWatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fn := e.gw.deposits[*order.DepositAddress]
	require.NotNil(t, fn)
	fn("0xdeposit", order.AmountCrypto)

	final, err := e.svc.GetOrder(ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

type fakeSource struct {
	signals []models.PaymentSignal
}

func (f *fakeSource) RecentSignals(context.Context) ([]models.PaymentSignal, error) {
	return f.signals, nil
}

func TestAutoVerifySweepMatchesOldestOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)
	e.store.mu.Lock()
	e.store.orders[first.ID].CreatedAt = time.Now().Add(-10 * time.Minute)
	e.store.mu.Unlock()

	second, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	e.reg.RegisterSource("selcom", &fakeSource{signals: []models.PaymentSignal{
		{Amount: 25800, Phone: "0765123456", TransactionID: "SIG-1", Provider: "SELCOM", ObservedAt: time.Now()},
		{Amount: 99999, Phone: "0700000000", TransactionID: "SIG-2", Provider: "SELCOM", ObservedAt: time.Now()},
	}})

	res, err := e.svc.AutoVerifySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Signals)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Unmatched)

	matched, _ := e.svc.GetOrder(ctx, first.ID, "")
	assert.Equal(t, models.StatusCompleted, matched.Status)
	assert.Equal(t, true, matched.Metadata["autoVerified"])
	assert.Equal(t, "SIG-1", matched.Metadata["signalTransactionId"])

	untouched, _ := e.svc.GetOrder(ctx, second.ID, "")
	assert.Equal(t, models.StatusPending, untouched.Status)

	require.Len(t, e.store.unmatched, 1)
	assert.Equal(t, "SIG-2", e.store.unmatched[0].TransactionID)
}

func TestIngestNotificationMatchesOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	matched, err := e.svc.IngestNotification(ctx, NotificationInput{
		Channel: "sms",
		Body:    "CD12345678 Confirmed. You have received TZS 25,800 from 0765123456 ASHA MUSHI.",
	})
	require.NoError(t, err)
	assert.True(t, matched)

	final, err := e.svc.GetOrder(ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, "CD12345678", final.Metadata["signalTransactionId"])
}

func TestIngestNotificationUnmatchedIsRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	matched, err := e.svc.IngestNotification(ctx, NotificationInput{
		Channel: "sms",
		Body:    "AB98765432 Confirmed. You have received TZS 99,999 from 0700000000 JOHN DOE.",
	})
	require.NoError(t, err)
	assert.False(t, matched)
	require.Len(t, e.store.unmatched, 1)
	assert.Equal(t, "AB98765432", e.store.unmatched[0].TransactionID)
}

func TestIngestNotificationRejectsUnrecognizedText(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.IngestNotification(context.Background(), NotificationInput{
		Channel: "sms",
		Body:    "Your airtime bundle is about to expire",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.svc.IngestNotification(context.Background(), NotificationInput{
		Channel: "fax",
		Body:    "received TZS 1,000 from 0765123456",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExpireSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order, err := e.svc.CreateOnramp(ctx, onrampInput())
	require.NoError(t, err)

	e.store.mu.Lock()
	e.store.orders[order.ID].ExpiresAt = time.Now().Add(-time.Minute)
	e.store.mu.Unlock()

	n, err := e.svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, _ := e.svc.GetOrder(ctx, order.ID, "")
	assert.Equal(t, models.StatusExpired, expired.Status)
	assert.Contains(t, e.store.eventTypes(), EventOrderExpired)
}

func TestHandleProviderWebhookRejectsBadDigest(t *testing.T) {
	e := newEnv(t)
	selcom := providers.NewSelcom(providers.SelcomConfig{APISecret: "topsecret"})
	e.svc.selcom = selcom

	order, err := e.svc.CreateOnramp(context.Background(), onrampInput())
	require.NoError(t, err)

	payload := []byte(`{"transid":"SIG-9","amount":25800,"msisdn":"0765123456","status":"COMPLETED"}`)
	err = e.svc.HandleProviderWebhook(context.Background(), "selcom", "2026-08-31T12:00:00Z", payload, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	untouched, _ := e.svc.GetOrder(context.Background(), order.ID, "")
	assert.Equal(t, models.StatusPending, untouched.Status)
}

func TestWalletBalancesSkipsUnsupportedAssets(t *testing.T) {
	e := newEnv(t)

	balances := e.svc.WalletBalances(context.Background())
	require.Len(t, balances, 1)
	assert.Equal(t, "base", balances[0].Network)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.True(t, balances[0].Balance.Equal(decimal.RequireFromString("1000")))
}
