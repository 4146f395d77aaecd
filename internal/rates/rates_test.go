package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xMgwan/rampa/internal/models"
	"github.com/0xMgwan/rampa/internal/store"
)

type fakeStore struct {
	rate     *models.ExchangeRate
	upserted *models.ExchangeRate
}

func (f *fakeStore) GetCountry(_ context.Context, code string) (*models.Country, error) {
	if code != "TZ" {
		return nil, store.ErrNotFound
	}
	return &models.Country{Code: "TZ", CurrencyCode: "TZS", PhonePrefix: "255"}, nil
}

func (f *fakeStore) GetExchangeRate(context.Context, string) (*models.ExchangeRate, error) {
	if f.rate == nil {
		return nil, store.ErrNotFound
	}
	return f.rate, nil
}

func (f *fakeStore) UpsertExchangeRate(_ context.Context, rate *models.ExchangeRate) error {
	f.upserted = rate
	return nil
}

func quoteServers(t *testing.T) (coingecko, forex *httptest.Server) {
	t.Helper()
	coingecko = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("ids")
		w.Write([]byte(`{"` + id + `":{"usd":1.0}}`))
	}))
	t.Cleanup(coingecko.Close)
	forex = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rates":{"TZS":2530.0}}`))
	}))
	t.Cleanup(forex.Close)
	return coingecko, forex
}

func TestGetServesFreshStoredRate(t *testing.T) {
	fs := &fakeStore{rate: &models.ExchangeRate{
		CountryCode: "TZ",
		USDTBuyRate: decimal.RequireFromString("2580"),
		UpdatedAt:   time.Now().UTC(),
	}}
	// Unreachable upstream URLs prove no refresh happens.
	src := NewSource(fs, nil, Config{TTL: 5 * time.Minute, CoinGeckoURL: "http://127.0.0.1:1", ForexURL: "http://127.0.0.1:1"})

	rate, err := src.Get(context.Background(), "TZ")
	require.NoError(t, err)
	assert.True(t, rate.USDTBuyRate.Equal(decimal.RequireFromString("2580")))
	assert.Nil(t, fs.upserted)
}

func TestGetRefreshesStaleRate(t *testing.T) {
	cg, fx := quoteServers(t)
	fs := &fakeStore{rate: &models.ExchangeRate{
		CountryCode: "TZ",
		USDTBuyRate: decimal.RequireFromString("1111"),
		UpdatedAt:   time.Now().Add(-time.Hour),
	}}
	src := NewSource(fs, nil, Config{TTL: 5 * time.Minute, SpreadPercent: 2.0, CoinGeckoURL: cg.URL, ForexURL: fx.URL})

	rate, err := src.Get(context.Background(), "TZ")
	require.NoError(t, err)

	// 1.0 USD * 2530 TZS with a 2% spread either side.
	assert.True(t, rate.USDTBuyRate.Equal(decimal.RequireFromString("2580.6")), "got %s", rate.USDTBuyRate)
	assert.True(t, rate.USDTSellRate.Equal(decimal.RequireFromString("2479.4")), "got %s", rate.USDTSellRate)
	require.NotNil(t, fs.upserted)
	assert.Equal(t, "TZS", fs.upserted.CurrencyCode)
}

func TestGetFallsBackToLastKnown(t *testing.T) {
	fs := &fakeStore{rate: &models.ExchangeRate{
		CountryCode: "TZ",
		USDTBuyRate: decimal.RequireFromString("2580"),
		UpdatedAt:   time.Now().Add(-time.Hour),
	}}
	src := NewSource(fs, nil, Config{TTL: 5 * time.Minute, CoinGeckoURL: "http://127.0.0.1:1", ForexURL: "http://127.0.0.1:1"})

	rate, err := src.Get(context.Background(), "TZ")
	require.NoError(t, err)
	assert.True(t, rate.USDTBuyRate.Equal(decimal.RequireFromString("2580")))
}

func TestGetFailsWithoutAnyRate(t *testing.T) {
	fs := &fakeStore{}
	src := NewSource(fs, nil, Config{TTL: 5 * time.Minute, CoinGeckoURL: "http://127.0.0.1:1", ForexURL: "http://127.0.0.1:1"})

	_, err := src.Get(context.Background(), "TZ")
	assert.Error(t, err)
}
