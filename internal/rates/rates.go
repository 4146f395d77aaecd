package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/0xMgwan/rampa/internal/models"
	"github.com/0xMgwan/rampa/internal/store"
)

// Store is the slice of persistence the rate source needs.
type Store interface {
	GetCountry(ctx context.Context, code string) (*models.Country, error)
	GetExchangeRate(ctx context.Context, countryCode string) (*models.ExchangeRate, error)
	UpsertExchangeRate(ctx context.Context, rate *models.ExchangeRate) error
}

type Config struct {
	TTL             time.Duration
	SpreadPercent   float64
	CoinGeckoURL    string
	CoinGeckoAPIKey string
	ForexURL        string
}

// Source resolves current buy/sell fiat rates per country. Fresh values are
// cached in redis and persisted; when the upstream quote APIs are down the
// last-known persisted value is served instead of failing order creation.
type Source struct {
	store  Store
	rdb    *redis.Client
	cfg    Config
	client *http.Client
}

func NewSource(st Store, rdb *redis.Client, cfg Config) *Source {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.SpreadPercent <= 0 {
		cfg.SpreadPercent = 2.0
	}
	return &Source{
		store:  st,
		rdb:    rdb,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Source) Get(ctx context.Context, countryCode string) (*models.ExchangeRate, error) {
	if cached := s.fromCache(ctx, countryCode); cached != nil {
		return cached, nil
	}

	stored, storeErr := s.store.GetExchangeRate(ctx, countryCode)
	if storeErr == nil && time.Since(stored.UpdatedAt) < s.cfg.TTL {
		s.toCache(ctx, stored)
		return stored, nil
	}

	fresh, err := s.refresh(ctx, countryCode)
	if err != nil {
		if storeErr == nil {
			log.Printf("rate refresh failed for %s, serving last known: %v", countryCode, err)
			return stored, nil
		}
		return nil, err
	}
	return fresh, nil
}

func (s *Source) refresh(ctx context.Context, countryCode string) (*models.ExchangeRate, error) {
	country, err := s.store.GetCountry(ctx, countryCode)
	if err != nil {
		return nil, err
	}

	usdtPrice, err := s.cryptoPrice(ctx, "tether")
	if err != nil {
		return nil, err
	}
	usdcPrice, err := s.cryptoPrice(ctx, "usd-coin")
	if err != nil {
		return nil, err
	}
	forex, err := s.forexRate(ctx, country.CurrencyCode)
	if err != nil {
		return nil, err
	}

	spread := decimal.NewFromFloat(s.cfg.SpreadPercent / 100)
	up := decimal.NewFromInt(1).Add(spread)
	down := decimal.NewFromInt(1).Sub(spread)

	rate := &models.ExchangeRate{
		CountryCode:  countryCode,
		CurrencyCode: country.CurrencyCode,
		USDTBuyRate:  usdtPrice.Mul(forex).Mul(up),
		USDTSellRate: usdtPrice.Mul(forex).Mul(down),
		USDCBuyRate:  usdcPrice.Mul(forex).Mul(up),
		USDCSellRate: usdcPrice.Mul(forex).Mul(down),
		Source:       "API",
		UpdatedAt:    time.Now().UTC(),
	}

	if err := s.store.UpsertExchangeRate(ctx, rate); err != nil {
		return nil, err
	}
	s.toCache(ctx, rate)
	return rate, nil
}

func (s *Source) cryptoPrice(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=usd", s.cfg.CoinGeckoURL, tokenID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if s.cfg.CoinGeckoAPIKey != "" {
		req.Header.Set("x-cg-pro-api-key", s.cfg.CoinGeckoAPIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price api http %d", resp.StatusCode)
	}

	var out map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, err
	}
	entry, ok := out[tokenID]
	if !ok || entry.USD <= 0 {
		return decimal.Zero, fmt.Errorf("price api returned no usd price for %s", tokenID)
	}
	return decimal.NewFromFloat(entry.USD), nil
}

func (s *Source) forexRate(ctx context.Context, currencyCode string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ForexURL+"/v4/latest/USD", nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("forex api http %d", resp.StatusCode)
	}

	var out struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, err
	}
	rate, ok := out.Rates[currencyCode]
	if !ok || rate <= 0 {
		return decimal.Zero, fmt.Errorf("forex rate not found for %s", currencyCode)
	}
	return decimal.NewFromFloat(rate), nil
}

func (s *Source) fromCache(ctx context.Context, countryCode string) *models.ExchangeRate {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, cacheKey(countryCode)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("rate cache read failed for %s: %v", countryCode, err)
		}
		return nil
	}
	var rate models.ExchangeRate
	if err := json.Unmarshal([]byte(data), &rate); err != nil {
		return nil
	}
	return &rate
}

func (s *Source) toCache(ctx context.Context, rate *models.ExchangeRate) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(rate)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, cacheKey(rate.CountryCode), data, s.cfg.TTL).Err(); err != nil {
		log.Printf("rate cache write failed for %s: %v", rate.CountryCode, err)
	}
}

func cacheKey(countryCode string) string {
	return "exchange_rate:" + countryCode
}

var _ Store = (*store.Store)(nil)
