package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/0xMgwan/rampa/internal/models"
)

func (s *Store) ListActivePartners(ctx context.Context) ([]*models.Partner, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, name, api_key_hash, webhook_url, webhook_secret, ip_allowlist, rate_limit, status, created_at
		FROM partners WHERE status='ACTIVE'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []*models.Partner
	for rows.Next() {
		var p models.Partner
		if err := rows.Scan(
			&p.ID, &p.Name, &p.APIKeyHash, &p.WebhookURL, &p.WebhookSecret,
			&p.IPAllowlist, &p.RateLimit, &p.Status, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		partners = append(partners, &p)
	}
	return partners, rows.Err()
}

func (s *Store) GetPartner(ctx context.Context, id string) (*models.Partner, error) {
	var p models.Partner
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, api_key_hash, webhook_url, webhook_secret, ip_allowlist, rate_limit, status, created_at
		FROM partners WHERE id=$1
	`, id).Scan(
		&p.ID, &p.Name, &p.APIKeyHash, &p.WebhookURL, &p.WebhookSecret,
		&p.IPAllowlist, &p.RateLimit, &p.Status, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetCountry(ctx context.Context, code string) (*models.Country, error) {
	var c models.Country
	err := s.Pool.QueryRow(ctx, `
		SELECT id, code, name, currency_code, phone_prefix FROM countries WHERE code=$1
	`, code).Scan(&c.ID, &c.Code, &c.Name, &c.CurrencyCode, &c.PhonePrefix)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetPaymentProvider(ctx context.Context, id string) (*models.PaymentProvider, error) {
	var p models.PaymentProvider
	err := s.Pool.QueryRow(ctx, `
		SELECT id, country_code, provider_name, account_number, account_name, kind, instructions, status
		FROM payment_providers WHERE id=$1
	`, id).Scan(&p.ID, &p.CountryCode, &p.ProviderName, &p.AccountNumber, &p.AccountName, &p.Kind, &p.Instructions, &p.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPaymentProviders(ctx context.Context, countryCode string) ([]*models.PaymentProvider, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, country_code, provider_name, account_number, account_name, kind, instructions, status
		FROM payment_providers WHERE country_code=$1 AND status='ACTIVE'
	`, countryCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*models.PaymentProvider
	for rows.Next() {
		var p models.PaymentProvider
		if err := rows.Scan(&p.ID, &p.CountryCode, &p.ProviderName, &p.AccountNumber, &p.AccountName, &p.Kind, &p.Instructions, &p.Status); err != nil {
			return nil, err
		}
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}

func (s *Store) GetExchangeRate(ctx context.Context, countryCode string) (*models.ExchangeRate, error) {
	var (
		rate     models.ExchangeRate
		usdtBuy  string
		usdtSell string
		usdcBuy  string
		usdcSell string
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT country_code, currency_code, usdt_buy_rate, usdt_sell_rate, usdc_buy_rate, usdc_sell_rate, source, updated_at
		FROM exchange_rates WHERE country_code=$1
	`, countryCode).Scan(
		&rate.CountryCode, &rate.CurrencyCode, &usdtBuy, &usdtSell, &usdcBuy, &usdcSell, &rate.Source, &rate.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rate.USDTBuyRate, err = decimal.NewFromString(usdtBuy); err != nil {
		return nil, err
	}
	if rate.USDTSellRate, err = decimal.NewFromString(usdtSell); err != nil {
		return nil, err
	}
	if rate.USDCBuyRate, err = decimal.NewFromString(usdcBuy); err != nil {
		return nil, err
	}
	if rate.USDCSellRate, err = decimal.NewFromString(usdcSell); err != nil {
		return nil, err
	}
	return &rate, nil
}

func (s *Store) UpsertExchangeRate(ctx context.Context, rate *models.ExchangeRate) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO exchange_rates (country_code, currency_code, usdt_buy_rate, usdt_sell_rate, usdc_buy_rate, usdc_sell_rate, source, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (country_code) DO UPDATE SET
			currency_code=EXCLUDED.currency_code,
			usdt_buy_rate=EXCLUDED.usdt_buy_rate,
			usdt_sell_rate=EXCLUDED.usdt_sell_rate,
			usdc_buy_rate=EXCLUDED.usdc_buy_rate,
			usdc_sell_rate=EXCLUDED.usdc_sell_rate,
			source=EXCLUDED.source,
			updated_at=now()
	`,
		rate.CountryCode,
		rate.CurrencyCode,
		rate.USDTBuyRate.String(),
		rate.USDTSellRate.String(),
		rate.USDCBuyRate.String(),
		rate.USDCSellRate.String(),
		rate.Source,
	)
	return err
}
