package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type NetworkConfig struct {
	RPCURL        string            `yaml:"rpc_url"`
	WSURL         string            `yaml:"ws_url"`
	ChainID       int64             `yaml:"chain_id"`
	Name          string            `yaml:"name"`
	ExplorerURL   string            `yaml:"explorer_url"`
	SignerURL     string            `yaml:"signer_url"`
	WalletAddress string            `yaml:"wallet_address"`
	Tokens        map[string]string `yaml:"tokens"`
}

type Config struct {
	Server struct {
		Addr        string `yaml:"addr"`
		AdminSecret string `yaml:"admin_secret"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"db"`
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
	Orders struct {
		TTLMinutes      int   `yaml:"ttl_minutes"`
		AmountTolerance int64 `yaml:"amount_tolerance"`
		LookbackHours   int   `yaml:"lookback_hours"`
	} `yaml:"orders"`
	Networks map[string]NetworkConfig `yaml:"networks"`
	Rates    struct {
		TTLSeconds      int     `yaml:"ttl_seconds"`
		SpreadPercent   float64 `yaml:"spread_percent"`
		CoinGeckoURL    string  `yaml:"coingecko_url"`
		CoinGeckoAPIKey string  `yaml:"coingecko_api_key"`
		ForexURL        string  `yaml:"forex_url"`
	} `yaml:"rates"`
	Selcom struct {
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
		VendorID  string `yaml:"vendor_id"`
		BaseURL   string `yaml:"base_url"`
	} `yaml:"selcom"`
	MPesa struct {
		APIKey              string `yaml:"api_key"`
		ServiceProviderCode string `yaml:"service_provider_code"`
		BaseURL             string `yaml:"base_url"`
	} `yaml:"mpesa"`
	Webhooks struct {
		MaxAttempts     int `yaml:"max_attempts"`
		BackoffBaseSecs int `yaml:"backoff_base_seconds"`
		BackoffCapSecs  int `yaml:"backoff_cap_seconds"`
		PollSeconds     int `yaml:"poll_seconds"`
		TimeoutSeconds  int `yaml:"timeout_seconds"`
	} `yaml:"webhooks"`
	Worker struct {
		ExpirySweepSeconds int `yaml:"expiry_sweep_seconds"`
		AutoVerifyMinutes  int `yaml:"auto_verify_minutes"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Networks) == 0 {
		return nil, errors.New("at least one network must be configured")
	}
	for name, net := range cfg.Networks {
		if net.RPCURL == "" {
			return nil, errors.New("networks." + name + ".rpc_url is required")
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DB.MaxConns <= 0 {
		cfg.DB.MaxConns = 10
	}
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 30
	}
	if cfg.Orders.AmountTolerance <= 0 {
		cfg.Orders.AmountTolerance = 100
	}
	if cfg.Orders.LookbackHours <= 0 {
		cfg.Orders.LookbackHours = 24
	}
	if cfg.Rates.TTLSeconds <= 0 {
		cfg.Rates.TTLSeconds = 300
	}
	if cfg.Rates.SpreadPercent <= 0 {
		cfg.Rates.SpreadPercent = 2.0
	}
	if cfg.Rates.CoinGeckoURL == "" {
		cfg.Rates.CoinGeckoURL = "https://api.coingecko.com"
	}
	if cfg.Rates.ForexURL == "" {
		cfg.Rates.ForexURL = "https://api.exchangerate-api.com"
	}
	if cfg.Selcom.BaseURL == "" {
		cfg.Selcom.BaseURL = "https://apigw.selcommobile.com"
	}
	if cfg.MPesa.BaseURL == "" {
		cfg.MPesa.BaseURL = "https://openapi.m-pesa.com"
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		cfg.Webhooks.MaxAttempts = 5
	}
	if cfg.Webhooks.BackoffBaseSecs <= 0 {
		cfg.Webhooks.BackoffBaseSecs = 60
	}
	if cfg.Webhooks.BackoffCapSecs <= 0 {
		cfg.Webhooks.BackoffCapSecs = 3600
	}
	if cfg.Webhooks.PollSeconds <= 0 {
		cfg.Webhooks.PollSeconds = 15
	}
	if cfg.Webhooks.TimeoutSeconds <= 0 {
		cfg.Webhooks.TimeoutSeconds = 10
	}
	if cfg.Worker.ExpirySweepSeconds <= 0 {
		cfg.Worker.ExpirySweepSeconds = 60
	}
	if cfg.Worker.AutoVerifyMinutes <= 0 {
		cfg.Worker.AutoVerifyMinutes = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ADMIN_SECRET"); v != "" {
		cfg.Server.AdminSecret = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("AMOUNT_TOLERANCE"); v != "" {
		cfg.Orders.AmountTolerance = atoi64Or(cfg.Orders.AmountTolerance, v)
	}
	if v := os.Getenv("SELCOM_API_KEY"); v != "" {
		cfg.Selcom.APIKey = v
	}
	if v := os.Getenv("SELCOM_API_SECRET"); v != "" {
		cfg.Selcom.APISecret = v
	}
	if v := os.Getenv("SELCOM_VENDOR_ID"); v != "" {
		cfg.Selcom.VendorID = v
	}
	if v := os.Getenv("SELCOM_BASE_URL"); v != "" {
		cfg.Selcom.BaseURL = v
	}
	if v := os.Getenv("MPESA_TZ_API_KEY"); v != "" {
		cfg.MPesa.APIKey = v
	}
	if v := os.Getenv("MPESA_TZ_SERVICE_PROVIDER_CODE"); v != "" {
		cfg.MPesa.ServiceProviderCode = v
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.Rates.CoinGeckoAPIKey = v
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		cfg.Webhooks.MaxAttempts = atoiOr(cfg.Webhooks.MaxAttempts, v)
	}
	for name, net := range cfg.Networks {
		key := "RPC_URL_" + strings.ToUpper(name)
		if v := os.Getenv(key); v != "" {
			net.RPCURL = v
			cfg.Networks[name] = net
		}
	}
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
