package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0xMgwan/rampa/internal/chain"
	"github.com/0xMgwan/rampa/internal/config"
	"github.com/0xMgwan/rampa/internal/db"
	"github.com/0xMgwan/rampa/internal/matching"
	"github.com/0xMgwan/rampa/internal/providers"
	"github.com/0xMgwan/rampa/internal/rates"
	"github.com/0xMgwan/rampa/internal/services"
	"github.com/0xMgwan/rampa/internal/store"
	"github.com/0xMgwan/rampa/internal/webhooks"
)

// The worker owns everything periodic: webhook delivery, order expiry, and
// the auto-verify matching sweep. It shares no state with the API process
// beyond the database, so the two can be deployed and restarted separately.
func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, db.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns, MinConns: cfg.DB.MinConns})
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
	}

	st := store.New(pool)
	monitors := chain.NewMonitorRegistry()
	defer monitors.CancelAll()

	rateSource := rates.NewSource(st, rdb, rates.Config{
		TTL:             time.Duration(cfg.Rates.TTLSeconds) * time.Second,
		SpreadPercent:   cfg.Rates.SpreadPercent,
		CoinGeckoURL:    cfg.Rates.CoinGeckoURL,
		CoinGeckoAPIKey: cfg.Rates.CoinGeckoAPIKey,
		ForexURL:        cfg.Rates.ForexURL,
	})

	registry := providers.NewRegistry()
	selcom := providers.NewSelcom(providers.SelcomConfig{
		APIKey:    cfg.Selcom.APIKey,
		APISecret: cfg.Selcom.APISecret,
		VendorID:  cfg.Selcom.VendorID,
		BaseURL:   cfg.Selcom.BaseURL,
	})
	registry.RegisterVerifier("selcom", selcom)
	registry.RegisterSource("selcom", selcom)
	mpesa := providers.NewMPesa(providers.MPesaConfig{
		APIKey:              cfg.MPesa.APIKey,
		ServiceProviderCode: cfg.MPesa.ServiceProviderCode,
		BaseURL:             cfg.MPesa.BaseURL,
	})
	registry.RegisterVerifier("mpesa", mpesa)
	registry.RegisterPayout("mpesa", mpesa)

	gateway := buildGateway(cfg)
	svc := services.New(st, gateway, rateSource, registry,
		matching.NewEngine(cfg.Orders.AmountTolerance, "255"),
		monitors, selcom, providers.NewParser("255"), services.Options{
			OrderTTL: time.Duration(cfg.Orders.TTLMinutes) * time.Minute,
			Lookback: time.Duration(cfg.Orders.LookbackHours) * time.Hour,
		})


	dispatcher := webhooks.NewDispatcher(st, webhooks.Config{
		MaxAttempts:  cfg.Webhooks.MaxAttempts,
		BackoffBase:  time.Duration(cfg.Webhooks.BackoffBaseSecs) * time.Second,
		BackoffCap:   time.Duration(cfg.Webhooks.BackoffCapSecs) * time.Second,
		PollInterval: time.Duration(cfg.Webhooks.PollSeconds) * time.Second,
	})

	go dispatcher.Run(ctx)
	go runExpirySweep(ctx, svc, time.Duration(cfg.Worker.ExpirySweepSeconds)*time.Second)
	go runAutoVerify(ctx, svc, time.Duration(cfg.Worker.AutoVerifyMinutes)*time.Minute)

	log.Printf("worker started")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
}

func runExpirySweep(ctx context.Context, svc *services.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireSweep(ctx)
			if err != nil {
				log.Printf("expiry sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("expired %d orders", n)
			}
		}
	}
}

func runAutoVerify(ctx context.Context, svc *services.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := svc.AutoVerifySweep(ctx)
			if err != nil {
				log.Printf("auto-verify sweep failed: %v", err)
			} else if res.Signals > 0 {
				log.Printf("auto-verify: %d signals, %d matched, %d unmatched", res.Signals, res.Matched, res.Unmatched)
			}
		}
	}
}

func buildGateway(cfg *config.Config) *chain.Gateway {
	networks := make(map[string]chain.NetworkConfig, len(cfg.Networks))
	signers := make(map[string]chain.Signer)
	tronSigners := make(map[string]chain.TronSigner)

	for name, net := range cfg.Networks {
		tokens := make(map[chain.Asset]string, len(net.Tokens))
		for asset, contract := range net.Tokens {
			tokens[chain.Asset(asset)] = contract
		}
		networks[name] = chain.NetworkConfig{
			RPCURL:      net.RPCURL,
			WSURL:       net.WSURL,
			ChainID:     net.ChainID,
			Name:        net.Name,
			ExplorerURL: net.ExplorerURL,
			Tokens:      tokens,
		}
		if net.SignerURL == "" {
			continue
		}
		if name == "TRC20" {
			tronSigners[name] = chain.NewHTTPTronSigner(net.SignerURL, net.WalletAddress)
		} else {
			signers[name] = chain.NewHTTPSigner(net.SignerURL, net.WalletAddress)
		}
	}
	return chain.NewGateway(networks, signers, tronSigners)
}
