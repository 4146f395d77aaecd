package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0xMgwan/rampa/internal/chain"
	"github.com/0xMgwan/rampa/internal/config"
	"github.com/0xMgwan/rampa/internal/db"
	internalhttp "github.com/0xMgwan/rampa/internal/http"
	"github.com/0xMgwan/rampa/internal/matching"
	"github.com/0xMgwan/rampa/internal/providers"
	"github.com/0xMgwan/rampa/internal/rates"
	"github.com/0xMgwan/rampa/internal/services"
	"github.com/0xMgwan/rampa/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
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
	gateway := buildGateway(cfg)
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

	svc := services.New(st, gateway, rateSource, registry,
		matching.NewEngine(cfg.Orders.AmountTolerance, "255"),
		monitors, selcom, providers.NewParser("255"), services.Options{
			OrderTTL: time.Duration(cfg.Orders.TTLMinutes) * time.Minute,
			Lookback: time.Duration(cfg.Orders.LookbackHours) * time.Hour,
		})

	// Deposit watches are in-memory and die with the process; re-arm them for
	// SELL orders that were pending at the last shutdown.
	if n, err := svc.RestoreDepositWatches(ctx); err != nil {
		log.Printf("deposit watch restore failed: %v", err)
	} else if n > 0 {
		log.Printf("restored %d deposit watches", n)
	}

	srv := internalhttp.NewServer(cfg.Server.Addr, svc, st, cfg.Server.AdminSecret)

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
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
			log.Printf("network %s has no signer configured, transfers disabled", name)
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
