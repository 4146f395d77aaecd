package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/0xMgwan/rampa/internal/services"
)

// Server is the partner-facing HTTP surface over the order orchestrator.
type Server struct {
	svc    *services.Service
	router chi.Router
	http   *http.Server
}

func NewServer(addr string, svc *services.Service, partners PartnerStore, adminSecret string) *Server {
	s := &Server{svc: svc}
	a := newAuth(partners, adminSecret)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Provider callbacks authenticate by digest, not API key.
		r.Post("/webhooks/selcom", s.handleSelcomWebhook)

		r.Group(func(r chi.Router) {
			r.Use(a.partnerAuth)
			r.Post("/onramp", s.handleCreateOnramp)
			r.Post("/offramp", s.handleCreateOfframp)
			r.Post("/orders/{id}/verify", s.handleVerifyOrder)
			r.Post("/verify-payment", s.handleVerifyOrder)
			r.Get("/orders/{id}", s.handleGetOrder)
			r.Get("/rates", s.handleRates)
			r.Get("/payment-methods", s.handlePaymentMethods)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.adminAuth)
			r.Get("/admin/wallet-balances", s.handleWalletBalances)
			r.Post("/admin/auto-verify", s.handleAutoVerify)
			r.Post("/admin/notifications", s.handleNotification)
		})
	})

	s.router = r
	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
