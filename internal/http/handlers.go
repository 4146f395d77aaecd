package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/0xMgwan/rampa/internal/models"
	"github.com/0xMgwan/rampa/internal/services"
)

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response{Success: true, Data: data}); err != nil {
		log.Printf("response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response{Success: false, Error: message})
}

// writeServiceError maps orchestrator error kinds to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var upstream *services.UpstreamError
	switch {
	case errors.Is(err, services.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrOrderConflict), errors.Is(err, services.ErrOrderExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &upstream):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("unhandled service error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type createOrderRequest struct {
	PartnerOrderID     *string `json:"partnerOrderId"`
	AmountCrypto       string  `json:"amountCrypto"`
	CryptoType         string  `json:"cryptoType"`
	Network            string  `json:"network"`
	DestinationAddress string  `json:"destinationAddress"`
	UserFullName       string  `json:"userFullName"`
	UserPhone          string  `json:"userPhone"`
	CountryCode        string  `json:"countryCode"`
	PaymentProviderID  string  `json:"paymentProviderId"`
}

type orderResponse struct {
	ID                 string         `json:"id"`
	OrderNumber        string         `json:"orderNumber"`
	PartnerOrderID     *string        `json:"partnerOrderId,omitempty"`
	Type               string         `json:"type"`
	Status             string         `json:"status"`
	AmountCrypto       string         `json:"amountCrypto"`
	CryptoType         string         `json:"cryptoType"`
	Network            string         `json:"network"`
	AmountFiat         int64          `json:"amountFiat"`
	CurrencyCode       string         `json:"currencyCode"`
	ExchangeRate       string         `json:"exchangeRate"`
	DestinationAddress *string        `json:"destinationAddress,omitempty"`
	DepositAddress     *string        `json:"depositAddress,omitempty"`
	TxHash             *string        `json:"txHash,omitempty"`
	ExplorerURL        *string        `json:"explorerUrl,omitempty"`
	ErrorMessage       *string        `json:"errorMessage,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	ExpiresAt          time.Time      `json:"expiresAt"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
}

func orderView(o *models.Order) orderResponse {
	return orderResponse{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		PartnerOrderID:     o.PartnerOrderID,
		Type:               string(o.Type),
		Status:             string(o.Status),
		AmountCrypto:       o.AmountCrypto.String(),
		CryptoType:         string(o.CryptoType),
		Network:            o.Network,
		AmountFiat:         o.AmountFiat,
		CurrencyCode:       o.CurrencyCode,
		ExchangeRate:       o.ExchangeRate.String(),
		DestinationAddress: o.DestinationAddress,
		DepositAddress:     o.DepositAddress,
		TxHash:             o.TxHash,
		ExplorerURL:        o.ExplorerURL,
		ErrorMessage:       o.ErrorMessage,
		Metadata:           o.Metadata,
		CreatedAt:          o.CreatedAt,
		ExpiresAt:          o.ExpiresAt,
		CompletedAt:        o.CompletedAt,
	}
}

func (s *Server) decodeOrderInput(w http.ResponseWriter, r *http.Request) (services.CreateOrderInput, bool) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return services.CreateOrderInput{}, false
	}
	amount, err := decimal.NewFromString(req.AmountCrypto)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amountCrypto is not a valid decimal")
		return services.CreateOrderInput{}, false
	}
	partner := PartnerFromContext(r.Context())
	return services.CreateOrderInput{
		PartnerID:          partner.ID,
		PartnerOrderID:     req.PartnerOrderID,
		AmountCrypto:       amount,
		CryptoType:         models.CryptoType(req.CryptoType),
		Network:            req.Network,
		DestinationAddress: req.DestinationAddress,
		UserFullName:       req.UserFullName,
		UserPhone:          req.UserPhone,
		CountryCode:        req.CountryCode,
		PaymentProviderID:  req.PaymentProviderID,
	}, true
}

func (s *Server) handleCreateOnramp(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeOrderInput(w, r)
	if !ok {
		return
	}
	order, err := s.svc.CreateOnramp(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderView(order))
}

func (s *Server) handleCreateOfframp(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeOrderInput(w, r)
	if !ok {
		return
	}
	order, err := s.svc.CreateOfframp(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderView(order))
}

type verifyRequest struct {
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
}

func (s *Server) handleVerifyOrder(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		// Body-addressed form used by the legacy verify endpoint.
		orderID = req.OrderID
	}
	partner := PartnerFromContext(r.Context())
	order, err := s.svc.VerifyPayment(r.Context(), orderID, partner.ID, req.TransactionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(order))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	partner := PartnerFromContext(r.Context())
	order, err := s.svc.GetOrder(r.Context(), chi.URLParam(r, "id"), partner.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(order))
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		country = "TZ"
	}
	rate, err := s.svc.Rates(r.Context(), country)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"countryCode":  rate.CountryCode,
		"currencyCode": rate.CurrencyCode,
		"usdtBuyRate":  rate.USDTBuyRate.String(),
		"usdtSellRate": rate.USDTSellRate.String(),
		"usdcBuyRate":  rate.USDCBuyRate.String(),
		"usdcSellRate": rate.USDCSellRate.String(),
		"updatedAt":    rate.UpdatedAt,
	})
}

func (s *Server) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		country = "TZ"
	}
	providers, err := s.svc.PaymentMethods(r.Context(), country)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	type view struct {
		ID            string `json:"id"`
		ProviderName  string `json:"providerName"`
		AccountNumber string `json:"accountNumber"`
		AccountName   string `json:"accountName"`
		Kind          string `json:"kind"`
		Instructions  string `json:"instructions"`
	}
	out := make([]view, 0, len(providers))
	for _, p := range providers {
		out = append(out, view{
			ID:            p.ID,
			ProviderName:  p.ProviderName,
			AccountNumber: p.AccountNumber,
			AccountName:   p.AccountName,
			Kind:          p.Kind,
			Instructions:  p.Instructions,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWalletBalances(w http.ResponseWriter, r *http.Request) {
	balances := s.svc.WalletBalances(r.Context())
	type view struct {
		Network string `json:"network"`
		Address string `json:"address"`
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	out := make([]view, 0, len(balances))
	for _, b := range balances {
		out = append(out, view{Network: b.Network, Address: b.Address, Asset: b.Asset, Balance: b.Balance.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAutoVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.AutoVerifySweep(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"signals":   res.Signals,
		"matched":   res.Matched,
		"unmatched": res.Unmatched,
	})
}

type notificationRequest struct {
	Channel string `json:"channel"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// handleNotification accepts a forwarded provider notification (SMS body or
// inbox email) and feeds it through the matching path.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	matched, err := s.svc.IngestNotification(r.Context(), services.NotificationInput{
		Channel: req.Channel,
		Subject: req.Subject,
		Body:    req.Body,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

func (s *Server) handleSelcomWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	err = s.svc.HandleProviderWebhook(r.Context(), "selcom", r.Header.Get("Timestamp"), payload, r.Header.Get("Digest"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
