package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type MPesaConfig struct {
	APIKey              string
	ServiceProviderCode string
	BaseURL             string
}

// MPesa verifies transactions and sends payouts through the M-Pesa open API
// (Vodacom Tanzania). Each call opens a fresh session; the API keys sessions
// short-lived.
type MPesa struct {
	cfg    MPesaConfig
	client *http.Client
}

func NewMPesa(cfg MPesaConfig) *MPesa {
	return &MPesa{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (m *MPesa) VerifyPayment(ctx context.Context, transactionID string, expectedAmount int64) (VerificationResult, error) {
	session, err := m.session(ctx)
	if err != nil {
		return VerificationResult{}, err
	}

	q := url.Values{}
	q.Set("input_QueryReference", transactionID)
	q.Set("input_ServiceProviderCode", m.cfg.ServiceProviderCode)

	var resp struct {
		ResponseCode        string `json:"output_ResponseCode"`
		Amount              string `json:"output_Amount"`
		CustomerMSISDN      string `json:"output_CustomerMSISDN"`
		TransactionDateTime string `json:"output_TransactionDateTime"`
	}
	err = m.get(ctx, session, "/sandbox/ipg/v2/vodacomTZN/queryTransactionStatus/?"+q.Encode(), &resp)
	if err != nil {
		return VerificationResult{}, err
	}

	if resp.ResponseCode != "INS-0" {
		return VerificationResult{Verified: false, Err: "transaction not found or failed"}, nil
	}

	amount, err := strconv.ParseFloat(resp.Amount, 64)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("mpesa returned bad amount %q", resp.Amount)
	}
	got := int64(amount)
	if got != expectedAmount {
		return VerificationResult{
			Verified: false,
			Amount:   got,
			Payer:    resp.CustomerMSISDN,
			Err:      fmt.Sprintf("amount mismatch: got %d, expected %d", got, expectedAmount),
		}, nil
	}
	return VerificationResult{
		Verified:      true,
		Amount:        got,
		Payer:         resp.CustomerMSISDN,
		TransactionID: transactionID,
	}, nil
}

func (m *MPesa) SendPayout(ctx context.Context, phone string, amount int64) (PayoutResult, error) {
	session, err := m.session(ctx)
	if err != nil {
		return PayoutResult{}, err
	}

	now := time.Now().UnixMilli()
	body := map[string]string{
		"input_Amount":                   strconv.FormatInt(amount, 10),
		"input_CustomerMSISDN":           phone,
		"input_ServiceProviderCode":      m.cfg.ServiceProviderCode,
		"input_TransactionReference":     fmt.Sprintf("PAYOUT-%d", now),
		"input_ThirdPartyConversationID": fmt.Sprintf("CONV-%d", now),
	}

	var resp struct {
		ResponseCode  string `json:"output_ResponseCode"`
		ResponseDesc  string `json:"output_ResponseDesc"`
		TransactionID string `json:"output_TransactionID"`
	}
	if err := m.post(ctx, session, "/sandbox/ipg/v2/vodacomTZN/b2cPayment/", body, &resp); err != nil {
		return PayoutResult{}, err
	}

	if resp.ResponseCode != "INS-0" {
		return PayoutResult{Success: false, Err: resp.ResponseDesc}, nil
	}
	return PayoutResult{Success: true, TransactionID: resp.TransactionID}, nil
}

func (m *MPesa) session(ctx context.Context) (string, error) {
	var resp struct {
		SessionID string `json:"output_SessionID"`
	}
	if err := m.get(ctx, m.cfg.APIKey, "/sandbox/ipg/v2/vodacomTZN/getSession/", &resp); err != nil {
		return "", fmt.Errorf("mpesa session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("mpesa session: empty session id")
	}
	return resp.SessionID, nil
}

func (m *MPesa) get(ctx context.Context, bearer, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return m.do(req, bearer, out)
}

func (m *MPesa) post(ctx context.Context, bearer, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	return m.do(req, bearer, out)
}

func (m *MPesa) do(req *http.Request, bearer string, out any) error {
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mpesa request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mpesa api error: http %d: %s", resp.StatusCode, string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
