package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/0xMgwan/rampa/internal/models"
)

type SelcomConfig struct {
	APIKey    string
	APISecret string
	VendorID  string
	BaseURL   string
}

// Selcom talks to the Selcom wallet API: transaction listing for
// verification and signal sourcing, plus webhook digest checks.
type Selcom struct {
	cfg    SelcomConfig
	client *http.Client
}

func NewSelcom(cfg SelcomConfig) *Selcom {
	return &Selcom{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type selcomTransaction struct {
	TransID   string  `json:"transid"`
	Amount    float64 `json:"amount"`
	MSISDN    string  `json:"msisdn"`
	Reference string  `json:"reference"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

func (s *Selcom) VerifyPayment(ctx context.Context, transactionID string, expectedAmount int64) (VerificationResult, error) {
	txs, err := s.recentTransactions(ctx, 100)
	if err != nil {
		return VerificationResult{}, err
	}

	for _, tx := range txs {
		if tx.TransID != transactionID {
			continue
		}
		if tx.Status != "COMPLETED" && tx.Status != "SUCCESS" {
			return VerificationResult{Verified: false, Err: "transaction not completed: " + tx.Status}, nil
		}
		amount := int64(tx.Amount)
		if absDiff(amount, expectedAmount) > 100 {
			return VerificationResult{
				Verified: false,
				Amount:   amount,
				Err:      fmt.Sprintf("amount mismatch: got %d, expected %d", amount, expectedAmount),
			}, nil
		}
		return VerificationResult{
			Verified:      true,
			Amount:        amount,
			Payer:         tx.MSISDN,
			TransactionID: tx.TransID,
			Reference:     tx.Reference,
		}, nil
	}
	return VerificationResult{Verified: false, Err: "no matching payment found"}, nil
}

// RecentSignals exposes the wallet transaction feed to the matching sweep.
func (s *Selcom) RecentSignals(ctx context.Context) ([]models.PaymentSignal, error) {
	txs, err := s.recentTransactions(ctx, 100)
	if err != nil {
		return nil, err
	}

	signals := make([]models.PaymentSignal, 0, len(txs))
	for _, tx := range txs {
		if tx.Status != "COMPLETED" && tx.Status != "SUCCESS" {
			continue
		}
		observedAt, _ := time.Parse(time.RFC3339, tx.CreatedAt)
		signals = append(signals, models.PaymentSignal{
			Amount:        int64(tx.Amount),
			Phone:         tx.MSISDN,
			TransactionID: tx.TransID,
			Reference:     tx.Reference,
			Provider:      "SELCOM",
			ObservedAt:    observedAt,
		})
	}
	return signals, nil
}

// VerifyWebhookDigest checks the keyed hash a Selcom callback carries before
// any order state is touched.
func (s *Selcom) VerifyWebhookDigest(timestamp string, payload []byte, digest string) bool {
	signed := "timestamp=" + timestamp + "&payload=" + string(payload)
	expected := s.sign(signed)
	return hmac.Equal([]byte(expected), []byte(digest))
}

func (s *Selcom) recentTransactions(ctx context.Context, limit int) ([]selcomTransaction, error) {
	var out struct {
		Data []selcomTransaction `json:"data"`
	}
	if err := s.request(ctx, http.MethodGet, "/v1/wallet/transactions?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (s *Selcom) request(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	digest := s.sign("timestamp=" + timestamp + "&payload=" + string(payload))

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "SELCOM "+s.cfg.APIKey)
	req.Header.Set("Digest-Method", "HS256")
	req.Header.Set("Digest", digest)
	req.Header.Set("Timestamp", timestamp)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("selcom request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("selcom api error: http %d: %s", resp.StatusCode, string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Selcom) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
