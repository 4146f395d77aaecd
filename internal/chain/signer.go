package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSigner asks a remote signing service to sign EVM transfers. Private
// keys never enter this process; the service holds them and returns the raw
// signed transaction.
type HTTPSigner struct {
	url     string
	address string
	client  *http.Client
}

func NewHTTPSigner(url, address string) *HTTPSigner {
	return &HTTPSigner{
		url:     url,
		address: address,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (s *HTTPSigner) Address() string {
	return s.address
}

func (s *HTTPSigner) SignTransfer(ctx context.Context, req SignRequest) ([]byte, error) {
	body := map[string]any{
		"chainId":  req.ChainID,
		"nonce":    req.Nonce,
		"to":       req.To,
		"data":     "0x" + hex.EncodeToString(req.Data),
		"gasLimit": req.GasLimit,
		"gasPrice": req.GasPrice.String(),
	}
	var resp struct {
		SignedTx string `json:"signedTx"`
	}
	if err := postJSON(ctx, s.client, s.url+"/sign/evm", body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(resp.SignedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer returned malformed transaction: %w", err)
	}
	return raw, nil
}

// HTTPTronSigner signs a TronGrid-built transaction by txID through the same
// remote signing service.
type HTTPTronSigner struct {
	url     string
	address string
	client  *http.Client
}

func NewHTTPTronSigner(url, address string) *HTTPTronSigner {
	return &HTTPTronSigner{
		url:     url,
		address: address,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (s *HTTPTronSigner) Address() string {
	return s.address
}

func (s *HTTPTronSigner) SignTx(ctx context.Context, txID string) (string, error) {
	var resp struct {
		Signature string `json:"signature"`
	}
	if err := postJSON(ctx, s.client, s.url+"/sign/tron", map[string]string{"txId": txID}, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("%w: empty signature", ErrSignerUnavailable)
	}
	return resp.Signature, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
