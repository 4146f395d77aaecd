package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/shopspring/decimal"
)

const tronAddressVersion = 0x41

// TronAdapter settles TRC-20 transfers through the TronGrid HTTP API. Tron
// exposes no push events for token transfers here, so deposit monitoring is
// a balance polling loop.
type TronAdapter struct {
	cfg    NetworkConfig
	signer TronSigner
	client *http.Client

	mu       sync.Mutex
	decimals map[Asset]int32
}

func NewTronAdapter(cfg NetworkConfig, signer TronSigner) *TronAdapter {
	return &TronAdapter{
		cfg:      cfg,
		signer:   signer,
		client:   &http.Client{Timeout: 15 * time.Second},
		decimals: make(map[Asset]int32),
	}
}

// ValidTronAddress reports whether s is a base58check address with the Tron
// version byte.
func ValidTronAddress(s string) bool {
	payload, version, err := base58.CheckDecode(s)
	return err == nil && version == tronAddressVersion && len(payload) == 20
}

// tronHexAddress converts a base58check address into the 21-byte hex form
// TronGrid expects.
func tronHexAddress(s string) (string, error) {
	payload, version, err := base58.CheckDecode(s)
	if err != nil || version != tronAddressVersion || len(payload) != 20 {
		return "", fmt.Errorf("invalid tron address %q", s)
	}
	return fmt.Sprintf("%02x%s", tronAddressVersion, hex.EncodeToString(payload)), nil
}

func (a *TronAdapter) WalletAddress() (string, error) {
	if a.signer == nil {
		return "", ErrSignerUnavailable
	}
	return a.signer.Address(), nil
}

func (a *TronAdapter) Transfer(ctx context.Context, asset Asset, toAddress string, amount decimal.Decimal) (TransferResult, error) {
	token, ok := a.cfg.Tokens[asset]
	if !ok {
		return TransferResult{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, asset, a.cfg.Name)
	}
	if a.signer == nil {
		return TransferResult{}, fmt.Errorf("%w: %s", ErrSignerUnavailable, a.cfg.Name)
	}

	dec, err := a.tokenDecimals(ctx, asset, token)
	if err != nil {
		return TransferResult{}, err
	}
	units, err := toUnits(amount, dec)
	if err != nil {
		return TransferResult{}, err
	}

	ownerHex, err := tronHexAddress(a.signer.Address())
	if err != nil {
		return TransferResult{}, err
	}
	tokenHex, err := tronHexAddress(token)
	if err != nil {
		return TransferResult{}, err
	}
	toHex, err := tronHexAddress(toAddress)
	if err != nil {
		return TransferResult{}, err
	}

	// parameter layout: 32-byte recipient address, 32-byte amount.
	param := strings.Repeat("0", 24) + toHex[2:] + padUint(units)

	var built struct {
		Transaction json.RawMessage `json:"transaction"`
		Result      struct {
			Result  bool   `json:"result"`
			Message string `json:"message"`
		} `json:"result"`
	}
	err = a.post(ctx, "/wallet/triggersmartcontract", map[string]any{
		"owner_address":     ownerHex,
		"contract_address":  tokenHex,
		"function_selector": "transfer(address,uint256)",
		"parameter":         param,
		"fee_limit":         100000000,
		"call_value":        0,
	}, &built)
	if err != nil {
		return TransferResult{}, err
	}
	if !built.Result.Result {
		return TransferResult{}, fmt.Errorf("%w: build transfer: %s", ErrTransportFailure, decodeTronMessage(built.Result.Message))
	}

	var tx map[string]json.RawMessage
	if err := json.Unmarshal(built.Transaction, &tx); err != nil {
		return TransferResult{}, fmt.Errorf("%w: decode built tx: %v", ErrTransportFailure, err)
	}
	var txID string
	if err := json.Unmarshal(tx["txID"], &txID); err != nil {
		return TransferResult{}, fmt.Errorf("%w: built tx has no txID", ErrTransportFailure)
	}

	signature, err := a.signer.SignTx(ctx, txID)
	if err != nil {
		return TransferResult{}, fmt.Errorf("sign tx: %w", err)
	}
	sigJSON, _ := json.Marshal([]string{signature})
	tx["signature"] = sigJSON

	var broadcast struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := a.post(ctx, "/wallet/broadcasttransaction", tx, &broadcast); err != nil {
		return TransferResult{}, err
	}
	if !broadcast.Result {
		msg := decodeTronMessage(broadcast.Message)
		if strings.Contains(strings.ToUpper(broadcast.Code), "CONTRACT") {
			return TransferResult{}, fmt.Errorf("%w: %s", ErrOnChainRevert, msg)
		}
		return TransferResult{}, fmt.Errorf("%w: broadcast %s: %s", ErrTransportFailure, broadcast.Code, msg)
	}

	return TransferResult{
		TxHash:      txID,
		ExplorerURL: a.cfg.ExplorerURL + "/#/transaction/" + txID,
	}, nil
}

func (a *TronAdapter) BalanceOf(ctx context.Context, asset Asset) (decimal.Decimal, error) {
	addr, err := a.WalletAddress()
	if err != nil {
		return decimal.Zero, err
	}
	return a.balanceOfAddress(ctx, asset, addr)
}

func (a *TronAdapter) balanceOfAddress(ctx context.Context, asset Asset, address string) (decimal.Decimal, error) {
	token, ok := a.cfg.Tokens[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, asset, a.cfg.Name)
	}
	dec, err := a.tokenDecimals(ctx, asset, token)
	if err != nil {
		return decimal.Zero, err
	}

	addrHex, err := tronHexAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := a.constantCall(ctx, addrHex, token, "balanceOf(address)", strings.Repeat("0", 24)+addrHex[2:])
	if err != nil {
		return decimal.Zero, err
	}
	units, err := parseHexUint(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return fromUnits(units, dec), nil
}

// MonitorDeposit polls the address balance every 10 seconds and fires once
// the balance covers the expected amount, mirroring the push-event watch of
// the EVM adapter for a chain without log subscriptions.
func (a *TronAdapter) MonitorDeposit(ctx context.Context, address string, asset Asset, expected decimal.Decimal, fn DepositFunc) (*Subscription, error) {
	if _, ok := a.cfg.Tokens[asset]; !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, asset, a.cfg.Name)
	}
	if !ValidTronAddress(address) {
		return nil, fmt.Errorf("invalid tron address %q", address)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	sub := NewSubscription(cancel, fn)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}

			balance, err := a.balanceOfAddress(watchCtx, asset, address)
			if err != nil {
				log.Printf("deposit poll failed network=%s address=%s: %v", a.cfg.Name, address, err)
				continue
			}
			if !meetsExpected(balance, expected) {
				continue
			}
			if sub.fire("", balance) {
				return
			}
		}
	}()
	return sub, nil
}

func (a *TronAdapter) tokenDecimals(ctx context.Context, asset Asset, token string) (int32, error) {
	a.mu.Lock()
	dec, ok := a.decimals[asset]
	a.mu.Unlock()
	if ok {
		return dec, nil
	}

	tokenHex, err := tronHexAddress(token)
	if err != nil {
		return 0, err
	}
	raw, err := a.constantCall(ctx, tokenHex, token, "decimals()", "")
	if err != nil {
		return 0, err
	}
	n, err := parseHexUint(raw)
	if err != nil {
		return 0, err
	}
	dec = int32(n.Int64())

	a.mu.Lock()
	a.decimals[asset] = dec
	a.mu.Unlock()
	return dec, nil
}

func (a *TronAdapter) constantCall(ctx context.Context, ownerHex, token, selector, parameter string) (string, error) {
	tokenHex, err := tronHexAddress(token)
	if err != nil {
		return "", err
	}
	var resp struct {
		ConstantResult []string `json:"constant_result"`
		Result         struct {
			Result  bool   `json:"result"`
			Message string `json:"message"`
		} `json:"result"`
	}
	err = a.post(ctx, "/wallet/triggerconstantcontract", map[string]any{
		"owner_address":     ownerHex,
		"contract_address":  tokenHex,
		"function_selector": selector,
		"parameter":         parameter,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Result.Result || len(resp.ConstantResult) == 0 {
		return "", fmt.Errorf("%w: constant call %s: %s", ErrTransportFailure, selector, decodeTronMessage(resp.Result.Message))
	}
	return resp.ConstantResult[0], nil
}

func (a *TronAdapter) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.RPCURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportFailure, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: http %d: %s", ErrTransportFailure, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// TronGrid error messages arrive hex-encoded.
func decodeTronMessage(msg string) string {
	if b, err := hex.DecodeString(msg); err == nil && len(b) > 0 {
		return string(b)
	}
	return msg
}
