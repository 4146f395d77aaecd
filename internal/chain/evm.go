package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EVMAdapter settles transfers on account-model chains (BEP20, BASE, POLYGON
// and similar). One instance per network, parameterized by RPC endpoint,
// chain id and token contract map.
type EVMAdapter struct {
	cfg    NetworkConfig
	signer Signer
	client *http.Client

	mu       sync.Mutex
	decimals map[Asset]int32
	reqID    int64
}

func NewEVMAdapter(cfg NetworkConfig, signer Signer) *EVMAdapter {
	return &EVMAdapter{
		cfg:      cfg,
		signer:   signer,
		client:   &http.Client{Timeout: 15 * time.Second},
		decimals: make(map[Asset]int32),
	}
}

func (a *EVMAdapter) WalletAddress() (string, error) {
	if a.signer == nil {
		return "", ErrSignerUnavailable
	}
	return a.signer.Address(), nil
}

func (a *EVMAdapter) Transfer(ctx context.Context, asset Asset, toAddress string, amount decimal.Decimal) (TransferResult, error) {
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
	data, err := encodeTransferCall(toAddress, units)
	if err != nil {
		return TransferResult{}, err
	}

	from := a.signer.Address()
	nonce, err := a.transactionCount(ctx, from)
	if err != nil {
		return TransferResult{}, err
	}
	gasPrice, err := a.gasPrice(ctx)
	if err != nil {
		return TransferResult{}, err
	}

	rawTx, err := a.signer.SignTransfer(ctx, SignRequest{
		ChainID:  a.cfg.ChainID,
		Nonce:    nonce,
		To:       token,
		Data:     data,
		GasLimit: 100000,
		GasPrice: gasPrice,
	})
	if err != nil {
		return TransferResult{}, fmt.Errorf("sign transfer: %w", err)
	}

	var txHash string
	if err := a.call(ctx, "eth_sendRawTransaction", []any{"0x" + hex.EncodeToString(rawTx)}, &txHash); err != nil {
		return TransferResult{}, err
	}

	if err := a.waitReceipt(ctx, txHash); err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		TxHash:      txHash,
		ExplorerURL: a.cfg.ExplorerURL + "/tx/" + txHash,
	}, nil
}

func (a *EVMAdapter) BalanceOf(ctx context.Context, asset Asset) (decimal.Decimal, error) {
	token, ok := a.cfg.Tokens[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, asset, a.cfg.Name)
	}
	addr, err := a.WalletAddress()
	if err != nil {
		return decimal.Zero, err
	}
	dec, err := a.tokenDecimals(ctx, asset, token)
	if err != nil {
		return decimal.Zero, err
	}

	callData, err := encodeBalanceOfCall(addr)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := a.ethCall(ctx, token, callData)
	if err != nil {
		return decimal.Zero, err
	}
	units, err := parseHexUint(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return fromUnits(units, dec), nil
}

func (a *EVMAdapter) waitReceipt(ctx context.Context, txHash string) error {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		var receipt struct {
			Status string `json:"status"`
		}
		err := a.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt)
		if err == nil && receipt.Status != "" {
			if receipt.Status == "0x1" {
				return nil
			}
			return fmt.Errorf("%w: tx %s", ErrOnChainRevert, txHash)
		}
		if err != nil && !errors.Is(err, errNullResult) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: receipt wait: %v", ErrTransportFailure, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *EVMAdapter) tokenDecimals(ctx context.Context, asset Asset, token string) (int32, error) {
	a.mu.Lock()
	dec, ok := a.decimals[asset]
	a.mu.Unlock()
	if ok {
		return dec, nil
	}

	raw, err := a.ethCall(ctx, token, encodeDecimalsCall())
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

func (a *EVMAdapter) ethCall(ctx context.Context, to, data string) (string, error) {
	var out string
	err := a.call(ctx, "eth_call", []any{map[string]string{"to": to, "data": data}, "latest"}, &out)
	return out, err
}

func (a *EVMAdapter) transactionCount(ctx context.Context, address string) (uint64, error) {
	var out string
	if err := a.call(ctx, "eth_getTransactionCount", []any{address, "pending"}, &out); err != nil {
		return 0, err
	}
	n, err := parseHexUint(out)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (a *EVMAdapter) gasPrice(ctx context.Context) (*big.Int, error) {
	var out string
	if err := a.call(ctx, "eth_gasPrice", []any{}, &out); err != nil {
		return nil, err
	}
	return parseHexUint(out)
}

var errNullResult = errors.New("rpc null result")

// call performs one JSON-RPC request against the network endpoint. Transport
// and protocol errors are wrapped as ErrTransportFailure.
func (a *EVMAdapter) call(ctx context.Context, method string, params []any, out any) error {
	a.mu.Lock()
	a.reqID++
	id := a.reqID
	a.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportFailure, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: http %d: %s", ErrTransportFailure, method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportFailure, method, err)
	}
	if rpcResp.Error != nil {
		if strings.Contains(strings.ToLower(rpcResp.Error.Message), "revert") {
			return fmt.Errorf("%w: %s", ErrOnChainRevert, rpcResp.Error.Message)
		}
		return fmt.Errorf("%w: %s: rpc error %d: %s", ErrTransportFailure, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if string(rpcResp.Result) == "null" || len(rpcResp.Result) == 0 {
		return errNullResult
	}
	return json.Unmarshal(rpcResp.Result, out)
}
