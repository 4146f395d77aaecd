package chain

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// MonitorDeposit watches an address for incoming token transfers through an
// eth_subscribe log subscription, falling back to reconnect-and-retry on any
// socket error. The callback fires the first time a deposit reaches the
// expected amount; the returned subscription must be cancelled by the owner
// when the order terminates.
func (a *EVMAdapter) MonitorDeposit(ctx context.Context, address string, asset Asset, expected decimal.Decimal, fn DepositFunc) (*Subscription, error) {
	token, ok := a.cfg.Tokens[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, asset, a.cfg.Name)
	}
	if a.cfg.WSURL == "" {
		return nil, fmt.Errorf("%w: no ws endpoint for %s", ErrTransportFailure, a.cfg.Name)
	}
	topic, err := addressTopic(address)
	if err != nil {
		return nil, err
	}
	dec, err := a.tokenDecimals(ctx, asset, token)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	sub := NewSubscription(cancel, fn)

	go a.watchLogs(watchCtx, sub, token, topic, dec, expected)
	return sub, nil
}

func (a *EVMAdapter) watchLogs(ctx context.Context, sub *Subscription, token, recipientTopic string, decimals int32, expected decimal.Decimal) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if done := a.streamLogs(ctx, sub, token, recipientTopic, decimals, expected); done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

// streamLogs runs one websocket session. It returns true when the watch is
// finished (deposit delivered or context cancelled) and false to reconnect.
func (a *EVMAdapter) streamLogs(ctx context.Context, sub *Subscription, token, recipientTopic string, decimals int32, expected decimal.Decimal) bool {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WSURL, nil)
	if err != nil {
		log.Printf("deposit watch connect failed network=%s: %v", a.cfg.Name, err)
		return ctx.Err() != nil
	}
	defer conn.Close()

	subscribe := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params": []any{"logs", map[string]any{
			"address": token,
			"topics":  []any{transferEventTopic, nil, recipientTopic},
		}},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		log.Printf("deposit watch subscribe failed network=%s: %v", a.cfg.Name, err)
		return ctx.Err() != nil
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg struct {
			Params struct {
				Result struct {
					Data            string `json:"data"`
					TransactionHash string `json:"transactionHash"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return true
			}
			log.Printf("deposit watch read failed network=%s: %v", a.cfg.Name, err)
			return false
		}
		if msg.Params.Result.TransactionHash == "" {
			continue
		}

		units, err := parseHexUint(msg.Params.Result.Data)
		if err != nil {
			log.Printf("deposit watch bad log data network=%s: %v", a.cfg.Name, err)
			continue
		}
		amount := fromUnits(units, decimals)
		if !meetsExpected(amount, expected) {
			continue
		}
		if sub.fire(msg.Params.Result.TransactionHash, amount) {
			return true
		}
	}
}
