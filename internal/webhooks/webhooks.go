package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/0xMgwan/rampa/internal/models"
	"github.com/0xMgwan/rampa/internal/store"
)

// Inserter is the narrow write side of the outbox, all that Enqueue needs.
type Inserter interface {
	InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
}

// Store is the slice of persistence the dispatcher needs: the outbox plus
// enough lookups to resolve an event's destination.
type Store interface {
	Inserter
	ListDueWebhookEvents(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*models.WebhookEvent, error)
	MarkWebhookSent(ctx context.Context, id string, attempts int, at time.Time) error
	MarkWebhookFailed(ctx context.Context, id string, attempts int, at, nextRetryAt time.Time, lastError string) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetPartner(ctx context.Context, id string) (*models.Partner, error)
}

// Signature produces the value carried in the X-Webhook-Signature header:
// "t=<unix>,v1=<hex>" where the hex digest is HMAC-SHA256 over
// "<unix>.<payload>" keyed with the partner secret. Binding the timestamp
// into the digest lets receivers reject replayed deliveries.
func Signature(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// eventPayload is the wire shape partners receive. The fields integrations
// key on sit at the top level; the full order snapshot rides alongside. The
// snapshot is taken at enqueue time, not delivery time.
type eventPayload struct {
	Event        string    `json:"event"`
	Timestamp    time.Time `json:"timestamp"`
	OrderNumber  string    `json:"order_number"`
	Status       string    `json:"status"`
	AmountCrypto string    `json:"amount_crypto"`
	Currency     string    `json:"currency"`
	Network      string    `json:"network"`
	CryptoTxHash *string   `json:"crypto_tx_hash,omitempty"`
	Order        orderView `json:"order"`
}

type orderView struct {
	ID             string  `json:"id"`
	OrderNumber    string  `json:"orderNumber"`
	PartnerOrderID *string `json:"partnerOrderId,omitempty"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	AmountCrypto   string  `json:"amountCrypto"`
	CryptoType     string  `json:"cryptoType"`
	Network        string  `json:"network"`
	AmountFiat     int64   `json:"amountFiat"`
	CurrencyCode   string  `json:"currencyCode"`
	TxHash         *string `json:"txHash,omitempty"`
	ExplorerURL    *string `json:"explorerUrl,omitempty"`
	ErrorMessage   *string `json:"errorMessage,omitempty"`
}

// Enqueue snapshots the order and appends a delivery to the outbox. The
// caller's transaction semantics are its own business; enqueue itself never
// performs network I/O, so order operations stay fast and delivery failures
// cannot roll back order state.
func Enqueue(ctx context.Context, st Inserter, order *models.Order, eventType string) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(eventPayload{
		Event:        eventType,
		Timestamp:    now,
		OrderNumber:  order.OrderNumber,
		Status:       string(order.Status),
		AmountCrypto: order.AmountCrypto.String(),
		Currency:     order.CurrencyCode,
		Network:      order.Network,
		CryptoTxHash: order.TxHash,
		Order: orderView{
			ID:             order.ID,
			OrderNumber:    order.OrderNumber,
			PartnerOrderID: order.PartnerOrderID,
			Type:           string(order.Type),
			Status:         string(order.Status),
			AmountCrypto:   order.AmountCrypto.String(),
			CryptoType:     string(order.CryptoType),
			Network:        order.Network,
			AmountFiat:     order.AmountFiat,
			CurrencyCode:   order.CurrencyCode,
			TxHash:         order.TxHash,
			ExplorerURL:    order.ExplorerURL,
			ErrorMessage:   order.ErrorMessage,
		},
	})
	if err != nil {
		return err
	}

	return st.InsertWebhookEvent(ctx, &models.WebhookEvent{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		EventType: eventType,
		Payload:   payload,
		Status:    models.WebhookPending,
		CreatedAt: now,
	})
}

type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	PollInterval time.Duration
	BatchSize    int
}

// Dispatcher drains the webhook outbox: due events are POSTed to the owning
// partner's endpoint with an exponential retry schedule. A single dispatcher
// per deployment is assumed.
type Dispatcher struct {
	store  Store
	cfg    Config
	client *http.Client
}

func NewDispatcher(st Store, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{
		store:  st,
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DispatchDue(ctx); err != nil {
				log.Printf("webhook dispatch pass failed: %v", err)
			}
		}
	}
}

// DispatchDue processes one batch of due events.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	events, err := d.store.ListDueWebhookEvents(ctx, time.Now().UTC(), d.cfg.MaxAttempts, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, ev := range events {
		d.dispatch(ctx, ev)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *models.WebhookEvent) {
	now := time.Now().UTC()
	attempts := ev.Attempts + 1

	err := d.deliver(ctx, ev)
	if err == nil {
		if markErr := d.store.MarkWebhookSent(ctx, ev.ID, attempts, now); markErr != nil {
			log.Printf("webhook %s delivered but not marked sent: %v", ev.ID, markErr)
		}
		return
	}

	next := now.Add(d.backoff(attempts))
	if markErr := d.store.MarkWebhookFailed(ctx, ev.ID, attempts, now, next, err.Error()); markErr != nil {
		log.Printf("webhook %s failure not recorded: %v", ev.ID, markErr)
		return
	}
	if attempts >= d.cfg.MaxAttempts {
		log.Printf("webhook %s exhausted %d attempts, giving up: %v", ev.ID, attempts, err)
	} else {
		log.Printf("webhook %s attempt %d failed, retry at %s: %v", ev.ID, attempts, next.Format(time.RFC3339), err)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev *models.WebhookEvent) error {
	order, err := d.store.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("resolve order: %w", err)
	}
	partner, err := d.store.GetPartner(ctx, order.PartnerID)
	if err != nil {
		return fmt.Errorf("resolve partner: %w", err)
	}
	if partner.WebhookURL == "" {
		// Partner opted out of callbacks; nothing to deliver.
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, partner.WebhookURL, bytes.NewReader(ev.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Signature(partner.WebhookSecret, ev.Payload, time.Now().UTC()))
	req.Header.Set("X-Webhook-Event", ev.EventType)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned http %d", resp.StatusCode)
	}
	return nil
}

// backoff returns the delay before the next try after the given attempt
// count: min(2^attempts * base, cap).
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	return delay
}

var _ Store = (*store.Store)(nil)
