package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderBuy  OrderType = "BUY"
	OrderSell OrderType = "SELL"
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusVerifying  OrderStatus = "VERIFYING"
	StatusProcessing OrderStatus = "PROCESSING"
	StatusCompleted  OrderStatus = "COMPLETED"
	StatusFailed     OrderStatus = "FAILED"
	StatusExpired    OrderStatus = "EXPIRED"
)

type CryptoType string

const (
	USDT CryptoType = "USDT"
	USDC CryptoType = "USDC"
)

// transitions holds the allowed edges of the order lifecycle. PENDING may
// jump straight to PROCESSING on the automated-matching path where
// verification and processing are fused.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:    {StatusVerifying, StatusProcessing, StatusExpired, StatusFailed},
	StatusVerifying:  {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func IsTerminal(s OrderStatus) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID                 string
	OrderNumber        string
	PartnerID          string
	PartnerOrderID     *string
	Type               OrderType
	Status             OrderStatus
	AmountCrypto       decimal.Decimal
	CryptoType         CryptoType
	Network            string
	AmountFiat         int64
	CurrencyCode       string
	ExchangeRate       decimal.Decimal
	DestinationAddress *string
	DepositAddress     *string
	UserFullName       string
	UserPhone          *string
	CountryCode        string
	PaymentProviderID  string
	TransactionID      *string
	TxHash             *string
	ExplorerURL        *string
	ErrorMessage       *string
	Metadata           map[string]any
	CreatedAt          time.Time
	ExpiresAt          time.Time
	CompletedAt        *time.Time
	UpdatedAt          time.Time
}

type Partner struct {
	ID            string
	Name          string
	APIKeyHash    string
	WebhookURL    string
	WebhookSecret string
	IPAllowlist   []string
	RateLimit     int
	Status        string
	CreatedAt     time.Time
}

type Country struct {
	ID           string
	Code         string
	Name         string
	CurrencyCode string
	PhonePrefix  string
}

type PaymentProvider struct {
	ID            string
	CountryCode   string
	ProviderName  string
	AccountNumber string
	AccountName   string
	Kind          string
	Instructions  string
	Status        string
}

type ExchangeRate struct {
	CountryCode  string
	CurrencyCode string
	USDTBuyRate  decimal.Decimal
	USDTSellRate decimal.Decimal
	USDCBuyRate  decimal.Decimal
	USDCSellRate decimal.Decimal
	Source       string
	UpdatedAt    time.Time
}

// PaymentSignal is the normalized form of a provider notification that money
// was received. It is produced by a verifier call or inbox scan, consumed by
// the matching engine and then discarded; only the matched order's metadata
// keeps a record of it.
type PaymentSignal struct {
	Amount        int64
	Phone         string
	TransactionID string
	Reference     string
	Provider      string
	ObservedAt    time.Time
}

type WebhookStatus string

const (
	WebhookPending WebhookStatus = "PENDING"
	WebhookSent    WebhookStatus = "SENT"
	WebhookFailed  WebhookStatus = "FAILED"
)

type WebhookEvent struct {
	ID            string
	OrderID       string
	EventType     string
	Payload       json.RawMessage
	Status        WebhookStatus
	Attempts      int
	NextRetryAt   *time.Time
	LastAttemptAt *time.Time
	LastError     *string
	CreatedAt     time.Time
}
