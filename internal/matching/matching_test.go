package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/0xMgwan/rampa/internal/models"
)

func buyOrder(number string, amountFiat int64, phone string, createdAt time.Time) *models.Order {
	return &models.Order{
		OrderNumber: number,
		Type:        models.OrderBuy,
		Status:      models.StatusPending,
		AmountFiat:  amountFiat,
		UserPhone:   &phone,
		CreatedAt:   createdAt,
	}
}

func TestNormalizePhoneRoundTrip(t *testing.T) {
	want := "255765123456"
	for _, in := range []string{"0765123456", "+255765123456", "255765123456", "0765 123 456", "0765-123-456"} {
		assert.Equal(t, want, NormalizePhone(in, "255"), "input %q", in)
	}
}

func TestMatchAmountToleranceBoundary(t *testing.T) {
	e := NewEngine(100, "255")
	order := buyOrder("ORD-20260831-0001", 25800, "0765123456", time.Now())

	sig := models.PaymentSignal{Amount: 25900, Phone: "255765123456"}
	assert.True(t, e.Matches(sig, order), "difference of exactly the tolerance must match")

	sig.Amount = 25901
	assert.False(t, e.Matches(sig, order), "difference of tolerance+1 must not match")

	sig.Amount = 25700
	assert.True(t, e.Matches(sig, order))

	sig.Amount = 25699
	assert.False(t, e.Matches(sig, order))
}

func TestMatchPhoneMismatch(t *testing.T) {
	e := NewEngine(100, "255")
	order := buyOrder("ORD-20260831-0001", 25800, "0765123456", time.Now())

	sig := models.PaymentSignal{Amount: 25800, Phone: "255712000000"}
	assert.False(t, e.Matches(sig, order))
}

func TestMatchReferenceCompatibility(t *testing.T) {
	e := NewEngine(100, "255")
	order := buyOrder("ORD-20260831-0001", 25800, "0765123456", time.Now())

	sig := models.PaymentSignal{Amount: 25800, Phone: "0765123456"}
	assert.True(t, e.Matches(sig, order), "empty reference is compatible")

	sig.Reference = "PAY ORD-20260831-0001 THANKS"
	assert.True(t, e.Matches(sig, order), "reference containing the order number matches")

	sig.Reference = "ORD-20260831-0002"
	assert.False(t, e.Matches(sig, order), "foreign reference must not match")
}

func TestMatchFIFODeterminism(t *testing.T) {
	e := NewEngine(100, "255")
	base := time.Now()

	older := buyOrder("ORD-20260831-0001", 25800, "0765123456", base.Add(-10*time.Minute))
	newer := buyOrder("ORD-20260831-0002", 25800, "0765123456", base)

	sig := models.PaymentSignal{Amount: 25800, Phone: "0765123456"}

	// Candidates arrive oldest first from the store.
	got := e.Match(sig, []*models.Order{older, newer})
	assert.Same(t, older, got, "the earliest-created pending order must win the tie")
}

func TestMatchSkipsNonPendingAndSellOrders(t *testing.T) {
	e := NewEngine(100, "255")
	phone := "0765123456"

	processing := buyOrder("ORD-20260831-0001", 25800, phone, time.Now())
	processing.Status = models.StatusProcessing
	sell := buyOrder("ORD-20260831-0002", 25800, phone, time.Now())
	sell.Type = models.OrderSell
	pending := buyOrder("ORD-20260831-0003", 25800, phone, time.Now())

	sig := models.PaymentSignal{Amount: 25800, Phone: phone}
	got := e.Match(sig, []*models.Order{processing, sell, pending})
	assert.Same(t, pending, got)
}

func TestMatchNoCandidate(t *testing.T) {
	e := NewEngine(100, "255")
	sig := models.PaymentSignal{Amount: 25800, Phone: "0765123456"}
	assert.Nil(t, e.Match(sig, nil))
}
