package matching

import (
	"strings"

	"github.com/0xMgwan/rampa/internal/models"
)

// DefaultAmountTolerance absorbs rounding introduced when the exchange rate
// is applied, in fiat minor units.
const DefaultAmountTolerance int64 = 100

// Engine reconciles normalized payment signals against pending BUY orders.
type Engine struct {
	AmountTolerance int64
	PhonePrefix     string
}

func NewEngine(tolerance int64, phonePrefix string) *Engine {
	if tolerance <= 0 {
		tolerance = DefaultAmountTolerance
	}
	return &Engine{AmountTolerance: tolerance, PhonePrefix: phonePrefix}
}

// Match attaches a signal to the first candidate that satisfies the match
// predicate. Candidates must be PENDING BUY orders ordered oldest first, so
// the FIFO tie-break is simply the first hit. A referenceless signal is
// compatible with any order whose amount and phone match; two pending orders
// with the same amount and phone can therefore be misattributed, which the
// FIFO rule resolves deterministically in favor of the earlier order.
func (e *Engine) Match(signal models.PaymentSignal, candidates []*models.Order) *models.Order {
	for _, order := range candidates {
		if order.Status != models.StatusPending || order.Type != models.OrderBuy {
			continue
		}
		if e.Matches(signal, order) {
			return order
		}
	}
	return nil
}

// Matches applies the full match predicate against one order.
func (e *Engine) Matches(signal models.PaymentSignal, order *models.Order) bool {
	if absDiff(signal.Amount, order.AmountFiat) > e.AmountTolerance {
		return false
	}
	if order.UserPhone == nil {
		return false
	}
	if NormalizePhone(signal.Phone, e.PhonePrefix) != NormalizePhone(*order.UserPhone, e.PhonePrefix) {
		return false
	}
	if signal.Reference != "" && !strings.Contains(signal.Reference, order.OrderNumber) {
		return false
	}
	return true
}

// NormalizePhone strips separators and rewrites a leading local-format zero
// to the country's international prefix, so 0765123456, +255765123456 and
// 255765123456 all normalize to the same value.
func NormalizePhone(phone, prefix string) string {
	cleaned := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(phone)
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "0") {
		cleaned = prefix + cleaned[1:]
	}
	if !strings.HasPrefix(cleaned, prefix) {
		cleaned = prefix + cleaned
	}
	return cleaned
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
