package providers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/0xMgwan/rampa/internal/matching"
	"github.com/0xMgwan/rampa/internal/models"
)

// Parser extracts payment signals from mobile-money notification text:
// SMS bodies or inbox email subject+body pairs, one pattern set per
// Tanzanian provider.
type Parser struct {
	PhonePrefix string
}

func NewParser(phonePrefix string) *Parser {
	if phonePrefix == "" {
		phonePrefix = "255"
	}
	return &Parser{PhonePrefix: phonePrefix}
}

var (
	mpesaRe  = regexp.MustCompile(`(?i)received TZS ([\d,]+(?:\.\d+)?) from (\d+)`)
	airtelRe = regexp.MustCompile(`(?i)received (\d+(?:,\d+)*(?:\.\d+)?) TZS from (\d+)`)
	tigoRe   = regexp.MustCompile(`(?i)Payment of TZS ([\d,]+) received from (\d+)`)
	haloRe   = regexp.MustCompile(`(?i)Received TZS ([\d,]+) from (\d+)`)

	txIDRe   = regexp.MustCompile(`(?i)Transaction(?: ID)?[:\s]+([A-Z0-9]+)`)
	refRe    = regexp.MustCompile(`(?i)Reference[:\s]+([A-Z0-9-]+)`)
	smsTxIDRe = regexp.MustCompile(`([A-Z]{2}\d{8,})`)
)

// ParseEmail scans an inbox notification. Returns nil when the text is not a
// recognized payment notification.
func (p *Parser) ParseEmail(subject, body string) *models.PaymentSignal {
	text := subject + "\n" + body

	if m := mpesaRe.FindStringSubmatch(text); m != nil {
		return p.signal("MPESA", m[1], m[2], body)
	}
	if m := airtelRe.FindStringSubmatch(text); m != nil {
		return p.signal("AIRTEL", m[1], m[2], body)
	}
	if m := tigoRe.FindStringSubmatch(text); m != nil {
		return p.signal("TIGOPESA", m[1], m[2], body)
	}
	if m := haloRe.FindStringSubmatch(text); m != nil {
		return p.signal("HALOPESA", m[1], m[2], body)
	}
	return nil
}

// ParseSMS scans a forwarded SMS body.
func (p *Parser) ParseSMS(message string) *models.PaymentSignal {
	if m := mpesaRe.FindStringSubmatch(message); m != nil {
		sig := p.signal("MPESA", m[1], m[2], "")
		if tx := smsTxIDRe.FindStringSubmatch(message); tx != nil {
			sig.TransactionID = tx[1]
		}
		return sig
	}
	if m := airtelRe.FindStringSubmatch(message); m != nil {
		return p.signal("AIRTEL", m[1], m[2], "")
	}
	return nil
}

func (p *Parser) signal(provider, rawAmount, rawPhone, body string) *models.PaymentSignal {
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return nil
	}

	sig := &models.PaymentSignal{
		Amount:     amount,
		Phone:      matching.NormalizePhone(rawPhone, p.PhonePrefix),
		Provider:   provider,
		ObservedAt: time.Now().UTC(),
	}
	if m := txIDRe.FindStringSubmatch(body); m != nil {
		sig.TransactionID = m[1]
	}
	if m := refRe.FindStringSubmatch(body); m != nil {
		sig.Reference = m[1]
	}
	if sig.TransactionID == "" {
		// Providers occasionally omit the id; synthesize one so the audit
		// trail stays keyed.
		sig.TransactionID = fmt.Sprintf("%s-%d", provider, time.Now().UnixMilli())
	}
	return sig
}

func parseAmount(s string) (int64, error) {
	cleaned := strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
