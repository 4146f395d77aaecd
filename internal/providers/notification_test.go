package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmailMPesa(t *testing.T) {
	p := NewParser("255")

	subject := "You have received TZS 25,800.00 from 0765123456"
	body := "Transaction ID: AB12345678\nReference: ORD-20260831-0001"

	sig := p.ParseEmail(subject, body)
	require.NotNil(t, sig)
	assert.Equal(t, int64(25800), sig.Amount)
	assert.Equal(t, "255765123456", sig.Phone)
	assert.Equal(t, "AB12345678", sig.TransactionID)
	assert.Equal(t, "ORD-20260831-0001", sig.Reference)
	assert.Equal(t, "MPESA", sig.Provider)
}

func TestParseEmailTigo(t *testing.T) {
	p := NewParser("255")

	sig := p.ParseEmail("Payment of TZS 50,000 received from 255712000000", "Transaction: CD98765432")
	require.NotNil(t, sig)
	assert.Equal(t, int64(50000), sig.Amount)
	assert.Equal(t, "255712000000", sig.Phone)
	assert.Equal(t, "TIGOPESA", sig.Provider)
}

func TestParseSMSMPesa(t *testing.T) {
	p := NewParser("255")

	sig := p.ParseSMS("AB12345678 confirmed. You have received TZS 25,800.00 from 255765123456")
	require.NotNil(t, sig)
	assert.Equal(t, int64(25800), sig.Amount)
	assert.Equal(t, "255765123456", sig.Phone)
	assert.Equal(t, "AB12345678", sig.TransactionID)
}

func TestParseEmailNotAPayment(t *testing.T) {
	p := NewParser("255")
	assert.Nil(t, p.ParseEmail("Your monthly statement", "No payments here"))
}

func TestParseSynthesizesTransactionID(t *testing.T) {
	p := NewParser("255")
	sig := p.ParseEmail("You have received TZS 1,000.00 from 0765123456", "no ids in body")
	require.NotNil(t, sig)
	assert.NotEmpty(t, sig.TransactionID)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	selcom := NewSelcom(SelcomConfig{BaseURL: "http://localhost"})
	r.RegisterVerifier("selcom", selcom)
	r.RegisterSource("selcom", selcom)

	v, err := r.Verifier("selcom")
	require.NoError(t, err)
	assert.Same(t, selcom, v.(*Selcom))

	_, err = r.Verifier("unknown")
	assert.ErrorIs(t, err, ErrProviderNotSupported)

	_, err = r.Payout("unknown")
	assert.ErrorIs(t, err, ErrProviderNotSupported)
}

func TestSelcomWebhookDigest(t *testing.T) {
	s := NewSelcom(SelcomConfig{APISecret: "topsecret"})
	payload := []byte(`{"order_id":"ORD-20260831-0001","amount":25800}`)
	ts := "2026-08-31T12:00:00Z"

	digest := s.sign("timestamp=" + ts + "&payload=" + string(payload))
	assert.True(t, s.VerifyWebhookDigest(ts, payload, digest))
	assert.False(t, s.VerifyWebhookDigest(ts, payload, "deadbeef"))
	assert.False(t, s.VerifyWebhookDigest("2026-08-31T12:00:01Z", payload, digest))
}
