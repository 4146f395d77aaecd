package services

import (
	"context"
	"log"
	"time"

	"github.com/0xMgwan/rampa/internal/models"
	"github.com/0xMgwan/rampa/internal/store"
)

// SweepResult summarizes one auto-verify pass.
type SweepResult struct {
	Signals   int
	Matched   int
	Unmatched int
}

// AutoVerifySweep pulls recent payment signals from every registered source
// and reconciles them against pending BUY orders. A matched order takes the
// fused PENDING→PROCESSING transition: the signal already proves payment, so
// the separate verification step is skipped. Source failures are logged and
// the sweep moves on; one dead provider API must not stall the others.
func (s *Service) AutoVerifySweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	candidates, err := s.store.ListPendingBuyOrders(ctx, time.Now().UTC().Add(-s.opts.Lookback))
	if err != nil {
		return res, err
	}
	if len(candidates) == 0 {
		return res, nil
	}

	for kind, source := range s.registry.Sources() {
		signals, err := source.RecentSignals(ctx)
		if err != nil {
			log.Printf("signal source %s failed, skipping: %v", kind, err)
			continue
		}
		for _, sig := range signals {
			res.Signals++
			if s.applySignal(ctx, sig, candidates) {
				res.Matched++
			} else {
				res.Unmatched++
				if err := s.store.RecordUnmatchedSignal(ctx, sig); err != nil {
					log.Printf("unmatched signal %s not recorded: %v", sig.TransactionID, err)
				}
			}
		}
	}
	return res, nil
}

// applySignal attaches one signal to the oldest compatible pending order and
// settles it. The compare-and-set still guards the claim: a candidate list
// read moments ago may be stale, and losing the race is not an error. A
// claimed candidate is marked locally so the same pass cannot match it twice.
func (s *Service) applySignal(ctx context.Context, sig models.PaymentSignal, candidates []*models.Order) bool {
	order := s.matcher.Match(sig, candidates)
	if order == nil {
		return false
	}

	claimed, err := s.store.UpdateOrderStatus(ctx, order.ID,
		[]models.OrderStatus{models.StatusPending}, models.StatusProcessing,
		store.OrderUpdate{TransactionID: &sig.TransactionID})
	if err != nil {
		log.Printf("order %s claim for signal %s failed: %v", order.OrderNumber, sig.TransactionID, err)
		return false
	}
	if !claimed {
		order.Status = models.StatusProcessing
		return false
	}
	order.Status = models.StatusProcessing
	order.TransactionID = &sig.TransactionID

	if err := s.store.AppendOrderMetadata(ctx, order.ID, map[string]any{
		"autoVerified":        true,
		"matchedProvider":     sig.Provider,
		"signalTransactionId": sig.TransactionID,
		"signalAmount":        sig.Amount,
		"matchedAt":           time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Printf("order %s match metadata write failed: %v", order.OrderNumber, err)
	}

	s.enqueue(ctx, order, EventOrderProcessing)
	if _, err := s.settle(ctx, order); err != nil {
		log.Printf("order %s settlement after auto-match failed: %v", order.OrderNumber, err)
	}
	return true
}

// NotificationInput is a forwarded provider notification: a mobile-money SMS
// body, or the subject and body of an inbox email.
type NotificationInput struct {
	Channel string
	Subject string
	Body    string
}

// IngestNotification parses a forwarded notification into a payment signal
// and feeds it through the same matching path the sweep uses. Returns whether
// the signal attached to an order; an unrecognized text is a validation
// error, an unmatched signal is not.
func (s *Service) IngestNotification(ctx context.Context, in NotificationInput) (bool, error) {
	if s.parser == nil {
		return false, validationErr("notification parsing is not configured")
	}

	var sig *models.PaymentSignal
	switch in.Channel {
	case "sms":
		sig = s.parser.ParseSMS(in.Body)
	case "email":
		sig = s.parser.ParseEmail(in.Subject, in.Body)
	default:
		return false, validationErr("unknown notification channel %q", in.Channel)
	}
	if sig == nil {
		return false, validationErr("text is not a recognized payment notification")
	}

	candidates, err := s.store.ListPendingBuyOrders(ctx, time.Now().UTC().Add(-s.opts.Lookback))
	if err != nil {
		return false, err
	}
	if s.applySignal(ctx, *sig, candidates) {
		return true, nil
	}
	if err := s.store.RecordUnmatchedSignal(ctx, *sig); err != nil {
		log.Printf("unmatched signal %s not recorded: %v", sig.TransactionID, err)
	}
	return false, nil
}

// ExpireSweep moves overdue PENDING orders to EXPIRED, cancels their deposit
// watches, and fires expiry webhooks. Returns how many orders expired.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	ids, err := s.store.ExpirePendingOrders(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		s.monitors.Cancel(id)
		order, err := s.store.GetOrder(ctx, id)
		if err != nil {
			log.Printf("expired order %s load failed: %v", id, err)
			continue
		}
		s.enqueue(ctx, order, EventOrderExpired)
	}
	return len(ids), nil
}
