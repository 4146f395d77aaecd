package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xMgwan/rampa/internal/chain"
	"github.com/0xMgwan/rampa/internal/models"
	"github.com/0xMgwan/rampa/internal/store"
)

// VerifyPayment drives a BUY order from PENDING through verification and
// settlement. The PENDING→VERIFYING compare-and-set is the claim: of any
// number of concurrent calls for the same order, exactly one proceeds past
// it, so at most one on-chain transfer can ever happen.
func (s *Service) VerifyPayment(ctx context.Context, orderID, partnerID, transactionID string) (*models.Order, error) {
	if transactionID == "" {
		return nil, validationErr("transaction id is required")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if partnerID != "" && order.PartnerID != partnerID {
		return nil, ErrForbidden
	}
	if order.Type != models.OrderBuy {
		return nil, validationErr("order %s is not a buy order", order.OrderNumber)
	}
	switch order.Status {
	case models.StatusPending:
	case models.StatusExpired:
		return nil, ErrOrderExpired
	default:
		return nil, ErrOrderConflict
	}

	// The expiry sweep runs on a timer; an order past its deadline may still
	// read PENDING. Expire it here rather than letting it be claimed.
	if time.Now().UTC().After(order.ExpiresAt) {
		expired, err := s.store.UpdateOrderStatus(ctx, order.ID,
			[]models.OrderStatus{models.StatusPending}, models.StatusExpired, store.OrderUpdate{})
		if err != nil {
			return nil, err
		}
		if expired {
			order.Status = models.StatusExpired
			s.enqueue(ctx, order, EventOrderExpired)
		}
		return nil, ErrOrderExpired
	}

	claimed, err := s.store.UpdateOrderStatus(ctx, order.ID,
		[]models.OrderStatus{models.StatusPending}, models.StatusVerifying,
		store.OrderUpdate{TransactionID: &transactionID})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrOrderConflict
	}
	order.Status = models.StatusVerifying
	order.TransactionID = &transactionID
	s.enqueue(ctx, order, EventOrderVerifying)

	provider, err := s.store.GetPaymentProvider(ctx, order.PaymentProviderID)
	if err != nil {
		return s.failOrder(ctx, order, models.StatusVerifying, "payment provider lookup failed: "+err.Error())
	}
	verifier, err := s.registry.Verifier(provider.Kind)
	if err != nil {
		return s.failOrder(ctx, order, models.StatusVerifying, "no verifier for provider kind "+provider.Kind)
	}

	result, err := verifier.VerifyPayment(ctx, transactionID, order.AmountFiat)
	if err != nil {
		order, failErr := s.failOrder(ctx, order, models.StatusVerifying, "verification call failed: "+err.Error())
		if failErr != nil {
			return nil, failErr
		}
		return order, upstream("verify payment", err)
	}
	if !result.Verified {
		return s.failOrder(ctx, order, models.StatusVerifying, "payment not verified: "+result.Err)
	}

	ok, err := s.store.UpdateOrderStatus(ctx, order.ID,
		[]models.OrderStatus{models.StatusVerifying}, models.StatusProcessing, store.OrderUpdate{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrderConflict
	}
	order.Status = models.StatusProcessing
	s.enqueue(ctx, order, EventOrderProcessing)

	return s.settle(ctx, order)
}

// settle sends the crypto leg of a PROCESSING buy order and records the
// terminal state. A failed transfer is terminal; operators re-run settlement
// manually after fixing the cause, there is no automatic retry.
func (s *Service) settle(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.DestinationAddress == nil {
		return s.failOrder(ctx, order, models.StatusProcessing, "order has no destination address")
	}

	// Receipt polling must not outlive the timeout: a transaction stuck in the
	// mempool fails the order instead of hanging the caller.
	transferCtx, cancel := context.WithTimeout(ctx, s.opts.TransferTimeout)
	result, err := s.gateway.Transfer(transferCtx, order.Network, chain.Asset(order.CryptoType), *order.DestinationAddress, order.AmountCrypto)
	cancel()
	if err != nil {
		return s.failOrder(ctx, order, models.StatusProcessing, "transfer failed: "+err.Error())
	}

	now := time.Now().UTC()
	ok, err := s.store.UpdateOrderStatus(ctx, order.ID,
		[]models.OrderStatus{models.StatusProcessing}, models.StatusCompleted,
		store.OrderUpdate{
			TxHash:      &result.TxHash,
			ExplorerURL: &result.ExplorerURL,
			CompletedAt: &now,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		// The transfer went out but the row moved underneath us; keep the
		// hash in metadata so the money trail is never lost.
		log.Printf("order %s settled on chain (%s) but completion CAS lost", order.OrderNumber, result.TxHash)
		if metaErr := s.store.AppendOrderMetadata(ctx, order.ID, map[string]any{"orphanTxHash": result.TxHash}); metaErr != nil {
			log.Printf("order %s orphan tx metadata write failed: %v", order.OrderNumber, metaErr)
		}
		return nil, ErrOrderConflict
	}

	order.Status = models.StatusCompleted
	order.TxHash = &result.TxHash
	order.ExplorerURL = &result.ExplorerURL
	order.CompletedAt = &now
	s.enqueue(ctx, order, EventOrderCompleted)
	return order, nil
}

// failOrder moves an order from the given state to FAILED and fires the
// failure webhook. The returned error is nil; callers inspect the order's
// status.
func (s *Service) failOrder(ctx context.Context, order *models.Order, from models.OrderStatus, message string) (*models.Order, error) {
	ok, err := s.store.UpdateOrderStatus(ctx, order.ID,
		[]models.OrderStatus{from}, models.StatusFailed,
		store.OrderUpdate{ErrorMessage: &message})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrderConflict
	}
	order.Status = models.StatusFailed
	order.ErrorMessage = &message
	s.enqueue(ctx, order, EventOrderFailed)
	return order, nil
}

// watchDeposit registers the on-chain watch for a SELL order. The watch must
// outlive the API request that created the order, so it runs on a fresh
// context bounded by the order's expiry rather than on the caller's. When the
// deposit lands the fiat payout leg runs on the watcher goroutine; the
// subscription is tied to the order id so expiry can cancel it.
func (s *Service) watchDeposit(order *models.Order) error {
	if order.DepositAddress == nil {
		return validationErr("order has no deposit address")
	}

	watchCtx, cancelWatch := context.WithDeadline(context.Background(), order.ExpiresAt)
	orderID := order.ID
	sub, err := s.gateway.MonitorDeposit(watchCtx, order.Network, *order.DepositAddress, chain.Asset(order.CryptoType), order.AmountCrypto,
		func(txHash string, amount decimal.Decimal) {
			defer cancelWatch()
			s.onDeposit(context.Background(), orderID, txHash, amount)
		})
	if err != nil {
		cancelWatch()
		return err
	}
	s.monitors.Register(orderID, sub)
	return nil
}

// RestoreDepositWatches re-registers deposit monitors for every live SELL
// order, typically at process startup. Watches are in-memory and die with the
// process; the orders survive in the database. Returns how many watches were
// set.
func (s *Service) RestoreDepositWatches(ctx context.Context) (int, error) {
	orders, err := s.store.ListPendingSellOrders(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, order := range orders {
		if err := s.watchDeposit(order); err != nil {
			log.Printf("deposit watch restore for order %s failed: %v", order.OrderNumber, err)
			continue
		}
		restored++
	}
	return restored, nil
}

// onDeposit completes the fiat leg of a SELL order after its crypto deposit
// was observed.
func (s *Service) onDeposit(ctx context.Context, orderID, txHash string, amount decimal.Decimal) {
	defer s.monitors.Cancel(orderID)

	ok, err := s.store.UpdateOrderStatus(ctx, orderID,
		[]models.OrderStatus{models.StatusPending}, models.StatusProcessing,
		store.OrderUpdate{TxHash: &txHash})
	if err != nil {
		log.Printf("deposit for order %s observed (%s) but claim failed: %v", orderID, txHash, err)
		return
	}
	if !ok {
		log.Printf("deposit for order %s observed (%s) after order left PENDING, ignoring", orderID, txHash)
		return
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		log.Printf("order %s load after deposit failed: %v", orderID, err)
		return
	}
	s.enqueue(ctx, order, EventOrderProcessing)

	if metaErr := s.store.AppendOrderMetadata(ctx, orderID, map[string]any{
		"depositTxHash": txHash,
		"depositAmount": amount.String(),
		"depositAt":     time.Now().UTC().Format(time.RFC3339),
	}); metaErr != nil {
		log.Printf("order %s deposit metadata write failed: %v", order.OrderNumber, metaErr)
	}

	provider, err := s.store.GetPaymentProvider(ctx, order.PaymentProviderID)
	if err != nil {
		s.failOrder(ctx, order, models.StatusProcessing, "payment provider lookup failed: "+err.Error())
		return
	}
	payout, err := s.registry.Payout(provider.Kind)
	if err != nil {
		s.failOrder(ctx, order, models.StatusProcessing, "no payout route for provider kind "+provider.Kind)
		return
	}

	phone := ""
	if order.UserPhone != nil {
		phone = *order.UserPhone
	}
	result, err := payout.SendPayout(ctx, phone, order.AmountFiat)
	if err != nil {
		s.failOrder(ctx, order, models.StatusProcessing, "payout call failed: "+err.Error())
		return
	}
	if !result.Success {
		s.failOrder(ctx, order, models.StatusProcessing, "payout rejected: "+result.Err)
		return
	}

	now := time.Now().UTC()
	ok, err = s.store.UpdateOrderStatus(ctx, orderID,
		[]models.OrderStatus{models.StatusProcessing}, models.StatusCompleted,
		store.OrderUpdate{TransactionID: &result.TransactionID, CompletedAt: &now})
	if err != nil || !ok {
		log.Printf("order %s payout sent (%s) but completion not recorded: ok=%v err=%v", order.OrderNumber, result.TransactionID, ok, err)
		return
	}

	order.Status = models.StatusCompleted
	order.TransactionID = &result.TransactionID
	order.CompletedAt = &now
	s.enqueue(ctx, order, EventOrderCompleted)
}

// selcomWebhook is the callback body Selcom posts on wallet activity.
type selcomWebhook struct {
	TransID   string  `json:"transid"`
	Amount    float64 `json:"amount"`
	MSISDN    string  `json:"msisdn"`
	Reference string  `json:"reference"`
	Status    string  `json:"status"`
}

// HandleProviderWebhook ingests a push notification from a payment provider.
// The digest is checked before anything else; a bad signature never touches
// order state. A verified payload becomes a payment signal fed through the
// same fused-claim path the sweep uses.
func (s *Service) HandleProviderWebhook(ctx context.Context, provider, timestamp string, payload []byte, digest string) error {
	if provider != "selcom" || s.selcom == nil {
		return validationErr("unknown webhook provider %q", provider)
	}
	if !s.selcom.VerifyWebhookDigest(timestamp, payload, digest) {
		return ErrInvalidSignature
	}

	var hook selcomWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return validationErr("malformed webhook payload")
	}
	if hook.Status != "COMPLETED" && hook.Status != "SUCCESS" {
		return nil
	}

	signal := models.PaymentSignal{
		Amount:        int64(hook.Amount),
		Phone:         hook.MSISDN,
		TransactionID: hook.TransID,
		Reference:     hook.Reference,
		Provider:      "SELCOM",
		ObservedAt:    time.Now().UTC(),
	}

	candidates, err := s.store.ListPendingBuyOrders(ctx, time.Now().UTC().Add(-s.opts.Lookback))
	if err != nil {
		return err
	}
	if matched := s.applySignal(ctx, signal, candidates); !matched {
		if err := s.store.RecordUnmatchedSignal(ctx, signal); err != nil {
			log.Printf("unmatched signal %s not recorded: %v", signal.TransactionID, err)
		}
	}
	return nil
}
