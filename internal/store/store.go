package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/0xMgwan/rampa/internal/models"
)

var ErrNotFound = errors.New("not found")

// DB is the subset of pgxpool.Pool the store uses. Narrowing it here lets
// tests swap in a mock pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	Pool DB
}

func New(pool DB) *Store {
	return &Store{Pool: pool}
}

const orderColumns = `
	id, order_number, partner_id, partner_order_id, type, status,
	amount_crypto, crypto_type, network, amount_fiat, currency_code,
	exchange_rate, destination_address, deposit_address, user_full_name,
	user_phone, country_code, payment_provider_id, transaction_id, tx_hash,
	explorer_url, error_message, metadata, created_at, expires_at,
	completed_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	meta, err := json.Marshal(order.Metadata)
	if err != nil {
		return err
	}
	if order.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO orders (
			id, order_number, partner_id, partner_order_id, type, status,
			amount_crypto, crypto_type, network, amount_fiat, currency_code,
			exchange_rate, destination_address, deposit_address, user_full_name,
			user_phone, country_code, payment_provider_id, metadata,
			created_at, expires_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		order.ID,
		order.OrderNumber,
		order.PartnerID,
		order.PartnerOrderID,
		string(order.Type),
		string(order.Status),
		order.AmountCrypto.String(),
		string(order.CryptoType),
		order.Network,
		order.AmountFiat,
		order.CurrencyCode,
		order.ExchangeRate.String(),
		order.DestinationAddress,
		order.DepositAddress,
		order.UserFullName,
		order.UserPhone,
		order.CountryCode,
		order.PaymentProviderID,
		meta,
		order.CreatedAt,
		order.ExpiresAt,
		order.UpdatedAt,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE order_number=$1`, orderNumber)
	return scanOrder(row)
}

// OrderUpdate carries the optional fields written together with a status
// transition. Nil fields keep the stored value.
type OrderUpdate struct {
	TransactionID *string
	TxHash        *string
	ExplorerURL   *string
	ErrorMessage  *string
	CompletedAt   *time.Time
}

// UpdateOrderStatus is the single linearization point for order transitions:
// a compare-and-set on status. It returns false when the order was not in any
// of the expected source states, in which case nothing was written.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from []models.OrderStatus, to models.OrderStatus, upd OrderUpdate) (bool, error) {
	states := make([]string, 0, len(from))
	for _, st := range from {
		states = append(states, string(st))
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET
			status=$2,
			transaction_id=COALESCE($3, transaction_id),
			tx_hash=COALESCE($4, tx_hash),
			explorer_url=COALESCE($5, explorer_url),
			error_message=COALESCE($6, error_message),
			completed_at=COALESCE($7, completed_at),
			updated_at=now()
		WHERE id=$1 AND status = ANY($8)
	`, id, string(to), upd.TransactionID, upd.TxHash, upd.ExplorerURL, upd.ErrorMessage, upd.CompletedAt, states)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// AppendOrderMetadata merges the patch into the metadata bag. Existing keys
// not present in the patch are preserved.
func (s *Store) AppendOrderMetadata(ctx context.Context, id string, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		UPDATE orders SET metadata = metadata || $2::jsonb, updated_at=now()
		WHERE id=$1
	`, id, data)
	return err
}

// ListPendingBuyOrders returns matching candidates ordered oldest first, so
// the matching engine's FIFO tie-break falls out of iteration order.
func (s *Store) ListPendingBuyOrders(ctx context.Context, since time.Time) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT`+orderColumns+`
		FROM orders
		WHERE status='PENDING' AND type='BUY' AND created_at >= $1
		ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListPendingSellOrders returns SELL orders still waiting on a deposit and
// not yet past expiry, for re-registering deposit watches after a restart.
func (s *Store) ListPendingSellOrders(ctx context.Context, notAfter time.Time) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT`+orderColumns+`
		FROM orders
		WHERE status='PENDING' AND type='SELL' AND expires_at > $1
		ORDER BY created_at ASC
	`, notAfter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ExpirePendingOrders moves overdue PENDING orders to EXPIRED and returns
// their ids so the caller can fire ORDER_EXPIRED webhooks and cancel
// deposit monitors.
func (s *Store) ExpirePendingOrders(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE orders
		SET status='EXPIRED', updated_at=now()
		WHERE status='PENDING' AND expires_at < $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordUnmatchedSignal keeps an audit trail of payment signals the matching
// engine could not attach to any order. They are not retried automatically.
func (s *Store) RecordUnmatchedSignal(ctx context.Context, sig models.PaymentSignal) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO unmatched_signals (transaction_id, provider, amount, phone, reference, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (transaction_id) DO NOTHING
	`, sig.TransactionID, sig.Provider, sig.Amount, sig.Phone, sig.Reference, sig.ObservedAt)
	return err
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	order, err := scanOrderFrom(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func scanOrders(rows pgx.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrderFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrderFrom(scan func(dest ...any) error) (*models.Order, error) {
	var (
		order        models.Order
		orderType    string
		status       string
		amountCrypto string
		cryptoType   string
		exchangeRate string
		partnerOrder sql.NullString
		destination  sql.NullString
		deposit      sql.NullString
		userPhone    sql.NullString
		txID         sql.NullString
		txHash       sql.NullString
		explorerURL  sql.NullString
		errMessage   sql.NullString
		meta         []byte
		completedAt  sql.NullTime
	)

	err := scan(
		&order.ID,
		&order.OrderNumber,
		&order.PartnerID,
		&partnerOrder,
		&orderType,
		&status,
		&amountCrypto,
		&cryptoType,
		&order.Network,
		&order.AmountFiat,
		&order.CurrencyCode,
		&exchangeRate,
		&destination,
		&deposit,
		&order.UserFullName,
		&userPhone,
		&order.CountryCode,
		&order.PaymentProviderID,
		&txID,
		&txHash,
		&explorerURL,
		&errMessage,
		&meta,
		&order.CreatedAt,
		&order.ExpiresAt,
		&completedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.Type = models.OrderType(orderType)
	order.Status = models.OrderStatus(status)
	order.CryptoType = models.CryptoType(cryptoType)
	if order.AmountCrypto, err = decimal.NewFromString(amountCrypto); err != nil {
		return nil, err
	}
	if order.ExchangeRate, err = decimal.NewFromString(exchangeRate); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &order.Metadata); err != nil {
			return nil, err
		}
	}
	order.PartnerOrderID = nullStr(partnerOrder)
	order.DestinationAddress = nullStr(destination)
	order.DepositAddress = nullStr(deposit)
	order.UserPhone = nullStr(userPhone)
	order.TransactionID = nullStr(txID)
	order.TxHash = nullStr(txHash)
	order.ExplorerURL = nullStr(explorerURL)
	order.ErrorMessage = nullStr(errMessage)
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}
	return &order, nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
