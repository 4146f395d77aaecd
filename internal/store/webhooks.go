package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/0xMgwan/rampa/internal/models"
)

func (s *Store) InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO webhook_events (id, order_id, event_type, payload, status, attempts, next_retry_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		ev.ID,
		ev.OrderID,
		ev.EventType,
		[]byte(ev.Payload),
		string(ev.Status),
		ev.Attempts,
		ev.NextRetryAt,
		ev.CreatedAt,
	)
	return err
}

// ListDueWebhookEvents returns undelivered events whose retry gate has
// passed, oldest first so per-order enqueue order is preserved on the happy
// path. Events that exhausted their attempt budget are excluded.
func (s *Store) ListDueWebhookEvents(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*models.WebhookEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, order_id, event_type, payload, status, attempts, next_retry_at, last_attempt_at, last_error, created_at
		FROM webhook_events
		WHERE status IN ('PENDING','FAILED')
		  AND attempts < $2
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at ASC
		LIMIT $3
	`, now, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		var (
			ev          models.WebhookEvent
			status      string
			payload     []byte
			nextRetry   sql.NullTime
			lastAttempt sql.NullTime
			lastError   sql.NullString
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.OrderID,
			&ev.EventType,
			&payload,
			&status,
			&ev.Attempts,
			&nextRetry,
			&lastAttempt,
			&lastError,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Status = models.WebhookStatus(status)
		ev.Payload = payload
		if nextRetry.Valid {
			ev.NextRetryAt = &nextRetry.Time
		}
		if lastAttempt.Valid {
			ev.LastAttemptAt = &lastAttempt.Time
		}
		if lastError.Valid {
			v := lastError.String
			ev.LastError = &v
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *Store) MarkWebhookSent(ctx context.Context, id string, attempts int, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE webhook_events
		SET status='SENT', attempts=$2, last_attempt_at=$3, last_error=NULL
		WHERE id=$1
	`, id, attempts, at)
	return err
}

func (s *Store) MarkWebhookFailed(ctx context.Context, id string, attempts int, at, nextRetryAt time.Time, lastError string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE webhook_events
		SET status='FAILED', attempts=$2, last_attempt_at=$3, next_retry_at=$4, last_error=$5
		WHERE id=$1
	`, id, attempts, at, nextRetryAt, lastError)
	return err
}
