package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/config"
	"github.com/jia-app/paymentgateway/internal/domain"
	"github.com/jia-app/paymentgateway/internal/log"
	"github.com/jia-app/paymentgateway/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

// Store represents the PostgreSQL store implementation
type Store struct {
	db       *pgxpool.Pool
	schedule domain.RetrySchedule
	now      func() time.Time
}

var _ repository.DatabaseClient = (*Store)(nil)

// NewStore creates a new PostgreSQL store. The service key is used as the
// password when the URL does not carry one.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, schedule domain.RetrySchedule) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if poolConfig.ConnConfig.Password == "" {
		poolConfig.ConnConfig.Password = cfg.ServiceKey
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info(ctx, "Database pool created",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.String("host", poolConfig.ConnConfig.Host))

	return NewStoreWithPool(pool, schedule), nil
}

// NewStoreWithPool creates a new PostgreSQL store with an existing pool
func NewStoreWithPool(pool *pgxpool.Pool, schedule domain.RetrySchedule) *Store {
	return &Store{db: pool, schedule: schedule, now: time.Now}
}

// EnsureSchema applies the embedded, idempotent DDL
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return dbError("ensure_schema", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// Ping checks store connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return dbError("ping", err)
	}
	return nil
}

// dbError wraps a driver error, carrying the SQLSTATE when the server sent one
func dbError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		derr := domain.NewDatabaseError(op, pgErr.Code, err)
		derr.Detail = pgErr.Message
		if pgErr.Detail != "" {
			derr.Detail = pgErr.Message + ": " + pgErr.Detail
		}
		return derr
	}
	return domain.NewDatabaseError(op, "", err)
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// GetEvent returns the event record or repository.ErrNotFound
func (s *Store) GetEvent(ctx context.Context, id string) (*domain.EventRecord, error) {
	var (
		e                                domain.EventRecord
		requestID, idemKey, errorMessage pgtype.Text
		processedAt, nextRetryAt         pgtype.Timestamptz
		eventType                        string
		payload, errContext              []byte
	)

	err := s.db.QueryRow(ctx, `
		SELECT id, type, payload, created, livemode, pending_webhooks, request_id, idempotency_key,
		       processed, processed_at, attempts, next_retry_at, error_message, error_context,
		       created_at, updated_at
		FROM webhook_events WHERE id = $1`, id).Scan(
		&e.ID, &eventType, &payload, &e.Created, &e.Livemode, &e.PendingWebhooks, &requestID, &idemKey,
		&e.Processed, &processedAt, &e.Attempts, &nextRetryAt, &errorMessage, &errContext,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, dbError("get_event", err)
	}

	e.Type = domain.EventType(eventType)
	e.Payload = payload
	e.RequestID = requestID.String
	e.IdempotencyKey = idemKey.String
	e.ErrorMessage = errorMessage.String
	e.ErrorContext = errContext
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	if nextRetryAt.Valid {
		e.NextRetryAt = &nextRetryAt.Time
	}
	return &e, nil
}

// InsertEvent stores a new event; a duplicate id reports inserted=false
func (s *Store) InsertEvent(ctx context.Context, event *domain.EventRecord) (bool, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx, `
		INSERT INTO webhook_events (id, type, payload, created, livemode, pending_webhooks,
		                            request_id, idempotency_key, processed, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, 0, $9, $9)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, string(event.Type), []byte(event.Payload), event.Created, event.Livemode, event.PendingWebhooks,
		text(event.RequestID), text(event.IdempotencyKey), now,
	)
	if err != nil {
		return false, dbError("insert_event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementEventAttempts bumps attempts and schedules next_retry_at in one statement
func (s *Store) IncrementEventAttempts(ctx context.Context, id string) (int, time.Time, error) {
	intervals := make([]int32, len(s.schedule.IntervalsDays))
	for i, d := range s.schedule.IntervalsDays {
		intervals[i] = int32(d)
	}

	var (
		attempts int
		next     pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, `
		UPDATE webhook_events
		SET attempts = attempts + 1,
		    next_retry_at = $2::timestamptz
		        + make_interval(days => ($3::int[])[LEAST(attempts + 1, cardinality($3::int[]))]),
		    updated_at = $2
		WHERE id = $1
		RETURNING attempts, next_retry_at`,
		id, s.now(), intervals,
	).Scan(&attempts, &next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, repository.ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, dbError("increment_event_attempts", err)
	}
	return attempts, next.Time, nil
}

// MarkEventProcessed marks the event processed and clears any recorded error
func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	now := s.now()
	tag, err := s.db.Exec(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $2, next_retry_at = NULL,
		    error_message = NULL, error_context = NULL, updated_at = $2
		WHERE id = $1`, id, now)
	if err != nil {
		return dbError("mark_event_processed", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordEventError persists the failure of the last attempt
func (s *Store) RecordEventError(ctx context.Context, id, message string, errContext json.RawMessage) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE webhook_events
		SET error_message = $2, error_context = $3, updated_at = $4
		WHERE id = $1`, id, message, nullJSON(errContext), s.now())
	if err != nil {
		return dbError("record_event_error", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdatePaymentStatus applies the payment transition and its recovery bookkeeping
// in one transaction. Recovery rows for a payment are serialized with an advisory lock.
func (s *Store) UpdatePaymentStatus(ctx context.Context, update domain.PaymentStatusUpdate) (*domain.PaymentTransition, error) {
	now := s.now()
	transition := &domain.PaymentTransition{}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, dbError("update_payment_status", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		subscriptionID pgtype.Text
		amount         int64
	)
	err = tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
		    subscription_id = COALESCE(NULLIF($3::text, ''), subscription_id),
		    amount = CASE WHEN $4::bigint > 0 THEN $4::bigint ELSE amount END,
		    currency = COALESCE(NULLIF($5::text, ''), currency),
		    updated_at = $6
		WHERE payment_intent_id = $1
		RETURNING subscription_id, amount`,
		update.PaymentIntentID, string(update.Status), update.SubscriptionID, update.Amount, update.Currency, now,
	).Scan(&subscriptionID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return transition, nil
	}
	if err != nil {
		return nil, dbError("update_payment_status", err)
	}

	switch update.Status {
	case domain.PaymentStatusFailed:
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, update.PaymentIntentID); err != nil {
			return nil, dbError("lock_recovery_attempts", err)
		}

		if update.SourceEventID != "" {
			existing, err := scanAttempt(tx.QueryRow(ctx, attemptSelect+` WHERE source_event_id = $1`, update.SourceEventID))
			if err == nil {
				if err := tx.Commit(ctx); err != nil {
					return nil, dbError("update_payment_status", err)
				}
				transition.Attempt = existing
				return transition, nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return nil, dbError("get_recovery_attempt", err)
			}
		}

		var maxAttempt int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(attempt_number), 0)
			FROM payment_recovery_attempts WHERE payment_intent_id = $1`,
			update.PaymentIntentID).Scan(&maxAttempt); err != nil {
			return nil, dbError("count_recovery_attempts", err)
		}

		next := maxAttempt + 1
		if s.schedule.Exhausted(next) {
			transition.RecoveryExhausted = true
			break
		}

		attempt := &domain.RecoveryAttempt{
			ID:               uuid.New(),
			PaymentIntentID:  update.PaymentIntentID,
			SubscriptionID:   subscriptionID.String,
			AttemptNumber:    next,
			Status:           domain.RecoveryStatusPending,
			Amount:           amount,
			NextAttemptAt:    s.schedule.NextAttemptAt(now, next),
			RecoveryStrategy: domain.DefaultRecoveryStrategy,
			SourceEventID:    update.SourceEventID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO payment_recovery_attempts (id, payment_intent_id, subscription_id, attempt_number, status,
			                                       amount, next_attempt_at, recovery_strategy, source_event_id,
			                                       created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			attempt.ID, attempt.PaymentIntentID, text(attempt.SubscriptionID), attempt.AttemptNumber,
			string(attempt.Status), attempt.Amount, attempt.NextAttemptAt, attempt.RecoveryStrategy,
			text(attempt.SourceEventID), now,
		); err != nil {
			return nil, dbError("insert_recovery_attempt", err)
		}
		transition.Attempt = attempt

	case domain.PaymentStatusSucceeded:
		tag, err := tx.Exec(ctx, `
			UPDATE payment_recovery_attempts
			SET status = $2, updated_at = $3
			WHERE payment_intent_id = $1 AND status = $4`,
			update.PaymentIntentID, string(domain.RecoveryStatusSuccess), now, string(domain.RecoveryStatusPending))
		if err != nil {
			return nil, dbError("settle_recovery_attempts", err)
		}
		transition.SettledAttempts = int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, dbError("update_payment_status", err)
	}
	return transition, nil
}

const attemptSelect = `
	SELECT id, payment_intent_id, subscription_id, attempt_number, status, amount, next_attempt_at,
	       recovery_strategy, source_event_id, created_at, updated_at
	FROM payment_recovery_attempts`

func scanAttempt(row pgx.Row) (*domain.RecoveryAttempt, error) {
	var (
		a                      domain.RecoveryAttempt
		subscriptionID, source pgtype.Text
		status                 string
	)
	if err := row.Scan(&a.ID, &a.PaymentIntentID, &subscriptionID, &a.AttemptNumber, &status, &a.Amount,
		&a.NextAttemptAt, &a.RecoveryStrategy, &source, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.SubscriptionID = subscriptionID.String
	a.SourceEventID = source.String
	a.Status = domain.RecoveryStatus(status)
	return &a, nil
}

// ListRecoveryAttempts returns the attempts for a payment intent ordered by attempt number
func (s *Store) ListRecoveryAttempts(ctx context.Context, paymentIntentID string) ([]domain.RecoveryAttempt, error) {
	rows, err := s.db.Query(ctx, attemptSelect+` WHERE payment_intent_id = $1 ORDER BY attempt_number`, paymentIntentID)
	if err != nil {
		return nil, dbError("list_recovery_attempts", err)
	}
	defer rows.Close()

	var attempts []domain.RecoveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, dbError("list_recovery_attempts", err)
		}
		attempts = append(attempts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list_recovery_attempts", err)
	}
	return attempts, nil
}

// UpdateSubscriptionStatus mirrors the processor status. Every transition into
// canceled stamps cancelled_at; a repeated canceled keeps the existing stamp.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	_, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $2::text,
		    cancelled_at = CASE
		        WHEN $2::text = $4::text AND status IS DISTINCT FROM $4::text THEN $3
		        WHEN $2::text = $4::text THEN COALESCE(cancelled_at, $3)
		        ELSE cancelled_at
		    END,
		    updated_at = $3
		WHERE id = $1`,
		id, string(status), s.now(), string(domain.SubscriptionStatusCanceled))
	if err != nil {
		return dbError("update_subscription_status", err)
	}
	return nil
}

// UpsertRefund inserts or updates a refund
func (s *Store) UpsertRefund(ctx context.Context, refund domain.Refund) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refunds (id, charge_id, payment_intent_id, amount, currency, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
		    charge_id = EXCLUDED.charge_id,
		    payment_intent_id = EXCLUDED.payment_intent_id,
		    amount = EXCLUDED.amount,
		    currency = EXCLUDED.currency,
		    status = EXCLUDED.status,
		    reason = EXCLUDED.reason,
		    updated_at = EXCLUDED.updated_at`,
		refund.ID, refund.ChargeID, text(refund.PaymentIntentID), refund.Amount, refund.Currency,
		refund.Status, text(refund.Reason), s.now())
	if err != nil {
		return dbError("upsert_refund", err)
	}
	return nil
}

// UpsertDispute inserts or updates a dispute; the status is taken as given
func (s *Store) UpsertDispute(ctx context.Context, dispute domain.Dispute) error {
	var dueBy pgtype.Timestamptz
	if dispute.DueBy != nil {
		dueBy = pgtype.Timestamptz{Time: *dispute.DueBy, Valid: true}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO disputes (id, charge_id, payment_intent_id, amount, currency, status, reason, evidence, due_by,
		                      created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO UPDATE SET
		    charge_id = EXCLUDED.charge_id,
		    payment_intent_id = EXCLUDED.payment_intent_id,
		    amount = EXCLUDED.amount,
		    currency = EXCLUDED.currency,
		    status = EXCLUDED.status,
		    reason = EXCLUDED.reason,
		    evidence = COALESCE(EXCLUDED.evidence, disputes.evidence),
		    due_by = COALESCE(EXCLUDED.due_by, disputes.due_by),
		    updated_at = EXCLUDED.updated_at`,
		dispute.ID, dispute.ChargeID, text(dispute.PaymentIntentID), dispute.Amount, dispute.Currency,
		dispute.Status, text(dispute.Reason), nullJSON(dispute.Evidence), dueBy, s.now())
	if err != nil {
		return dbError("upsert_dispute", err)
	}
	return nil
}

// CreateSupportTicket inserts the ticket unless one with the same id exists
func (s *Store) CreateSupportTicket(ctx context.Context, ticket domain.SupportTicket) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO support_tickets (id, issue_type, status, priority, subject, description,
		                             payment_intent_id, subscription_id, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		ticket.ID, ticket.IssueType, string(ticket.Status), string(ticket.Priority), ticket.Subject,
		ticket.Description, text(ticket.PaymentIntentID), text(ticket.SubscriptionID), text(ticket.EventID), s.now())
	if err != nil {
		return false, dbError("create_support_ticket", err)
	}
	return tag.RowsAffected() == 1, nil
}
