package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jia-app/paymentgateway/internal/domain"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// EventRepository stores the audit record of every received webhook event
type EventRepository interface {
	// GetEvent returns the event record or ErrNotFound
	GetEvent(ctx context.Context, id string) (*domain.EventRecord, error)

	// InsertEvent stores a new event with attempts=0; a concurrent insert of the
	// same id is not an error and reports inserted=false
	InsertEvent(ctx context.Context, event *domain.EventRecord) (inserted bool, err error)

	// IncrementEventAttempts atomically bumps the attempt counter, schedules next_retry_at
	// from the retry schedule and returns both
	IncrementEventAttempts(ctx context.Context, id string) (attempts int, nextRetryAt time.Time, err error)

	// MarkEventProcessed marks the event processed and clears any recorded error
	MarkEventProcessed(ctx context.Context, id string) error

	// RecordEventError persists the failure message and context of the last attempt
	RecordEventError(ctx context.Context, id, message string, errContext json.RawMessage) error
}

// PaymentRepository defines payment and recovery bookkeeping operations
type PaymentRepository interface {
	// UpdatePaymentStatus applies a payment transition and its recovery side effects.
	// Updating a payment that does not exist is a no-op.
	UpdatePaymentStatus(ctx context.Context, update domain.PaymentStatusUpdate) (*domain.PaymentTransition, error)

	// ListRecoveryAttempts returns the attempts for a payment intent ordered by attempt number
	ListRecoveryAttempts(ctx context.Context, paymentIntentID string) ([]domain.RecoveryAttempt, error)
}

// SubscriptionRepository defines subscription operations
type SubscriptionRepository interface {
	// UpdateSubscriptionStatus mirrors the processor status; canceled stamps cancelled_at.
	// Updating a subscription that does not exist is a no-op.
	UpdateSubscriptionStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error
}

// DisputeRepository stores refunds and disputes mirrored from the processor
type DisputeRepository interface {
	UpsertRefund(ctx context.Context, refund domain.Refund) error
	UpsertDispute(ctx context.Context, dispute domain.Dispute) error
}

// TicketRepository stores support tickets
type TicketRepository interface {
	// CreateSupportTicket inserts the ticket unless one with the same id exists
	CreateSupportTicket(ctx context.Context, ticket domain.SupportTicket) (created bool, err error)
}

// DatabaseClient is the full store used by the dispatcher and handlers
type DatabaseClient interface {
	EventRepository
	PaymentRepository
	SubscriptionRepository
	DisputeRepository
	TicketRepository

	// Ping checks store connectivity
	Ping(ctx context.Context) error
	Close() error
}
