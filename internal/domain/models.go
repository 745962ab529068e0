package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the processor-assigned kind of a webhook event
type EventType string

const (
	EventPaymentIntentSucceeded      EventType = "payment_intent.succeeded"
	EventPaymentIntentFailed         EventType = "payment_intent.payment_failed"
	EventPaymentIntentProcessing     EventType = "payment_intent.processing"
	EventPaymentIntentRequiresAction EventType = "payment_intent.requires_action"
	EventInvoicePaid                 EventType = "invoice.paid"
	EventInvoicePaymentSucceeded     EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed        EventType = "invoice.payment_failed"
	EventInvoiceUncollectible        EventType = "invoice.marked_uncollectible"
	EventSubscriptionCreated         EventType = "customer.subscription.created"
	EventSubscriptionUpdated         EventType = "customer.subscription.updated"
	EventSubscriptionDeleted         EventType = "customer.subscription.deleted"
	EventSubscriptionTrialWillEnd    EventType = "customer.subscription.trial_will_end"
	EventChargeRefunded              EventType = "charge.refunded"
	EventDisputeCreated              EventType = "charge.dispute.created"
	EventDisputeUpdated              EventType = "charge.dispute.updated"
	EventDisputeClosed               EventType = "charge.dispute.closed"
	EventPaymentMethodAttached       EventType = "payment_method.attached"
	EventPaymentMethodDetached       EventType = "payment_method.detached"
)

// KnownEventTypes lists every event type the gateway has a policy for
var KnownEventTypes = []EventType{
	EventPaymentIntentSucceeded,
	EventPaymentIntentFailed,
	EventPaymentIntentProcessing,
	EventPaymentIntentRequiresAction,
	EventInvoicePaid,
	EventInvoicePaymentSucceeded,
	EventInvoicePaymentFailed,
	EventInvoiceUncollectible,
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionDeleted,
	EventSubscriptionTrialWillEnd,
	EventChargeRefunded,
	EventDisputeCreated,
	EventDisputeUpdated,
	EventDisputeClosed,
	EventPaymentMethodAttached,
	EventPaymentMethodDetached,
}

// IsKnown reports whether the gateway has a policy for the event type
func (t EventType) IsKnown() bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PaymentStatus represents the status of a payment record
type PaymentStatus string

const (
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPending    PaymentStatus = "pending"
)

// SubscriptionStatus mirrors the processor's subscription status
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
)

// RecoveryStatus represents the state of one scheduled payment retry
type RecoveryStatus string

const (
	RecoveryStatusPending RecoveryStatus = "pending"
	RecoveryStatusSuccess RecoveryStatus = "success"
	RecoveryStatusFailed  RecoveryStatus = "failed"
)

// DefaultRecoveryStrategy is recorded on attempts created from a failed payment
const DefaultRecoveryStrategy = "automatic_retry"

// TicketStatus is the state of a support ticket
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

// TicketPriority is the urgency of a support ticket
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityMedium TicketPriority = "medium"
	TicketPriorityHigh   TicketPriority = "high"
	TicketPriorityUrgent TicketPriority = "urgent"
)

// Support ticket issue types
const (
	IssueWebhookProcessingFailed  = "webhook_processing_failed"
	IssuePaymentRecoveryExhausted = "payment_recovery_exhausted"
	IssueInvoiceUncollectible     = "invoice_uncollectible"
	IssueDisputeOpened            = "dispute_opened"
)

// EventRecord is the audit row kept for every received webhook event
type EventRecord struct {
	ID              string          `json:"id"`
	Type            EventType       `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Created         int64           `json:"created"`
	Livemode        bool            `json:"livemode"`
	PendingWebhooks int64           `json:"pending_webhooks"`
	RequestID       string          `json:"request_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	Attempts        int             `json:"attempts"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorContext    json.RawMessage `json:"error_context,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Payment is the payment record keyed by payment intent id
type Payment struct {
	PaymentIntentID string        `json:"payment_intent_id"`
	Status          PaymentStatus `json:"status"`
	SubscriptionID  string        `json:"subscription_id,omitempty"`
	Amount          int64         `json:"amount"`
	Currency        string        `json:"currency"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Subscription is the subscription record keyed by subscription id
type Subscription struct {
	ID          string             `json:"id"`
	Status      SubscriptionStatus `json:"status"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// RecoveryAttempt is one scheduled retry of a failed payment
type RecoveryAttempt struct {
	ID               uuid.UUID      `json:"id"`
	PaymentIntentID  string         `json:"payment_intent_id"`
	SubscriptionID   string         `json:"subscription_id,omitempty"`
	AttemptNumber    int            `json:"attempt_number"`
	Status           RecoveryStatus `json:"status"`
	Amount           int64          `json:"amount"`
	NextAttemptAt    time.Time      `json:"next_attempt_at"`
	RecoveryStrategy string         `json:"recovery_strategy"`
	SourceEventID    string         `json:"source_event_id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Refund mirrors a processor refund object
type Refund struct {
	ID              string    `json:"id"`
	ChargeID        string    `json:"charge_id"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Dispute mirrors a processor dispute object; status follows the processor
type Dispute struct {
	ID              string          `json:"id"`
	ChargeID        string          `json:"charge_id"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
	DueBy           *time.Time      `json:"due_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SupportTicket is the human-facing escalation record
type SupportTicket struct {
	ID              uuid.UUID      `json:"id"`
	IssueType       string         `json:"issue_type"`
	Status          TicketStatus   `json:"status"`
	Priority        TicketPriority `json:"priority"`
	Subject         string         `json:"subject"`
	Description     string         `json:"description"`
	PaymentIntentID string         `json:"payment_intent_id,omitempty"`
	SubscriptionID  string         `json:"subscription_id,omitempty"`
	EventID         string         `json:"event_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ticketNamespace seeds deterministic ticket ids
var ticketNamespace = uuid.MustParse("6c1f3b9e-2f44-4d8e-9a57-2b8a3f1d0c71")

// TicketID derives a stable ticket id from the issue and the entity that triggered it,
// so a racing redelivery resolves to the same ticket instead of a duplicate.
func TicketID(issueType, triggerID string) uuid.UUID {
	return uuid.NewSHA1(ticketNamespace, []byte(issueType+":"+triggerID))
}

// PaymentStatusUpdate carries a payment transition into the store
type PaymentStatusUpdate struct {
	PaymentIntentID string
	Status          PaymentStatus
	SubscriptionID  string
	Amount          int64
	Currency        string
	SourceEventID   string
}

// PaymentTransition reports the recovery bookkeeping side effects of a payment update
type PaymentTransition struct {
	// Attempt is the recovery attempt created for a failure, if any
	Attempt *RecoveryAttempt
	// SettledAttempts counts open attempts marked success on a succeeded payment
	SettledAttempts int
	// RecoveryExhausted is set when a failure would exceed the retry cap
	RecoveryExhausted bool
}
