package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jia-app/paymentgateway/internal/domain"
	"github.com/jia-app/paymentgateway/internal/repository"
)

// Store is an in-memory implementation of repository.DatabaseClient
type Store struct {
	mu sync.RWMutex

	events        map[string]*domain.EventRecord
	payments      map[string]*domain.Payment
	subscriptions map[string]*domain.Subscription
	attempts      map[string][]*domain.RecoveryAttempt
	refunds       map[string]domain.Refund
	disputes      map[string]domain.Dispute
	tickets       map[uuid.UUID]domain.SupportTicket
	ticketOrder   []uuid.UUID

	failures map[string]error
	schedule domain.RetrySchedule
	now      func() time.Time
}

var _ repository.DatabaseClient = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the store clock
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSchedule overrides the retry schedule
func WithSchedule(schedule domain.RetrySchedule) Option {
	return func(s *Store) { s.schedule = schedule }
}

// NewStore creates an empty in-memory store
func NewStore(opts ...Option) *Store {
	s := &Store{
		events:        make(map[string]*domain.EventRecord),
		payments:      make(map[string]*domain.Payment),
		subscriptions: make(map[string]*domain.Subscription),
		attempts:      make(map[string][]*domain.RecoveryAttempt),
		refunds:       make(map[string]domain.Refund),
		disputes:      make(map[string]domain.Dispute),
		tickets:       make(map[uuid.UUID]domain.SupportTicket),
		failures:      make(map[string]error),
		schedule:      domain.DefaultRetrySchedule(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailOn makes every call of the named operation return err until cleared with a nil err
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// check returns the context error or an injected failure for op. Caller holds mu.
func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return domain.NewDatabaseError(op, "", err)
	}
	if err, ok := s.failures[op]; ok {
		return domain.NewDatabaseError(op, "", err)
	}
	return nil
}

// PutPayment seeds or replaces a payment record
func (s *Store) PutPayment(p domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.payments[p.PaymentIntentID] = &p
}

// PutSubscription seeds or replaces a subscription record
func (s *Store) PutSubscription(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = s.now()
	}
	s.subscriptions[sub.ID] = &sub
}

// Payment returns a copy of the payment record
func (s *Store) Payment(id string) (domain.Payment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return domain.Payment{}, false
	}
	return *p, true
}

// Subscription returns a copy of the subscription record
func (s *Store) Subscription(id string) (domain.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return domain.Subscription{}, false
	}
	return *sub, true
}

// Refund returns the stored refund
func (s *Store) Refund(id string) (domain.Refund, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[id]
	return r, ok
}

// Dispute returns the stored dispute
func (s *Store) Dispute(id string) (domain.Dispute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	return d, ok
}

// Tickets returns every ticket in creation order
func (s *Store) Tickets() []domain.SupportTicket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SupportTicket, 0, len(s.ticketOrder))
	for _, id := range s.ticketOrder {
		out = append(out, s.tickets[id])
	}
	return out
}

// GetEvent returns the event record or repository.ErrNotFound
func (s *Store) GetEvent(ctx context.Context, id string) (*domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "get_event"); err != nil {
		return nil, err
	}
	e, ok := s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// InsertEvent stores a new unprocessed event with no recorded retries
func (s *Store) InsertEvent(ctx context.Context, event *domain.EventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "insert_event"); err != nil {
		return false, err
	}
	if _, exists := s.events[event.ID]; exists {
		return false, nil
	}

	now := s.now()
	cp := *event
	cp.Attempts = 0
	cp.Processed = false
	cp.ProcessedAt = nil
	cp.NextRetryAt = nil
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.events[event.ID] = &cp
	return true, nil
}

// IncrementEventAttempts bumps the attempt counter under the store lock
func (s *Store) IncrementEventAttempts(ctx context.Context, id string) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "increment_event_attempts"); err != nil {
		return 0, time.Time{}, err
	}
	e, ok := s.events[id]
	if !ok {
		return 0, time.Time{}, repository.ErrNotFound
	}

	now := s.now()
	e.Attempts++
	next := s.schedule.NextAttemptAt(now, e.Attempts)
	e.NextRetryAt = &next
	e.UpdatedAt = now
	return e.Attempts, next, nil
}

// MarkEventProcessed marks the event processed and clears any recorded error
func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "mark_event_processed"); err != nil {
		return err
	}
	e, ok := s.events[id]
	if !ok {
		return repository.ErrNotFound
	}

	now := s.now()
	e.Processed = true
	e.ProcessedAt = &now
	e.NextRetryAt = nil
	e.ErrorMessage = ""
	e.ErrorContext = nil
	e.UpdatedAt = now
	return nil
}

// RecordEventError persists the failure of the last attempt
func (s *Store) RecordEventError(ctx context.Context, id, message string, errContext json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "record_event_error"); err != nil {
		return err
	}
	e, ok := s.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.ErrorMessage = message
	e.ErrorContext = append(json.RawMessage(nil), errContext...)
	e.UpdatedAt = s.now()
	return nil
}

// UpdatePaymentStatus applies a payment transition and its recovery bookkeeping
func (s *Store) UpdatePaymentStatus(ctx context.Context, update domain.PaymentStatusUpdate) (*domain.PaymentTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "update_payment_status"); err != nil {
		return nil, err
	}

	transition := &domain.PaymentTransition{}
	p, ok := s.payments[update.PaymentIntentID]
	if !ok {
		return transition, nil
	}

	now := s.now()
	p.Status = update.Status
	if update.SubscriptionID != "" {
		p.SubscriptionID = update.SubscriptionID
	}
	if update.Amount > 0 {
		p.Amount = update.Amount
	}
	if update.Currency != "" {
		p.Currency = update.Currency
	}
	p.UpdatedAt = now

	switch update.Status {
	case domain.PaymentStatusFailed:
		existing := s.attempts[update.PaymentIntentID]
		for _, a := range existing {
			if update.SourceEventID != "" && a.SourceEventID == update.SourceEventID {
				cp := *a
				transition.Attempt = &cp
				return transition, nil
			}
		}

		next := 1
		for _, a := range existing {
			if a.AttemptNumber >= next {
				next = a.AttemptNumber + 1
			}
		}
		if s.schedule.Exhausted(next) {
			transition.RecoveryExhausted = true
			return transition, nil
		}

		attempt := &domain.RecoveryAttempt{
			ID:               uuid.New(),
			PaymentIntentID:  update.PaymentIntentID,
			SubscriptionID:   p.SubscriptionID,
			AttemptNumber:    next,
			Status:           domain.RecoveryStatusPending,
			Amount:           p.Amount,
			NextAttemptAt:    s.schedule.NextAttemptAt(now, next),
			RecoveryStrategy: domain.DefaultRecoveryStrategy,
			SourceEventID:    update.SourceEventID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.attempts[update.PaymentIntentID] = append(existing, attempt)
		cp := *attempt
		transition.Attempt = &cp

	case domain.PaymentStatusSucceeded:
		for _, a := range s.attempts[update.PaymentIntentID] {
			if a.Status == domain.RecoveryStatusPending {
				a.Status = domain.RecoveryStatusSuccess
				a.UpdatedAt = now
				transition.SettledAttempts++
			}
		}
	}

	return transition, nil
}

// ListRecoveryAttempts returns the attempts for a payment intent ordered by attempt number
func (s *Store) ListRecoveryAttempts(ctx context.Context, paymentIntentID string) ([]domain.RecoveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "list_recovery_attempts"); err != nil {
		return nil, err
	}
	out := make([]domain.RecoveryAttempt, 0, len(s.attempts[paymentIntentID]))
	for _, a := range s.attempts[paymentIntentID] {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

// UpdateSubscriptionStatus mirrors the processor status onto an existing subscription
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "update_subscription_status"); err != nil {
		return err
	}
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil
	}

	now := s.now()
	// entering canceled restamps; staying canceled keeps the first stamp
	if status == domain.SubscriptionStatusCanceled &&
		(sub.Status != domain.SubscriptionStatusCanceled || sub.CancelledAt == nil) {
		sub.CancelledAt = &now
	}
	sub.Status = status
	sub.UpdatedAt = now
	return nil
}

// UpsertRefund inserts or replaces a refund
func (s *Store) UpsertRefund(ctx context.Context, refund domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "upsert_refund"); err != nil {
		return err
	}
	now := s.now()
	if existing, ok := s.refunds[refund.ID]; ok {
		refund.CreatedAt = existing.CreatedAt
	} else {
		refund.CreatedAt = now
	}
	refund.UpdatedAt = now
	s.refunds[refund.ID] = refund
	return nil
}

// UpsertDispute inserts or replaces a dispute
func (s *Store) UpsertDispute(ctx context.Context, dispute domain.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "upsert_dispute"); err != nil {
		return err
	}
	now := s.now()
	if existing, ok := s.disputes[dispute.ID]; ok {
		dispute.CreatedAt = existing.CreatedAt
	} else {
		dispute.CreatedAt = now
	}
	dispute.UpdatedAt = now
	s.disputes[dispute.ID] = dispute
	return nil
}

// CreateSupportTicket inserts the ticket unless one with the same id exists
func (s *Store) CreateSupportTicket(ctx context.Context, ticket domain.SupportTicket) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "create_support_ticket"); err != nil {
		return false, err
	}
	if _, exists := s.tickets[ticket.ID]; exists {
		return false, nil
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = s.now()
	}
	s.tickets[ticket.ID] = ticket
	s.ticketOrder = append(s.ticketOrder, ticket.ID)
	return true, nil
}

// Ping checks store connectivity
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx, "ping")
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
