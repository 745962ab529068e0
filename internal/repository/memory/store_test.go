package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jia-app/paymentgateway/internal/domain"
	"github.com/jia-app/paymentgateway/internal/repository"
)

var fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func newTestStore() *Store {
	return NewStore(WithClock(func() time.Time { return fixedNow }))
}

func TestStore_EventLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, err := s.GetEvent(ctx, "evt_1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	inserted, err := s.InsertEvent(ctx, &domain.EventRecord{ID: "evt_1", Type: domain.EventPaymentIntentSucceeded, Attempts: 9})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertEvent(ctx, &domain.EventRecord{ID: "evt_1"})
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of the same id is ignored")

	ev, err := s.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Attempts)
	assert.Equal(t, fixedNow, ev.CreatedAt)
	assert.Nil(t, ev.NextRetryAt)

	attempts, next, err := s.IncrementEventAttempts(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, fixedNow.AddDate(0, 0, 1), next)

	attempts, next, err = s.IncrementEventAttempts(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, fixedNow.AddDate(0, 0, 3), next)

	require.NoError(t, s.RecordEventError(ctx, "evt_1", "boom", json.RawMessage(`{"attempt":2}`)))
	ev, _ = s.GetEvent(ctx, "evt_1")
	assert.Equal(t, "boom", ev.ErrorMessage)
	assert.JSONEq(t, `{"attempt":2}`, string(ev.ErrorContext))

	require.NoError(t, s.MarkEventProcessed(ctx, "evt_1"))
	ev, _ = s.GetEvent(ctx, "evt_1")
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.ProcessedAt)
	assert.Empty(t, ev.ErrorMessage)
	assert.Nil(t, ev.ErrorContext)

	_, _, err = s.IncrementEventAttempts(ctx, "evt_missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_FailedPaymentsNumberAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.PutPayment(domain.Payment{PaymentIntentID: "pi_1", Status: domain.PaymentStatusPending, Amount: 4900, Currency: "usd", SubscriptionID: "sub_1"})

	tr, err := s.UpdatePaymentStatus(ctx, domain.PaymentStatusUpdate{PaymentIntentID: "pi_1", Status: domain.PaymentStatusFailed, SourceEventID: "evt_a"})
	require.NoError(t, err)
	require.NotNil(t, tr.Attempt)
	assert.Equal(t, 1, tr.Attempt.AttemptNumber)
	assert.Equal(t, domain.RecoveryStatusPending, tr.Attempt.Status)
	assert.Equal(t, fixedNow.AddDate(0, 0, 1), tr.Attempt.NextAttemptAt)
	assert.Equal(t, int64(4900), tr.Attempt.Amount)
	assert.Equal(t, "sub_1", tr.Attempt.SubscriptionID)
	assert.Equal(t, domain.DefaultRecoveryStrategy, tr.Attempt.RecoveryStrategy)

	tr, err = s.UpdatePaymentStatus(ctx, domain.PaymentStatusUpdate{PaymentIntentID: "pi_1", Status: domain.PaymentStatusFailed, SourceEventID: "evt_b"})
	require.NoError(t, err)
	require.NotNil(t, tr.Attempt)
	assert.Equal(t, 2, tr.Attempt.AttemptNumber)
	assert.Equal(t, fixedNow.AddDate(0, 0, 3), tr.Attempt.NextAttemptAt)

	p, ok := s.Payment("pi_1")
	require.True(t, ok)
	assert.Equal(t, domain.PaymentStatusFailed, p.Status)
}

func TestStore_FailedPaymentDedupesBySourceEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.PutPayment(domain.Payment{PaymentIntentID: "pi_1"})

	update := domain.PaymentStatusUpdate{PaymentIntentID: "pi_1", Status: domain.PaymentStatusFailed, SourceEventID: "evt_a"}
	first, err := s.UpdatePaymentStatus(ctx, update)
	require.NoError(t, err)
	second, err := s.UpdatePaymentStatus(ctx, update)
	require.NoError(t, err)

	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)
	attempts, err := s.ListRecoveryAttempts(ctx, "pi_1")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestStore_RecoveryExhaustion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.PutPayment(domain.Payment{PaymentIntentID: "pi_1"})

	for i, evt := range []string{"evt_1", "evt_2", "evt_3"} {
		tr, err := s.UpdatePaymentStatus(ctx, domain.PaymentStatusUpdate{PaymentIntentID: "pi_1", Status: domain.PaymentStatusFailed, SourceEventID: evt})
		require.NoError(t, err)
		require.NotNil(t, tr.Attempt)
		assert.Equal(t, i+1, tr.Attempt.AttemptNumber)
		assert.False(t, tr.RecoveryExhausted)
	}

	tr, err := s.UpdatePaymentStatus(ctx, domain.PaymentStatusUpdate{PaymentIntentID: "pi_1", Status: domain.PaymentStatusFailed, SourceEventID: "evt_4"})
	require.NoError(t, err)
	assert.Nil(t, tr.Attempt)
	assert.True(t, tr.RecoveryExhausted)

	attempts, _ := s.ListRecoveryAttempts(ctx, "pi_1")
	assert.Len(t, attempts, 3)
}

func TestStore_SuccessSettlesAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.PutPayment(domain.Payment{PaymentIntentID: "pi_1"})

	for _, evt := range []string{"evt_1", "evt_2"} {
		_, err := s.UpdatePaymentStatus(ctx, domain.PaymentStatusUpdate{PaymentIntentID: "pi_1", Status: domain.PaymentStatusFailed, SourceEventID: evt})
		require.NoError(t, err)
	}

	tr, err := s.UpdatePaymentStatus(ctx, domain.PaymentStatusUpdate{PaymentIntentID: "pi_1", Status: domain.PaymentStatusSucceeded, SourceEventID: "evt_3"})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.SettledAttempts)

	attempts, err := s.ListRecoveryAttempts(ctx, "pi_1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, domain.RecoveryStatusSuccess, a.Status)
	}
}

func TestStore_UpdateMissingPaymentIsNoop(t *testing.T) {
	s := newTestStore()

	tr, err := s.UpdatePaymentStatus(context.Background(), domain.PaymentStatusUpdate{PaymentIntentID: "pi_unknown", Status: domain.PaymentStatusFailed})
	require.NoError(t, err)
	assert.Nil(t, tr.Attempt)
	_, ok := s.Payment("pi_unknown")
	assert.False(t, ok)
}

func TestStore_SubscriptionCancellation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.PutSubscription(domain.Subscription{ID: "sub_1", Status: domain.SubscriptionStatusActive})

	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "sub_1", domain.SubscriptionStatusPastDue))
	sub, _ := s.Subscription("sub_1")
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
	assert.Nil(t, sub.CancelledAt)

	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "sub_1", domain.SubscriptionStatusCanceled))
	sub, _ = s.Subscription("sub_1")
	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, fixedNow, *sub.CancelledAt)

	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "sub_missing", domain.SubscriptionStatusCanceled))
}

func TestStore_SubscriptionRecancelRestamps(t *testing.T) {
	ctx := context.Background()
	now := fixedNow
	s := NewStore(WithClock(func() time.Time { return now }))
	s.PutSubscription(domain.Subscription{ID: "sub_1", Status: domain.SubscriptionStatusActive})

	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "sub_1", domain.SubscriptionStatusCanceled))

	// a redelivered deletion keeps the original stamp
	now = fixedNow.Add(time.Hour)
	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "sub_1", domain.SubscriptionStatusCanceled))
	sub, _ := s.Subscription("sub_1")
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, fixedNow, *sub.CancelledAt)

	now = fixedNow.Add(2 * time.Hour)
	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "sub_1", domain.SubscriptionStatusActive))

	now = fixedNow.Add(3 * time.Hour)
	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "sub_1", domain.SubscriptionStatusCanceled))
	sub, _ = s.Subscription("sub_1")
	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, fixedNow.Add(3*time.Hour), *sub.CancelledAt)
}

func TestStore_SupportTicketsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	ticket := domain.SupportTicket{
		ID:        domain.TicketID(domain.IssueWebhookProcessingFailed, "evt_1"),
		IssueType: domain.IssueWebhookProcessingFailed,
		Priority:  domain.TicketPriorityHigh,
	}

	created, err := s.CreateSupportTicket(ctx, ticket)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateSupportTicket(ctx, ticket)
	require.NoError(t, err)
	assert.False(t, created)

	tickets := s.Tickets()
	require.Len(t, tickets, 1)
	assert.Equal(t, fixedNow, tickets[0].CreatedAt)
}

func TestStore_UpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	now := fixedNow
	s := NewStore(WithClock(func() time.Time { return now }))

	require.NoError(t, s.UpsertDispute(ctx, domain.Dispute{ID: "dp_1", Status: "needs_response"}))
	now = now.Add(time.Hour)
	require.NoError(t, s.UpsertDispute(ctx, domain.Dispute{ID: "dp_1", Status: "won"}))

	d, ok := s.Dispute("dp_1")
	require.True(t, ok)
	assert.Equal(t, "won", d.Status)
	assert.Equal(t, fixedNow, d.CreatedAt)
	assert.Equal(t, fixedNow.Add(time.Hour), d.UpdatedAt)

	require.NoError(t, s.UpsertRefund(ctx, domain.Refund{ID: "re_1", Amount: 100}))
	r, ok := s.Refund("re_1")
	require.True(t, ok)
	assert.Equal(t, int64(100), r.Amount)
}

func TestStore_FailOn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.FailOn("insert_event", errors.New("connection refused"))

	_, err := s.InsertEvent(ctx, &domain.EventRecord{ID: "evt_1"})
	require.Error(t, err)
	assert.True(t, domain.IsDatabaseError(err))

	s.FailOn("insert_event", nil)
	_, err = s.InsertEvent(ctx, &domain.EventRecord{ID: "evt_1"})
	assert.NoError(t, err)
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestStore().Ping(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
