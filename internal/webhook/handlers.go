package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/billing"
	"github.com/jia-app/paymentgateway/internal/domain"
	"github.com/jia-app/paymentgateway/internal/events"
	"github.com/jia-app/paymentgateway/internal/log"
	"github.com/jia-app/paymentgateway/internal/metrics"
	"github.com/jia-app/paymentgateway/internal/repository"
)

// HandlerFunc applies the policy for one event type
type HandlerFunc func(ctx context.Context, event *Event) error

// Handlers holds the per-type policies and the dependencies they write through
type Handlers struct {
	store     repository.DatabaseClient
	resolver  billing.PaymentIntentResolver
	publisher events.Publisher
	now       func() time.Time
}

// HandlersOption configures Handlers
type HandlersOption func(*Handlers)

// WithClock sets the clock used for ticket timestamps
func WithClock(now func() time.Time) HandlersOption {
	return func(h *Handlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandlers creates the policy set. A nil publisher discards downstream events.
func NewHandlers(store repository.DatabaseClient, resolver billing.PaymentIntentResolver, publisher events.Publisher, opts ...HandlersOption) *Handlers {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	h := &Handlers{
		store:     store,
		resolver:  resolver,
		publisher: publisher,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry maps every known event type to its policy
func (h *Handlers) Registry() map[domain.EventType]HandlerFunc {
	return map[domain.EventType]HandlerFunc{
		domain.EventPaymentIntentSucceeded:      h.paymentIntentSucceeded,
		domain.EventPaymentIntentFailed:         h.paymentIntentFailed,
		domain.EventPaymentIntentProcessing:     h.paymentIntentStatus(domain.PaymentStatusProcessing),
		domain.EventPaymentIntentRequiresAction: h.paymentIntentStatus(domain.PaymentStatusPending),
		domain.EventInvoicePaid:                 h.invoiceSucceeded,
		domain.EventInvoicePaymentSucceeded:     h.invoiceSucceeded,
		domain.EventInvoicePaymentFailed:        h.invoiceFailed,
		domain.EventInvoiceUncollectible:        h.invoiceUncollectible,
		domain.EventSubscriptionCreated:         h.subscriptionChanged,
		domain.EventSubscriptionUpdated:         h.subscriptionChanged,
		domain.EventSubscriptionDeleted:         h.subscriptionDeleted,
		domain.EventSubscriptionTrialWillEnd:    h.subscriptionTrialWillEnd,
		domain.EventChargeRefunded:              h.chargeRefunded,
		domain.EventDisputeCreated:              h.disputeChanged,
		domain.EventDisputeUpdated:              h.disputeChanged,
		domain.EventDisputeClosed:               h.disputeChanged,
		domain.EventPaymentMethodAttached:       h.paymentMethodChanged,
		domain.EventPaymentMethodDetached:       h.paymentMethodChanged,
	}
}

func paymentIntentOf(event *Event) (*stripe.PaymentIntent, error) {
	p, ok := event.Payload.(PaymentIntentPayload)
	if !ok || p.PaymentIntent == nil || p.PaymentIntent.ID == "" {
		return nil, domain.Fatal(fmt.Errorf("%s: expected a payment intent object", event.Type))
	}
	return p.PaymentIntent, nil
}

func invoiceOf(event *Event) (*stripe.Invoice, error) {
	p, ok := event.Payload.(InvoicePayload)
	if !ok || p.Invoice == nil || p.Invoice.ID == "" {
		return nil, domain.Fatal(fmt.Errorf("%s: expected an invoice object", event.Type))
	}
	return p.Invoice, nil
}

func subscriptionOf(event *Event) (*stripe.Subscription, error) {
	p, ok := event.Payload.(SubscriptionPayload)
	if !ok || p.Subscription == nil || p.Subscription.ID == "" {
		return nil, domain.Fatal(fmt.Errorf("%s: expected a subscription object", event.Type))
	}
	return p.Subscription, nil
}

// paymentIntentSucceeded only updates payments that belong to an invoice;
// one-off intents are owned by the checkout flow.
func (h *Handlers) paymentIntentSucceeded(ctx context.Context, event *Event) error {
	pi, err := paymentIntentOf(event)
	if err != nil {
		return err
	}
	if pi.Invoice == nil || pi.Invoice.ID == "" {
		log.Info(ctx, "Payment intent has no invoice, skipping",
			zap.String("payment_intent_id", pi.ID))
		return nil
	}
	return h.applyPayment(ctx, event, pi, domain.PaymentStatusSucceeded, subscriptionFromIntent(pi))
}

func (h *Handlers) paymentIntentFailed(ctx context.Context, event *Event) error {
	pi, err := paymentIntentOf(event)
	if err != nil {
		return err
	}
	return h.applyPayment(ctx, event, pi, domain.PaymentStatusFailed, subscriptionFromIntent(pi))
}

func (h *Handlers) paymentIntentStatus(status domain.PaymentStatus) HandlerFunc {
	return func(ctx context.Context, event *Event) error {
		pi, err := paymentIntentOf(event)
		if err != nil {
			return err
		}
		return h.applyPayment(ctx, event, pi, status, subscriptionFromIntent(pi))
	}
}

func (h *Handlers) invoiceSucceeded(ctx context.Context, event *Event) error {
	return h.invoicePayment(ctx, event, domain.PaymentStatusSucceeded)
}

func (h *Handlers) invoiceFailed(ctx context.Context, event *Event) error {
	return h.invoicePayment(ctx, event, domain.PaymentStatusFailed)
}

// invoicePayment resolves the invoice's payment intent and applies the payment policy to it
func (h *Handlers) invoicePayment(ctx context.Context, event *Event, status domain.PaymentStatus) error {
	inv, err := invoiceOf(event)
	if err != nil {
		return err
	}
	if inv.PaymentIntent == nil || inv.PaymentIntent.ID == "" {
		log.Info(ctx, "Invoice has no payment intent, skipping",
			zap.String("invoice_id", inv.ID))
		return nil
	}

	pi := inv.PaymentIntent
	if pi.Status == "" {
		// Only the id was sent; fetch the full object
		if h.resolver == nil {
			return domain.Fatal(fmt.Errorf("invoice %s references unexpanded payment intent %s and no resolver is configured", inv.ID, pi.ID))
		}
		pi, err = h.resolver.ResolvePaymentIntent(ctx, pi.ID)
		if err != nil {
			return domain.Retryable(fmt.Errorf("failed to resolve payment intent for invoice %s: %w", inv.ID, err))
		}
	}
	if pi.Invoice == nil || pi.Invoice.ID == "" {
		pi.Invoice = &stripe.Invoice{ID: inv.ID}
	}

	subscriptionID := ""
	if inv.Subscription != nil {
		subscriptionID = inv.Subscription.ID
	}
	if subscriptionID == "" {
		subscriptionID = subscriptionFromIntent(pi)
	}

	return h.applyPayment(ctx, event, pi, status, subscriptionID)
}

func (h *Handlers) applyPayment(ctx context.Context, event *Event, pi *stripe.PaymentIntent, status domain.PaymentStatus, subscriptionID string) error {
	transition, err := h.store.UpdatePaymentStatus(ctx, domain.PaymentStatusUpdate{
		PaymentIntentID: pi.ID,
		Status:          status,
		SubscriptionID:  subscriptionID,
		Amount:          pi.Amount,
		Currency:        string(pi.Currency),
		SourceEventID:   event.ID,
	})
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("payment_intent_id", pi.ID),
		zap.String("status", string(status)),
	}
	if subscriptionID != "" {
		fields = append(fields, zap.String("subscription_id", subscriptionID))
	}

	if transition != nil {
		if a := transition.Attempt; a != nil {
			metrics.RecoveryAttemptsCreated.Inc()
			fields = append(fields,
				zap.Int("attempt_number", a.AttemptNumber),
				zap.Time("next_attempt_at", a.NextAttemptAt))
		}
		if transition.SettledAttempts > 0 {
			metrics.RecoveryAttemptsSettled.Add(float64(transition.SettledAttempts))
			fields = append(fields, zap.Int("settled_attempts", transition.SettledAttempts))
		}
	}
	log.Info(ctx, "Payment status updated", fields...)

	if transition != nil && transition.RecoveryExhausted {
		log.Warn(ctx, "Payment recovery exhausted", zap.String("payment_intent_id", pi.ID))
		err := h.openTicket(ctx, domain.SupportTicket{
			ID:              domain.TicketID(domain.IssuePaymentRecoveryExhausted, pi.ID),
			IssueType:       domain.IssuePaymentRecoveryExhausted,
			Priority:        domain.TicketPriorityHigh,
			Subject:         fmt.Sprintf("Payment recovery exhausted for %s", pi.ID),
			Description:     fmt.Sprintf("Payment %s failed again after all scheduled retries. Last event: %s.", pi.ID, event.ID),
			PaymentIntentID: pi.ID,
			SubscriptionID:  subscriptionID,
			EventID:         event.ID,
		})
		if err != nil {
			return err
		}
	}

	data := map[string]interface{}{
		"status":          string(status),
		"subscription_id": subscriptionID,
		"amount":          pi.Amount,
		"currency":        string(pi.Currency),
	}
	if pi.LastPaymentError != nil && status == domain.PaymentStatusFailed {
		data["failure_message"] = pi.LastPaymentError.Msg
	}
	h.notify(ctx, event, events.NewEvent(events.TypePaymentStatusChanged, "payment", pi.ID, data))
	return nil
}

func (h *Handlers) invoiceUncollectible(ctx context.Context, event *Event) error {
	inv, err := invoiceOf(event)
	if err != nil {
		return err
	}

	var subscriptionID, paymentIntentID string
	if inv.Subscription != nil {
		subscriptionID = inv.Subscription.ID
	}
	if inv.PaymentIntent != nil {
		paymentIntentID = inv.PaymentIntent.ID
	}

	if subscriptionID != "" {
		if err := h.store.UpdateSubscriptionStatus(ctx, subscriptionID, domain.SubscriptionStatusUnpaid); err != nil {
			return err
		}
		log.Info(ctx, "Subscription marked unpaid",
			zap.String("subscription_id", subscriptionID),
			zap.String("invoice_id", inv.ID))
	}

	return h.openTicket(ctx, domain.SupportTicket{
		ID:              domain.TicketID(domain.IssueInvoiceUncollectible, inv.ID),
		IssueType:       domain.IssueInvoiceUncollectible,
		Priority:        domain.TicketPriorityHigh,
		Subject:         fmt.Sprintf("Invoice %s marked uncollectible", inv.ID),
		Description:     fmt.Sprintf("Invoice %s for %d %s was marked uncollectible.", inv.ID, inv.AmountDue, inv.Currency),
		PaymentIntentID: paymentIntentID,
		SubscriptionID:  subscriptionID,
		EventID:         event.ID,
	})
}

func (h *Handlers) subscriptionChanged(ctx context.Context, event *Event) error {
	sub, err := subscriptionOf(event)
	if err != nil {
		return err
	}
	if sub.Status == "" {
		return domain.Fatal(fmt.Errorf("subscription %s has no status", sub.ID))
	}
	return h.setSubscriptionStatus(ctx, sub.ID, domain.SubscriptionStatus(sub.Status))
}

// subscriptionDeleted forces canceled whatever status the object carries
func (h *Handlers) subscriptionDeleted(ctx context.Context, event *Event) error {
	sub, err := subscriptionOf(event)
	if err != nil {
		return err
	}
	return h.setSubscriptionStatus(ctx, sub.ID, domain.SubscriptionStatusCanceled)
}

func (h *Handlers) setSubscriptionStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	if err := h.store.UpdateSubscriptionStatus(ctx, id, status); err != nil {
		return err
	}
	log.Info(ctx, "Subscription status updated",
		zap.String("subscription_id", id),
		zap.String("status", string(status)))
	return nil
}

// subscriptionTrialWillEnd has no local state to change; the notification is
// its only effect, so a publish failure fails the event.
func (h *Handlers) subscriptionTrialWillEnd(ctx context.Context, event *Event) error {
	sub, err := subscriptionOf(event)
	if err != nil {
		return err
	}

	data := map[string]interface{}{"trial_end": sub.TrialEnd}
	if sub.Customer != nil {
		data["customer_id"] = sub.Customer.ID
	}
	out := events.NewEvent(events.TypeSubscriptionTrialEnds, "subscription", sub.ID, data)
	out.SourceEvent = event.ID
	if err := h.publisher.Publish(ctx, out); err != nil {
		metrics.PublishFailures.WithLabelValues(out.Type).Inc()
		return domain.Retryable(fmt.Errorf("failed to publish trial ending for %s: %w", sub.ID, err))
	}
	log.Info(ctx, "Trial ending notification published",
		zap.String("subscription_id", sub.ID),
		zap.Int64("trial_end", sub.TrialEnd))
	return nil
}

// chargeRefunded mirrors each refund on the charge. When the list is not
// included, one refund keyed by the charge is built from amount_refunded.
func (h *Handlers) chargeRefunded(ctx context.Context, event *Event) error {
	p, ok := event.Payload.(ChargePayload)
	if !ok || p.Charge == nil || p.Charge.ID == "" {
		return domain.Fatal(fmt.Errorf("%s: expected a charge object", event.Type))
	}
	ch := p.Charge

	paymentIntentID := ""
	if ch.PaymentIntent != nil {
		paymentIntentID = ch.PaymentIntent.ID
	}

	var refunds []domain.Refund
	if ch.Refunds != nil {
		for _, r := range ch.Refunds.Data {
			if r == nil || r.ID == "" {
				continue
			}
			refunds = append(refunds, domain.Refund{
				ID:              r.ID,
				ChargeID:        ch.ID,
				PaymentIntentID: paymentIntentID,
				Amount:          r.Amount,
				Currency:        string(r.Currency),
				Status:          string(r.Status),
				Reason:          string(r.Reason),
			})
		}
	}
	if len(refunds) == 0 && ch.AmountRefunded > 0 {
		refunds = append(refunds, domain.Refund{
			ID:              ch.ID + ":refund",
			ChargeID:        ch.ID,
			PaymentIntentID: paymentIntentID,
			Amount:          ch.AmountRefunded,
			Currency:        string(ch.Currency),
			Status:          string(stripe.RefundStatusSucceeded),
		})
	}

	for _, r := range refunds {
		if err := h.store.UpsertRefund(ctx, r); err != nil {
			return err
		}
	}
	log.Info(ctx, "Refunds recorded",
		zap.String("charge_id", ch.ID),
		zap.Int("refunds", len(refunds)))
	return nil
}

// disputeChanged mirrors the dispute; a newly opened dispute also pages support
func (h *Handlers) disputeChanged(ctx context.Context, event *Event) error {
	p, ok := event.Payload.(DisputePayload)
	if !ok || p.Dispute == nil || p.Dispute.ID == "" {
		return domain.Fatal(fmt.Errorf("%s: expected a dispute object", event.Type))
	}
	d := p.Dispute

	dispute := domain.Dispute{
		ID:       d.ID,
		Amount:   d.Amount,
		Currency: string(d.Currency),
		Status:   string(d.Status),
		Reason:   string(d.Reason),
	}
	if d.Charge != nil {
		dispute.ChargeID = d.Charge.ID
	}
	dispute.PaymentIntentID, _ = DisputePayload{Dispute: d}.References()
	if d.Evidence != nil {
		evidence, err := json.Marshal(d.Evidence)
		if err != nil {
			return domain.Fatal(fmt.Errorf("failed to encode dispute evidence: %w", err))
		}
		dispute.Evidence = evidence
	}
	if d.EvidenceDetails != nil && d.EvidenceDetails.DueBy > 0 {
		due := time.Unix(d.EvidenceDetails.DueBy, 0).UTC()
		dispute.DueBy = &due
	}

	if err := h.store.UpsertDispute(ctx, dispute); err != nil {
		return err
	}
	log.Info(ctx, "Dispute recorded",
		zap.String("dispute_id", d.ID),
		zap.String("status", dispute.Status))

	if event.Type != domain.EventDisputeCreated {
		return nil
	}

	description := fmt.Sprintf("Dispute %s opened on charge %s for %d %s. Reason: %s.",
		d.ID, dispute.ChargeID, d.Amount, dispute.Currency, dispute.Reason)
	if dispute.DueBy != nil {
		description += fmt.Sprintf(" Evidence due by %s.", dispute.DueBy.Format(time.RFC3339))
	}
	return h.openTicket(ctx, domain.SupportTicket{
		ID:              domain.TicketID(domain.IssueDisputeOpened, d.ID),
		IssueType:       domain.IssueDisputeOpened,
		Priority:        domain.TicketPriorityUrgent,
		Subject:         fmt.Sprintf("Dispute opened: %s", d.ID),
		Description:     description,
		PaymentIntentID: dispute.PaymentIntentID,
		EventID:         event.ID,
	})
}

func (h *Handlers) paymentMethodChanged(ctx context.Context, event *Event) error {
	p, ok := event.Payload.(PaymentMethodPayload)
	if !ok || p.PaymentMethod == nil || p.PaymentMethod.ID == "" {
		return domain.Fatal(fmt.Errorf("%s: expected a payment method object", event.Type))
	}
	pm := p.PaymentMethod

	action := "attached"
	if event.Type == domain.EventPaymentMethodDetached {
		action = "detached"
	}
	data := map[string]interface{}{
		"action": action,
		"type":   string(pm.Type),
	}
	if pm.Customer != nil {
		data["customer_id"] = pm.Customer.ID
	}

	out := events.NewEvent(events.TypePaymentMethodChanged, "payment_method", pm.ID, data)
	out.SourceEvent = event.ID
	if err := h.publisher.Publish(ctx, out); err != nil {
		metrics.PublishFailures.WithLabelValues(out.Type).Inc()
		return domain.Retryable(fmt.Errorf("failed to publish payment method change for %s: %w", pm.ID, err))
	}
	log.Info(ctx, "Payment method change published",
		zap.String("payment_method_id", pm.ID),
		zap.String("action", action))
	return nil
}

// openTicket persists the ticket and announces it the first time it is created
func (h *Handlers) openTicket(ctx context.Context, ticket domain.SupportTicket) error {
	return createTicket(ctx, h.store, h.publisher, ticket, h.now())
}

// notify publishes a side notification. Failures are logged and counted
// but never fail the event, since the state change has already committed.
func (h *Handlers) notify(ctx context.Context, source *Event, out *events.Event) {
	notify(ctx, h.publisher, source.ID, out)
}

func notify(ctx context.Context, publisher events.Publisher, sourceEventID string, out *events.Event) {
	out.SourceEvent = sourceEventID
	if err := publisher.Publish(ctx, out); err != nil {
		metrics.PublishFailures.WithLabelValues(out.Type).Inc()
		log.Warn(ctx, "Failed to publish downstream event",
			zap.String("type", out.Type),
			zap.String("aggregate_id", out.AggregateID),
			zap.Error(err))
	}
}

func createTicket(ctx context.Context, store repository.TicketRepository, publisher events.Publisher, ticket domain.SupportTicket, now time.Time) error {
	if ticket.Status == "" {
		ticket.Status = domain.TicketStatusOpen
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}

	created, err := store.CreateSupportTicket(ctx, ticket)
	if err != nil {
		return err
	}
	if !created {
		log.Debug(ctx, "Support ticket already open", zap.String("ticket_id", ticket.ID.String()))
		return nil
	}

	metrics.SupportTicketsCreated.WithLabelValues(ticket.IssueType, string(ticket.Priority)).Inc()
	log.Warn(ctx, "Support ticket created",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("issue_type", ticket.IssueType),
		zap.String("priority", string(ticket.Priority)),
		zap.String("payment_intent_id", ticket.PaymentIntentID),
		zap.String("subscription_id", ticket.SubscriptionID))

	notify(ctx, publisher, ticket.EventID, events.NewEvent(events.TypeSupportTicketCreated, "support_ticket", ticket.ID.String(), map[string]interface{}{
		"issue_type":        ticket.IssueType,
		"priority":          string(ticket.Priority),
		"subject":           ticket.Subject,
		"payment_intent_id": ticket.PaymentIntentID,
		"subscription_id":   ticket.SubscriptionID,
	}))
	return nil
}

func subscriptionFromIntent(pi *stripe.PaymentIntent) string {
	_, sub := PaymentIntentPayload{PaymentIntent: pi}.References()
	return sub
}
