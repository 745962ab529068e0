package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/cache"
	"github.com/jia-app/paymentgateway/internal/domain"
	"github.com/jia-app/paymentgateway/internal/events"
	"github.com/jia-app/paymentgateway/internal/log"
	"github.com/jia-app/paymentgateway/internal/metrics"
	"github.com/jia-app/paymentgateway/internal/repository"
	"github.com/jia-app/paymentgateway/internal/tracing"
)

// failureBookkeepingTimeout bounds recording a failure once the request context is gone
const failureBookkeepingTimeout = 2 * time.Second

// Result describes how a delivery was handled
type Result struct {
	Outcome   string
	Attempts  int
	Duplicate bool
}

// DispatcherConfig holds the optional collaborators of a Dispatcher
type DispatcherConfig struct {
	// MaxAttempts is the delivery count at which a failing event is escalated
	MaxAttempts int
	// Cache answers replays without touching the store; optional
	Cache cache.ProcessedStore
	// Publisher receives support_ticket.created events; optional
	Publisher events.Publisher
	Now       func() time.Time
}

// Dispatcher routes verified events to their policy exactly once per event id
type Dispatcher struct {
	store       repository.DatabaseClient
	handlers    map[domain.EventType]HandlerFunc
	cache       cache.ProcessedStore
	publisher   events.Publisher
	maxAttempts int
	now         func() time.Time
}

// NewDispatcher creates a dispatcher over the given policy table
func NewDispatcher(store repository.DatabaseClient, handlers map[domain.EventType]HandlerFunc, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultRetrySchedule().MaxAttempts
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:       store,
		handlers:    handlers,
		cache:       cfg.Cache,
		publisher:   cfg.Publisher,
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Now,
	}
}

// Dispatch records the event and applies its policy, unless it was already processed.
// Any returned error is a *domain.WebhookError.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) (*Result, error) {
	start := d.now()
	ctx = log.WithEvent(ctx, event.ID, string(event.Type))
	ctx, span := tracing.StartSpan(ctx, "webhook.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", string(event.Type)),
	)

	result, err := d.dispatch(ctx, event)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordEvent(string(event.Type), metrics.OutcomeFailed, time.Since(start))
		return result, err
	}
	span.SetAttributes(attribute.String("webhook.outcome", result.Outcome))
	metrics.RecordEvent(string(event.Type), result.Outcome, time.Since(start))
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, event *Event) (*Result, error) {
	if d.isCached(ctx, event.ID) {
		metrics.ProcessedCacheHits.Inc()
		log.Info(ctx, "Event already processed, skipping")
		return &Result{Outcome: metrics.OutcomeDuplicate, Duplicate: true}, nil
	}

	existing, err := d.store.GetEvent(ctx, event.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NewWebhookError(http.StatusInternalServerError, "Failed to load event",
			log.NewError(ctx, err, "Failed to load event"))
	}
	if existing != nil && existing.Processed {
		log.Info(ctx, "Event already processed, skipping")
		d.markCached(ctx, event.ID)
		return &Result{Outcome: metrics.OutcomeDuplicate, Attempts: existing.Attempts, Duplicate: true}, nil
	}

	attempts, err := d.recordDelivery(ctx, event, existing)
	if err != nil {
		return nil, domain.NewWebhookError(http.StatusInternalServerError, "Failed to record event",
			log.NewError(ctx, err, "Failed to record event"))
	}

	if derr := event.DecodeError(); derr != nil {
		d.handleFailure(ctx, event, attempts, derr)
		return &Result{Outcome: metrics.OutcomeFailed, Attempts: attempts},
			domain.NewWebhookError(http.StatusInternalServerError, "Event processing failed", derr)
	}

	handler, ok := d.handlers[event.Type]
	if !ok {
		log.Warn(ctx, "Unhandled event type")
		if err := d.store.MarkEventProcessed(ctx, event.ID); err != nil {
			return nil, domain.NewWebhookError(http.StatusInternalServerError, "Failed to mark event processed",
				log.NewError(ctx, err, "Failed to mark event processed"))
		}
		d.markCached(ctx, event.ID)
		return &Result{Outcome: metrics.OutcomeIgnored, Attempts: attempts}, nil
	}

	if herr := handler(ctx, event); herr != nil {
		d.handleFailure(ctx, event, attempts, herr)
		return &Result{Outcome: metrics.OutcomeFailed, Attempts: attempts},
			domain.NewWebhookError(http.StatusInternalServerError, "Event processing failed", herr)
	}

	if err := d.store.MarkEventProcessed(ctx, event.ID); err != nil {
		// The policy committed; a redelivery reapplies it idempotently
		return nil, domain.NewWebhookError(http.StatusInternalServerError, "Failed to mark event processed",
			log.NewError(ctx, err, "Failed to mark event processed"))
	}
	d.markCached(ctx, event.ID)

	log.Info(ctx, "Event processed", zap.Int("attempts", attempts))
	return &Result{Outcome: metrics.OutcomeProcessed, Attempts: attempts}, nil
}

// recordDelivery inserts the audit row on first delivery and bumps the
// attempt count on every redelivery, returning the current count.
func (d *Dispatcher) recordDelivery(ctx context.Context, event *Event, existing *domain.EventRecord) (int, error) {
	if existing == nil {
		inserted, err := d.store.InsertEvent(ctx, event.Record())
		if err != nil {
			return 0, err
		}
		if inserted {
			return 0, nil
		}
		// A concurrent delivery inserted it first
	}

	attempts, nextRetryAt, err := d.store.IncrementEventAttempts(ctx, event.ID)
	if err != nil {
		return 0, err
	}
	log.Info(ctx, "Retrying event",
		zap.Int("attempts", attempts),
		zap.Time("next_retry_at", nextRetryAt))
	return attempts, nil
}

// handleFailure records the error and, once the event has been delivered past
// the cap or can never succeed, opens one support ticket for it. It runs on a
// context detached from the request, which may already have timed out.
func (d *Dispatcher) handleFailure(ctx context.Context, event *Event, attempts int, herr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureBookkeepingTimeout)
	defer cancel()

	kind := domain.KindOf(herr)
	log.Error(ctx, "Event processing failed",
		zap.Int("attempts", attempts),
		zap.String("kind", kind.String()),
		zap.Error(herr))

	errContext, err := json.Marshal(map[string]interface{}{
		"event_type": string(event.Type),
		"attempts":   attempts,
		"kind":       kind.String(),
		"request_id": log.RequestID(ctx),
		"failed_at":  d.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		errContext = nil
	}
	if err := d.store.RecordEventError(ctx, event.ID, herr.Error(), errContext); err != nil {
		log.Error(ctx, "Failed to record event error", zap.Error(err))
	}

	if attempts < d.maxAttempts && kind != domain.KindFatal {
		return
	}

	paymentIntentID, subscriptionID := "", ""
	if event.Payload != nil {
		paymentIntentID, subscriptionID = event.Payload.References()
	}
	ticket := domain.SupportTicket{
		ID:              domain.TicketID(domain.IssueWebhookProcessingFailed, event.ID),
		IssueType:       domain.IssueWebhookProcessingFailed,
		Priority:        domain.TicketPriorityHigh,
		Subject:         fmt.Sprintf("Webhook %s failed: %s", event.Type, event.ID),
		Description:     fmt.Sprintf("Event %s (%s) failed after %d retries (%s): %v", event.ID, event.Type, attempts, kind, herr),
		PaymentIntentID: paymentIntentID,
		SubscriptionID:  subscriptionID,
		EventID:         event.ID,
	}
	if err := createTicket(ctx, d.store, d.publisher, ticket, d.now()); err != nil {
		log.Error(ctx, "Failed to create support ticket", zap.Error(err))
	}
}

func (d *Dispatcher) isCached(ctx context.Context, eventID string) bool {
	if d.cache == nil {
		return false
	}
	processed, err := d.cache.IsProcessed(ctx, eventID)
	if err != nil {
		log.Warn(ctx, "Processed-event cache lookup failed", zap.Error(err))
		return false
	}
	return processed
}

func (d *Dispatcher) markCached(ctx context.Context, eventID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.MarkProcessed(ctx, eventID); err != nil {
		log.Warn(ctx, "Failed to cache processed event", zap.Error(err))
	}
}
