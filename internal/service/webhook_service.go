package service

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/billing"
	"github.com/jia-app/paymentgateway/internal/config"
	"github.com/jia-app/paymentgateway/internal/domain"
	"github.com/jia-app/paymentgateway/internal/log"
	"github.com/jia-app/paymentgateway/internal/metrics"
	"github.com/jia-app/paymentgateway/internal/webhook"
)

// Dispatcher applies a parsed event exactly once
type Dispatcher interface {
	Dispatch(ctx context.Context, event *webhook.Event) (*webhook.Result, error)
}

// WebhookService verifies signed deliveries and hands them to the dispatcher
type WebhookService struct {
	verifier           billing.Verifier
	dispatcher         Dispatcher
	allowedAPIVersions []string
}

// NewWebhookService creates a new webhook service
func NewWebhookService(verifier billing.Verifier, dispatcher Dispatcher, allowedAPIVersions []string) *WebhookService {
	return &WebhookService{
		verifier:           verifier,
		dispatcher:         dispatcher,
		allowedAPIVersions: allowedAPIVersions,
	}
}

// WebhookRequest represents a webhook delivery
type WebhookRequest struct {
	Payload   []byte
	Signature string
}

// WebhookResponse represents the response from webhook processing
type WebhookResponse struct {
	EventID   string
	EventType string
	Outcome   string
	Duplicate bool
}

// ProcessWebhook verifies and dispatches one delivery. Every error it returns
// is a *domain.WebhookError carrying the status to answer with.
func (s *WebhookService) ProcessWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error) {
	// 1. Validate presence
	if req.Signature == "" {
		return nil, &domain.WebhookError{StatusCode: http.StatusUnauthorized, Message: "No signature found", Type: domain.ErrorTypeVerification}
	}
	if len(req.Payload) == 0 {
		return nil, &domain.WebhookError{StatusCode: http.StatusBadRequest, Message: "No body found", Type: domain.ErrorTypeWebhook}
	}

	// 2. Validate signature
	se, err := s.verifier.Verify(req.Payload, req.Signature)
	if err != nil {
		werr := &domain.WebhookError{
			StatusCode: http.StatusUnauthorized,
			Message:    "Invalid signature",
			Type:       domain.ErrorTypeVerification,
			Err:        err,
		}
		var verr *domain.VerificationError
		if errors.As(err, &verr) {
			werr.Code = verr.Code
			werr.Detail = verr.Detail
		}
		metrics.SignatureFailures.WithLabelValues(werr.Code).Inc()
		log.Warn(ctx, "Webhook signature validation failed",
			zap.String("code", werr.Code),
			zap.Error(err))
		return nil, werr
	}

	// 3. Decode the payload. Only an event without an id cannot be recorded;
	// an undecodable object is recorded and escalated by the dispatcher.
	event, err := webhook.Parse(se, req.Payload)
	if err != nil {
		log.Warn(ctx, "Webhook payload rejected",
			zap.String("event_id", se.ID),
			zap.String("event_type", string(se.Type)),
			zap.Error(err))
		return nil, domain.NewWebhookError(http.StatusBadRequest, "Invalid event payload", err)
	}
	if derr := event.DecodeError(); derr != nil {
		log.Warn(ctx, "Webhook payload did not decode",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(derr))
	}

	if event.APIVersion != "" && !config.IsAllowedAPIVersion(event.APIVersion, s.allowedAPIVersions) {
		log.Warn(ctx, "Webhook sent with unexpected API version",
			zap.String("event_id", event.ID),
			zap.String("api_version", event.APIVersion),
			zap.Strings("allowed_api_versions", s.allowedAPIVersions))
	}

	// 4. Dispatch
	result, err := s.dispatcher.Dispatch(ctx, event)
	if err != nil {
		var werr *domain.WebhookError
		if !errors.As(err, &werr) {
			werr = domain.NewWebhookError(http.StatusInternalServerError, "Event processing failed", err)
		}
		return nil, werr
	}

	resp := &WebhookResponse{
		EventID:   event.ID,
		EventType: string(event.Type),
	}
	if result != nil {
		resp.Outcome = result.Outcome
		resp.Duplicate = result.Duplicate
	}
	return resp, nil
}
