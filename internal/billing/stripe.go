package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/circuitbreaker"
	"github.com/jia-app/paymentgateway/internal/domain"
	"github.com/jia-app/paymentgateway/internal/retry"
)

// Verification failure codes echoed to the caller
const (
	CodeNotSigned          = "not_signed"
	CodeInvalidHeader      = "invalid_header"
	CodeNoValidSignature   = "no_valid_signature"
	CodeTimestampTooOld    = "timestamp_too_old"
	CodeVerificationFailed = "verification_failed"
)

// Verifier verifies a signed webhook payload and returns the decoded event
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

// StripeVerifier verifies webhooks with the Stripe signing secret
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier; a zero tolerance uses the SDK default
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify checks the signature header against the raw payload. API version
// mismatches are left to the caller.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, &domain.VerificationError{
			Code:   verificationCode(err),
			Detail: err.Error(),
			Err:    err,
		}
	}
	return event, nil
}

func verificationCode(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return CodeNotSigned
	case errors.Is(err, webhook.ErrInvalidHeader):
		return CodeInvalidHeader
	case errors.Is(err, webhook.ErrNoValidSignature):
		return CodeNoValidSignature
	case errors.Is(err, webhook.ErrTooOld):
		return CodeTimestampTooOld
	default:
		return CodeVerificationFailed
	}
}

// PaymentIntentResolver fetches a payment intent when a payload only carries its id
type PaymentIntentResolver interface {
	ResolvePaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}

// PaymentIntentGetter is the slice of the Stripe client the resolver needs
type PaymentIntentGetter interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeResolver resolves payment intents through the Stripe API with retries
type StripeResolver struct {
	intents PaymentIntentGetter
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewStripeResolver creates a resolver backed by a dedicated Stripe client
func NewStripeResolver(secretKey string, logger *zap.Logger) *StripeResolver {
	sc := client.New(secretKey, nil)
	return NewStripeResolverWithClient(sc.PaymentIntents, logger)
}

// NewStripeResolverWithClient creates a resolver over an existing payment intent client
func NewStripeResolverWithClient(intents PaymentIntentGetter, logger *zap.Logger) *StripeResolver {
	cfg := retry.DefaultConfig()
	cfg.ShouldRetry = IsRetryableStripeError

	// only outages count against the circuit; a missing intent does not
	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.IsFailure = IsRetryableStripeError
	return &StripeResolver{
		intents: intents,
		retry:   cfg,
		breaker: circuitbreaker.New("stripe_payment_intents", breakerCfg, logger),
		logger:  logger,
	}
}

// ResolvePaymentIntent fetches the payment intent, retrying throttling and server errors
func (r *StripeResolver) ResolvePaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	if id == "" {
		return nil, fmt.Errorf("payment intent id is required")
	}

	var pi *stripe.PaymentIntent
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, r.retry, r.logger, func() error {
			params := &stripe.PaymentIntentParams{}
			params.Context = ctx

			got, err := r.intents.Get(id, params)
			if err != nil {
				return err
			}
			pi = got
			return nil
		})
	})
	if err != nil {
		r.logger.Error("Failed to resolve payment intent",
			zap.String("payment_intent_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to resolve payment intent %s: %w", id, err)
	}
	return pi, nil
}

// IsRetryableStripeError retries rate limiting and 5xx responses from Stripe,
// and transient network failures
func IsRetryableStripeError(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return retry.IsRetryableError(err)
}
