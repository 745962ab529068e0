package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"

	"github.com/jia-app/paymentgateway/internal/domain"
)

// Event is a verified webhook event with its data.object decoded into a typed payload
type Event struct {
	ID              string
	Type            domain.EventType
	Created         int64
	Livemode        bool
	PendingWebhooks int64
	RequestID       string
	IdempotencyKey  string
	APIVersion      string
	// Body is the verified request body, stored verbatim for audit
	Body    json.RawMessage
	Payload Payload
}

// Payload is the typed data.object of an event. The set of variants is closed.
type Payload interface {
	// References returns the payment intent and subscription the object points at, if any
	References() (paymentIntentID, subscriptionID string)
	isPayload()
}

// PaymentIntentPayload carries payment_intent.* objects
type PaymentIntentPayload struct{ PaymentIntent *stripe.PaymentIntent }

// InvoicePayload carries invoice.* objects
type InvoicePayload struct{ Invoice *stripe.Invoice }

// SubscriptionPayload carries customer.subscription.* objects
type SubscriptionPayload struct{ Subscription *stripe.Subscription }

// ChargePayload carries charge.* objects
type ChargePayload struct{ Charge *stripe.Charge }

// DisputePayload carries charge.dispute.* objects
type DisputePayload struct{ Dispute *stripe.Dispute }

// PaymentMethodPayload carries payment_method.* objects
type PaymentMethodPayload struct{ PaymentMethod *stripe.PaymentMethod }

// UnknownPayload keeps the raw object of event types without a policy
type UnknownPayload struct{ Raw json.RawMessage }

// InvalidPayload is the object of a known event type that did not decode.
// Err is fatal; the event is still recorded so it can be escalated.
type InvalidPayload struct {
	Raw json.RawMessage
	Err error
}

func (PaymentIntentPayload) isPayload() {}
func (InvoicePayload) isPayload()       {}
func (SubscriptionPayload) isPayload()  {}
func (ChargePayload) isPayload()        {}
func (DisputePayload) isPayload()       {}
func (PaymentMethodPayload) isPayload() {}
func (UnknownPayload) isPayload()       {}
func (InvalidPayload) isPayload()       {}

// References implements Payload
func (p PaymentIntentPayload) References() (string, string) {
	pi := p.PaymentIntent
	if pi == nil {
		return "", ""
	}
	sub := pi.Metadata["subscription_id"]
	if pi.Invoice != nil && pi.Invoice.Subscription != nil {
		sub = pi.Invoice.Subscription.ID
	}
	return pi.ID, sub
}

// References implements Payload
func (p InvoicePayload) References() (string, string) {
	inv := p.Invoice
	if inv == nil {
		return "", ""
	}
	var pi, sub string
	if inv.PaymentIntent != nil {
		pi = inv.PaymentIntent.ID
	}
	if inv.Subscription != nil {
		sub = inv.Subscription.ID
	}
	return pi, sub
}

// References implements Payload
func (p SubscriptionPayload) References() (string, string) {
	if p.Subscription == nil {
		return "", ""
	}
	return "", p.Subscription.ID
}

// References implements Payload
func (p ChargePayload) References() (string, string) {
	if p.Charge == nil || p.Charge.PaymentIntent == nil {
		return "", ""
	}
	return p.Charge.PaymentIntent.ID, ""
}

// References implements Payload
func (p DisputePayload) References() (string, string) {
	d := p.Dispute
	switch {
	case d == nil:
		return "", ""
	case d.PaymentIntent != nil:
		return d.PaymentIntent.ID, ""
	case d.Charge != nil && d.Charge.PaymentIntent != nil:
		return d.Charge.PaymentIntent.ID, ""
	}
	return "", ""
}

// References implements Payload
func (p PaymentMethodPayload) References() (string, string) {
	return "", ""
}

// References implements Payload; it looks for the conventional reference fields
func (p UnknownPayload) References() (string, string) {
	var refs struct {
		Object        string          `json:"object"`
		ID            string          `json:"id"`
		PaymentIntent json.RawMessage `json:"payment_intent"`
		Subscription  json.RawMessage `json:"subscription"`
	}
	if err := json.Unmarshal(p.Raw, &refs); err != nil {
		return "", ""
	}
	pi, sub := expandableID(refs.PaymentIntent), expandableID(refs.Subscription)
	switch refs.Object {
	case "payment_intent":
		pi = refs.ID
	case "subscription":
		sub = refs.ID
	}
	return pi, sub
}

// References implements Payload from whatever reference fields still parse
func (p InvalidPayload) References() (string, string) {
	return UnknownPayload{Raw: p.Raw}.References()
}

// expandableID reads an id from a field that is either a string or an expanded object
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// ErrMissingData is attached to events without a data.object
var ErrMissingData = errors.New("event has no data object")

// Parse converts a verified processor event into an Event. Only an event
// without an id is rejected. A payload that does not decode as its declared
// type becomes an InvalidPayload carrying a fatal error, since it fails the
// same way on every delivery.
func Parse(se stripe.Event, body []byte) (*Event, error) {
	if se.ID == "" {
		return nil, domain.Fatal(errors.New("event has no id"))
	}

	ev := &Event{
		ID:              se.ID,
		Type:            domain.EventType(se.Type),
		Created:         se.Created,
		Livemode:        se.Livemode,
		PendingWebhooks: se.PendingWebhooks,
		APIVersion:      se.APIVersion,
		Body:            append(json.RawMessage(nil), body...),
	}
	if se.Request != nil {
		ev.RequestID = se.Request.ID
		ev.IdempotencyKey = se.Request.IdempotencyKey
	}

	if se.Data == nil || len(se.Data.Raw) == 0 {
		ev.Payload = InvalidPayload{Err: domain.Fatal(fmt.Errorf("%s: %w", se.ID, ErrMissingData))}
		return ev, nil
	}

	payload, err := decodePayload(ev.Type, se.Data.Raw)
	if err != nil {
		ev.Payload = InvalidPayload{
			Raw: append(json.RawMessage(nil), se.Data.Raw...),
			Err: domain.Fatal(fmt.Errorf("failed to decode %s payload: %w", ev.Type, err)),
		}
		return ev, nil
	}
	ev.Payload = payload
	return ev, nil
}

// DecodeError returns why the payload could not be decoded, or nil
func (e *Event) DecodeError() error {
	if p, ok := e.Payload.(InvalidPayload); ok {
		return p.Err
	}
	return nil
}

func decodePayload(eventType domain.EventType, raw json.RawMessage) (Payload, error) {
	switch eventType {
	case domain.EventPaymentIntentSucceeded, domain.EventPaymentIntentFailed,
		domain.EventPaymentIntentProcessing, domain.EventPaymentIntentRequiresAction:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, err
		}
		return PaymentIntentPayload{PaymentIntent: &pi}, nil

	case domain.EventInvoicePaid, domain.EventInvoicePaymentSucceeded,
		domain.EventInvoicePaymentFailed, domain.EventInvoiceUncollectible:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		return InvoicePayload{Invoice: &inv}, nil

	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated,
		domain.EventSubscriptionDeleted, domain.EventSubscriptionTrialWillEnd:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, err
		}
		return SubscriptionPayload{Subscription: &sub}, nil

	case domain.EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, err
		}
		return ChargePayload{Charge: &ch}, nil

	case domain.EventDisputeCreated, domain.EventDisputeUpdated, domain.EventDisputeClosed:
		var d stripe.Dispute
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return DisputePayload{Dispute: &d}, nil

	case domain.EventPaymentMethodAttached, domain.EventPaymentMethodDetached:
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(raw, &pm); err != nil {
			return nil, err
		}
		return PaymentMethodPayload{PaymentMethod: &pm}, nil
	}

	return UnknownPayload{Raw: append(json.RawMessage(nil), raw...)}, nil
}

// Record converts the event into its audit row
func (e *Event) Record() *domain.EventRecord {
	return &domain.EventRecord{
		ID:              e.ID,
		Type:            e.Type,
		Payload:         e.Body,
		Created:         e.Created,
		Livemode:        e.Livemode,
		PendingWebhooks: e.PendingWebhooks,
		RequestID:       e.RequestID,
		IdempotencyKey:  e.IdempotencyKey,
	}
}
