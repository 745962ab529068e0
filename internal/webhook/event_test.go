package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/jia-app/paymentgateway/internal/domain"
)

func TestParsePaymentIntent(t *testing.T) {
	ev := buildEvent(t, "evt_1", "payment_intent.succeeded",
		`{"id":"pi_123","object":"payment_intent","amount":5000,"currency":"usd","status":"succeeded","invoice":"in_1"}`)

	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, domain.EventPaymentIntentSucceeded, ev.Type)
	assert.Equal(t, int64(1700000000), ev.Created)
	assert.Equal(t, int64(1), ev.PendingWebhooks)
	assert.Equal(t, "req_1", ev.RequestID)
	assert.Equal(t, "idem_1", ev.IdempotencyKey)
	assert.Equal(t, "2023-10-16", ev.APIVersion)

	p, ok := ev.Payload.(PaymentIntentPayload)
	require.True(t, ok)
	assert.Equal(t, "pi_123", p.PaymentIntent.ID)
	assert.Equal(t, int64(5000), p.PaymentIntent.Amount)
	require.NotNil(t, p.PaymentIntent.Invoice)
	assert.Equal(t, "in_1", p.PaymentIntent.Invoice.ID)
}

func TestParsePayloadVariants(t *testing.T) {
	tests := []struct {
		eventType string
		object    string
		check     func(t *testing.T, p Payload)
	}{
		{"invoice.paid", `{"id":"in_1","object":"invoice","payment_intent":"pi_1","subscription":"sub_1"}`, func(t *testing.T, p Payload) {
			_, ok := p.(InvoicePayload)
			assert.True(t, ok)
		}},
		{"customer.subscription.updated", `{"id":"sub_1","object":"subscription","status":"past_due"}`, func(t *testing.T, p Payload) {
			s, ok := p.(SubscriptionPayload)
			require.True(t, ok)
			assert.Equal(t, stripe.SubscriptionStatusPastDue, s.Subscription.Status)
		}},
		{"charge.refunded", `{"id":"ch_1","object":"charge","amount_refunded":100}`, func(t *testing.T, p Payload) {
			_, ok := p.(ChargePayload)
			assert.True(t, ok)
		}},
		{"charge.dispute.created", `{"id":"dp_1","object":"dispute","amount":100}`, func(t *testing.T, p Payload) {
			_, ok := p.(DisputePayload)
			assert.True(t, ok)
		}},
		{"payment_method.attached", `{"id":"pm_1","object":"payment_method","type":"card"}`, func(t *testing.T, p Payload) {
			_, ok := p.(PaymentMethodPayload)
			assert.True(t, ok)
		}},
		{"customer.created", `{"id":"cus_1","object":"customer"}`, func(t *testing.T, p Payload) {
			u, ok := p.(UnknownPayload)
			require.True(t, ok)
			assert.JSONEq(t, `{"id":"cus_1","object":"customer"}`, string(u.Raw))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			ev := buildEvent(t, "evt_1", tt.eventType, tt.object)
			tt.check(t, ev.Payload)
		})
	}
}

func TestParseKeepsMalformedKnownPayload(t *testing.T) {
	body := []byte(`{"id":"evt_bad","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":"lots"}}}`)
	var se stripe.Event
	require.NoError(t, json.Unmarshal(body, &se))

	ev, err := Parse(se, body)
	require.NoError(t, err)
	assert.Equal(t, "evt_bad", ev.ID)
	assert.JSONEq(t, string(body), string(ev.Body))

	p, ok := ev.Payload.(InvalidPayload)
	require.True(t, ok)
	require.Error(t, ev.DecodeError())
	assert.Equal(t, domain.KindFatal, domain.KindOf(ev.DecodeError()))

	pi, _ := p.References()
	assert.Equal(t, "pi_1", pi)
}

func TestParseMissingData(t *testing.T) {
	ev, err := Parse(stripe.Event{ID: "evt_1", Type: "invoice.paid"}, []byte(`{}`))
	require.NoError(t, err)
	require.ErrorIs(t, ev.DecodeError(), ErrMissingData)
	assert.Equal(t, domain.KindFatal, domain.KindOf(ev.DecodeError()))

	_, err = Parse(stripe.Event{}, []byte(`{}`))
	assert.Error(t, err)
}

func TestDecodeErrorNilForValidPayload(t *testing.T) {
	ev := buildEvent(t, "evt_ok", "invoice.paid", `{"id":"in_1"}`)
	assert.NoError(t, ev.DecodeError())
}

func TestPayloadReferences(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    string
		wantPI    string
		wantSub   string
	}{
		{"payment intent", "payment_intent.payment_failed", `{"id":"pi_1","metadata":{"subscription_id":"sub_meta"}}`, "pi_1", "sub_meta"},
		{"invoice", "invoice.payment_failed", `{"id":"in_1","payment_intent":"pi_2","subscription":"sub_2"}`, "pi_2", "sub_2"},
		{"subscription", "customer.subscription.deleted", `{"id":"sub_3"}`, "", "sub_3"},
		{"charge", "charge.refunded", `{"id":"ch_1","payment_intent":"pi_4"}`, "pi_4", ""},
		{"dispute via charge", "charge.dispute.created", `{"id":"dp_1","charge":{"id":"ch_1","payment_intent":"pi_5"}}`, "pi_5", ""},
		{"unknown object", "payment_intent.canceled", `{"id":"pi_6","object":"payment_intent"}`, "pi_6", ""},
		{"unknown with refs", "invoice.upcoming", `{"id":"in_7","object":"invoice","payment_intent":{"id":"pi_7"},"subscription":"sub_7"}`, "pi_7", "sub_7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := buildEvent(t, "evt_1", tt.eventType, tt.object)
			pi, sub := ev.Payload.References()
			assert.Equal(t, tt.wantPI, pi)
			assert.Equal(t, tt.wantSub, sub)
		})
	}
}

func TestEventRecord(t *testing.T) {
	ev := buildEvent(t, "evt_9", "invoice.paid", `{"id":"in_1"}`)
	rec := ev.Record()

	assert.Equal(t, "evt_9", rec.ID)
	assert.Equal(t, domain.EventInvoicePaid, rec.Type)
	assert.Equal(t, "req_1", rec.RequestID)
	assert.False(t, rec.Processed)
	assert.True(t, json.Valid(rec.Payload))
}
