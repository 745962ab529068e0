package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/jia-app/paymentgateway/internal/events"
)

// buildEvent wraps object in an event envelope and parses it the way the HTTP layer does
func buildEvent(t *testing.T, id, eventType, object string) *Event {
	t.Helper()
	body := []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": %q,
		"api_version": "2023-10-16",
		"created": 1700000000,
		"livemode": false,
		"pending_webhooks": 1,
		"request": {"id": "req_1", "idempotency_key": "idem_1"},
		"data": {"object": %s}
	}`, id, eventType, object))

	var se stripe.Event
	require.NoError(t, json.Unmarshal(body, &se))
	ev, err := Parse(se, body)
	require.NoError(t, err)
	return ev
}

type fakeResolver struct {
	mu      sync.Mutex
	intents map[string]*stripe.PaymentIntent
	err     error
	calls   []string
}

func (r *fakeResolver) ResolvePaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	if r.err != nil {
		return nil, r.err
	}
	pi, ok := r.intents[id]
	if !ok {
		return nil, fmt.Errorf("no such payment intent: %s", id)
	}
	cp := *pi
	return &cp, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error {
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
