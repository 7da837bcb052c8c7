package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/scanvocab/backend/internal/checkout"
	"github.com/PortNumber53/scanvocab/backend/internal/payment"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		PriceIDs:      map[string]string{"pro": "price_pro"},
		BaseURL:       srv.URL,
	}, zerolog.Nop())
}

func TestCreateSessionForwardsIdempotencyKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "price_pro", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "learner@example.com", r.PostForm.Get("customer_email"))
		assert.Equal(t, "u1", r.PostForm.Get("metadata[user_id]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	})

	sess, err := client.CreateSession(context.Background(), checkout.SessionParams{
		PlanID:         "pro",
		Email:          "learner@example.com",
		IdempotencyKey: "key-1",
		Metadata:       map[string]string{"user_id": "u1", "plan_id": "pro"},
		ReturnURL:      "https://app.example.com/ok",
		CancelURL:      "https://app.example.com/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", sess.URL)
}

func TestCreateSessionUnknownPlan(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called")
	})
	_, err := client.CreateSession(context.Background(), checkout.SessionParams{PlanID: "gold"})
	require.ErrorIs(t, err, checkout.ErrUnknownPlan)
}

func TestCreateSessionAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such price"}}`))
	})
	_, err := client.CreateSession(context.Background(), checkout.SessionParams{PlanID: "pro", IdempotencyKey: "k"})
	require.Error(t, err)
}

func signed(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	return sp.Header, sp.Payload
}

func TestParseWebhookCompleted(t *testing.T) {
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	header, body := signed(t, `{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_test_1", "object": "checkout.session", "payment_status": "paid", "customer": "cus_9"}}
	}`)

	ev, err := client.ParseWebhook(body, header)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "cs_test_1", ev.SessionID)
	assert.Equal(t, "paid", ev.RawStatus)
	assert.Equal(t, "cus_9", ev.CustomerID)
}

func TestParseWebhookTrialWithoutCharge(t *testing.T) {
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	header, body := signed(t, `{
		"id": "evt_4",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_test_4", "object": "checkout.session", "status": "complete", "payment_status": "no_payment_required"}}
	}`)

	ev, err := client.ParseWebhook(body, header)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "complete", ev.RawStatus)
	assert.Equal(t, payment.OutcomeConfirmed, payment.Classify(ev.RawStatus))
}

func TestParseWebhookExpired(t *testing.T) {
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	header, body := signed(t, `{
		"id": "evt_2",
		"object": "event",
		"type": "checkout.session.expired",
		"data": {"object": {"id": "cs_test_2", "object": "checkout.session", "payment_status": "unpaid"}}
	}`)

	ev, err := client.ParseWebhook(body, header)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "expired", ev.RawStatus)
}

func TestParseWebhookIgnoresOtherEvents(t *testing.T) {
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	header, body := signed(t, `{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{}}}`)

	ev, err := client.ParseWebhook(body, header)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	_, body := signed(t, `{"id":"evt_4","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)

	_, err := client.ParseWebhook(body, "t=1,v1=deadbeef")
	require.Error(t, err)
}
