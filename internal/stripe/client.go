// Package stripe is the alternate checkout provider backed by Stripe Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/scanvocab/backend/internal/checkout"
)

// Config holds the Stripe credentials and plan mapping.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// PriceIDs maps internal plan ids to Stripe recurring price ids.
	PriceIDs map[string]string
	// BaseURL overrides the API endpoint; empty uses api.stripe.com.
	BaseURL string
	Timeout time.Duration
}

// Client creates subscription checkouts through the Stripe SDK.
type Client struct {
	sessions      session.Client
	webhookSecret string
	priceIDs      map[string]string
	logger        zerolog.Logger
}

// NewClient creates a new Stripe provider.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = checkout.DefaultProviderTimeout
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: timeout},
		// The checkout manager owns retry policy.
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	return &Client{
		sessions: session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
		priceIDs:      cfg.PriceIDs,
		logger:        logger.With().Str("component", "stripe").Logger(),
	}
}

// Name implements checkout.Provider.
func (c *Client) Name() string { return "stripe" }

// CreateSession creates a Stripe Checkout session for a subscription. The
// idempotency key is forwarded as Stripe's Idempotency-Key header.
func (c *Client) CreateSession(ctx context.Context, params checkout.SessionParams) (*checkout.ProviderSession, error) {
	priceID, ok := c.priceIDs[params.PlanID]
	if !ok || priceID == "" {
		return nil, fmt.Errorf("stripe: plan %q: %w", params.PlanID, checkout.ErrUnknownPlan)
	}

	sp := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(params.ReturnURL),
		ClientReferenceID: stripe.String(params.Metadata["user_id"]),
	}
	if params.CancelURL != "" {
		sp.CancelURL = stripe.String(params.CancelURL)
	}
	// Stripe rejects customer and customer_email together.
	if params.CustomerID != "" {
		sp.Customer = stripe.String(params.CustomerID)
	} else {
		sp.CustomerEmail = stripe.String(params.Email)
	}
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}
	sp.Context = ctx
	sp.SetIdempotencyKey(params.IdempotencyKey)

	cs, err := c.sessions.New(sp)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if cs.ID == "" {
		return nil, fmt.Errorf("create checkout session: missing session ID in response")
	}

	c.logger.Info().Str("session_id", cs.ID).Str("plan_id", params.PlanID).Msg("created stripe checkout session")
	return &checkout.ProviderSession{ID: cs.ID, URL: cs.URL}, nil
}

// SessionEvent is a checkout session state change reported by a webhook.
type SessionEvent struct {
	EventID    string
	Type       string
	SessionID  string
	RawStatus  string
	CustomerID string
}

// ParseWebhook verifies the Stripe-Signature header and extracts the checkout
// session the event refers to. Events unrelated to checkout sessions return
// (nil, nil).
func (c *Client) ParseWebhook(payload []byte, signature string) (*SessionEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("stripe: webhook signature verification failed: %w", err)
	}

	var raw string
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		raw = ""
	case "checkout.session.async_payment_failed":
		raw = "failed"
	case "checkout.session.expired":
		raw = "expired"
	default:
		return nil, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("stripe: parse checkout session event: %w", err)
	}
	if raw == "" {
		raw = string(cs.PaymentStatus)
		// Trials and fully discounted checkouts settle without a charge.
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired &&
			cs.Status == stripe.CheckoutSessionStatusComplete {
			raw = string(cs.Status)
		}
	}

	out := &SessionEvent{
		EventID:   event.ID,
		Type:      string(event.Type),
		SessionID: cs.ID,
		RawStatus: raw,
	}
	if cs.Customer != nil {
		out.CustomerID = cs.Customer.ID
	}
	return out, nil
}
