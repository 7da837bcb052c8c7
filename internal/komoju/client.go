// Package komoju talks to the KOMOJU hosted checkout API over REST.
package komoju

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/scanvocab/backend/internal/checkout"
)

const (
	DefaultBaseURL = "https://komoju.com"

	idempotencyHeader = "X-KOMOJU-IDEMPOTENCY"
)

// Config holds the credentials and pricing used by the client.
type Config struct {
	SecretKey string
	BaseURL   string
	Currency  string
	// PlanAmounts prices each internal plan id in the smallest currency unit.
	PlanAmounts map[string]int64
	Timeout     time.Duration
}

// Client wraps KOMOJU API calls using the REST API directly (no SDK exists for Go).
type Client struct {
	secretKey   string
	baseURL     string
	currency    string
	planAmounts map[string]int64
	httpClient  *http.Client
	logger      zerolog.Logger
}

// NewClient creates a new KOMOJU API client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "JPY"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = checkout.DefaultProviderTimeout
	}
	return &Client{
		secretKey:   cfg.SecretKey,
		baseURL:     baseURL,
		currency:    currency,
		planAmounts: cfg.PlanAmounts,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "komoju").Logger(),
	}
}

// Name implements checkout.Provider.
func (c *Client) Name() string { return "komoju" }

type sessionRequest struct {
	Mode          string            `json:"mode"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	ReturnURL     string            `json:"return_url"`
	CancelURL     string            `json:"cancel_url,omitempty"`
	Email         string            `json:"email,omitempty"`
	Customer      string            `json:"customer,omitempty"`
	DefaultLocale string            `json:"default_locale"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type sessionResponse struct {
	ID         string `json:"id"`
	SessionURL string `json:"session_url"`
	Status     string `json:"status"`
}

// CreateSession opens a KOMOJU hosted checkout. The idempotency key is sent in
// the X-KOMOJU-IDEMPOTENCY header so repeated attempts return the same session.
func (c *Client) CreateSession(ctx context.Context, params checkout.SessionParams) (*checkout.ProviderSession, error) {
	amount, ok := c.planAmounts[params.PlanID]
	if !ok || amount <= 0 {
		return nil, fmt.Errorf("komoju: plan %q: %w", params.PlanID, checkout.ErrUnknownPlan)
	}

	body := sessionRequest{
		Mode:          "customer_payment",
		Amount:        amount,
		Currency:      c.currency,
		ReturnURL:     params.ReturnURL,
		CancelURL:     params.CancelURL,
		Email:         params.Email,
		Customer:      params.CustomerID,
		DefaultLocale: "ja",
		Metadata:      params.Metadata,
	}

	var resp sessionResponse
	if err := c.post(ctx, "/api/v1/sessions", params.IdempotencyKey, body, &resp); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("create checkout session: missing session ID in response")
	}

	c.logger.Info().
		Str("session_id", resp.ID).
		Str("plan_id", params.PlanID).
		Msg("created komoju session")

	return &checkout.ProviderSession{ID: resp.ID, URL: resp.SessionURL}, nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTP helpers

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}
	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("komoju request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read komoju response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := "unknown error"
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return fmt.Errorf("komoju API error (%d): %s", resp.StatusCode, msg)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse komoju response: %w", err)
	}
	return nil
}
