package komoju

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Komoju-Signature"

var (
	ErrInvalidSignature = errors.New("komoju: invalid webhook signature")
	ErrMissingSession   = errors.New("komoju: webhook has no session reference")
)

// VerifyWebhook checks the signature KOMOJU computed over body with the
// webhook secret.
func VerifyWebhook(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature VerifyWebhook expects. Used by tests and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Event is the subset of a KOMOJU webhook we reconcile against.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Session  string            `json:"session"`
		Customer string            `json:"customer"`
		Metadata map[string]string `json:"metadata"`
		// Present on subscription events.
		CurrentPeriodEndAt string `json:"current_period_end_at"`
	} `json:"data"`
}

// SessionID returns the checkout session the event refers to.
func (e *Event) SessionID() string {
	if e.Data.Session != "" {
		return e.Data.Session
	}
	return e.Data.Metadata["session_id"]
}

// Status returns the payment status, falling back to the suffix of the event
// type ("payment.captured" → "captured").
func (e *Event) Status() string {
	if e.Data.Status != "" {
		return e.Data.Status
	}
	if i := strings.LastIndex(e.Type, "."); i >= 0 {
		return e.Type[i+1:]
	}
	return ""
}

// ParseWebhookEvent decodes a verified webhook body.
func ParseWebhookEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("komoju: parse webhook event: %w", err)
	}
	if ev.SessionID() == "" {
		return nil, ErrMissingSession
	}
	return &ev, nil
}
