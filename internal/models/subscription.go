package models

import "time"

// Subscription status values as persisted. Any other stored value is
// normalized to SubscriptionStatusFree when read through the entitlement package.
const (
	SubscriptionStatusFree      = "free"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusPastDue   = "past_due"
)

// Plan identifiers.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Stored values of subscriptions.pro_source.
const (
	ProSourceNone    = "none"
	ProSourceBilling = "billing"
	ProSourceTest    = "test"
)

// Subscription is the per-user billing record. Expiry columns are kept as raw
// text so malformed upstream values reach the evaluator instead of failing the scan.
type Subscription struct {
	UserID           string    `json:"user_id"`
	Status           string    `json:"status"`
	Plan             string    `json:"plan"`
	ProSource        *string   `json:"pro_source,omitempty"`
	TestProExpiresAt *string   `json:"test_pro_expires_at,omitempty"`
	CurrentPeriodEnd *string   `json:"current_period_end,omitempty"`
	KomojuCustomerID *string   `json:"komoju_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SessionStatus is the lifecycle state of a checkout attempt.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusUsed    SessionStatus = "used"
	SessionStatusFailed  SessionStatus = "failed"
)

// SubscriptionSession records one provider checkout session.
type SubscriptionSession struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	PlanID         string        `json:"plan_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UsedAt         *time.Time    `json:"used_at,omitempty"`
}

// CheckoutRequest is the JSON body accepted by the checkout endpoint.
type CheckoutRequest struct {
	PlanID    string `json:"plan_id" validate:"required,max=64"`
	ReturnURL string `json:"return_url" validate:"required,url"`
	CancelURL string `json:"cancel_url" validate:"required,url"`
}

// CheckoutResponse is returned after a checkout session has been created or reused.
type CheckoutResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}

// EntitlementResponse describes the caller's effective subscription state.
type EntitlementResponse struct {
	Status           string  `json:"status"`
	Plan             string  `json:"plan"`
	IsPro            bool    `json:"is_pro"`
	ProSource        *string `json:"pro_source,omitempty"`
	TestProExpiresAt *string `json:"test_pro_expires_at,omitempty"`
	CurrentPeriodEnd *string `json:"current_period_end,omitempty"`
}
