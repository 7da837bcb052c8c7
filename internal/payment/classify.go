// Package payment classifies free-form payment gateway statuses.
package payment

import "strings"

// Outcome is the settled state of a provider payment as seen locally.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

var confirmedStatuses = map[string]struct{}{
	"captured":  {},
	"completed": {},
	"complete":  {},
	"paid":      {},
}

var failedStatuses = map[string]struct{}{
	"failed":    {},
	"declined":  {},
	"expired":   {},
	"cancelled": {},
	"canceled":  {},
	"rejected":  {},
}

// Classify maps a gateway status onto an Outcome. Blank and unrecognised
// statuses (e.g. "authorized") are pending, never settled.
func Classify(status string) Outcome {
	normalized := strings.ToLower(strings.TrimSpace(status))
	if normalized == "" {
		return OutcomePending
	}
	if _, ok := confirmedStatuses[normalized]; ok {
		return OutcomeConfirmed
	}
	if _, ok := failedStatuses[normalized]; ok {
		return OutcomeFailed
	}
	return OutcomePending
}

// ClassifyPtr is Classify for an optional status.
func ClassifyPtr(status *string) Outcome {
	if status == nil {
		return OutcomePending
	}
	return Classify(*status)
}

// Settled reports whether the outcome is final.
func (o Outcome) Settled() bool {
	return o == OutcomeConfirmed || o == OutcomeFailed
}
