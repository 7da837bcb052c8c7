// Package entitlement decides whether a subscription record grants pro access.
//
// Access is never derived from a single flag. A record grants pro only when
// status is active, plan is pro, and the expiry rule of its grant source holds:
//
//	test     -> test_pro_expires_at absent or after now
//	billing  -> current_period_end absent or after now
//	none     -> never (explicit revocation)
//	(absent) -> legacy row, same rule as billing
//
// Malformed expiry timestamps are treated as not ended so that bad data does
// not lock out a paying user. Revocation through pro_source = none is never
// overridden.
package entitlement

import (
	"strings"
	"time"

	"github.com/PortNumber53/scanvocab/backend/internal/models"
)

// ProSource is the resolved origin of a pro grant.
type ProSource int

const (
	// ProSourceUnresolved covers rows written before pro_source existed and any
	// value this version does not recognise.
	ProSourceUnresolved ProSource = iota
	ProSourceNone
	ProSourceBilling
	ProSourceTest
)

func (p ProSource) String() string {
	switch p {
	case ProSourceNone:
		return models.ProSourceNone
	case ProSourceBilling:
		return models.ProSourceBilling
	case ProSourceTest:
		return models.ProSourceTest
	default:
		return "unresolved"
	}
}

// ResolveProSource maps the stored column onto a ProSource.
func ResolveProSource(raw *string) ProSource {
	if raw == nil {
		return ProSourceUnresolved
	}
	switch *raw {
	case models.ProSourceNone:
		return ProSourceNone
	case models.ProSourceBilling:
		return ProSourceBilling
	case models.ProSourceTest:
		return ProSourceTest
	default:
		return ProSourceUnresolved
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	// Postgres timestamptz text output uses short offsets like +00 or +0900.
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05-0700",
	"2006-01-02T15:04:05.999999999-07",
	"2006-01-02T15:04:05-07",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a stored expiry value. Values without a zone are UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsPeriodEnded reports whether end <= now. An absent or unparseable value is
// never considered ended.
func IsPeriodEnded(end *string, now time.Time) bool {
	if end == nil {
		return false
	}
	t, ok := ParseTimestamp(*end)
	if !ok {
		return false
	}
	return !t.After(now)
}

// grantLive applies the expiry rule of the resolved source.
func grantLive(source ProSource, testProExpiresAt, currentPeriodEnd *string, now time.Time) bool {
	switch source {
	case ProSourceNone:
		return false
	case ProSourceTest:
		return !IsPeriodEnded(testProExpiresAt, now)
	default:
		// billing and legacy rows share the period-end rule
		return !IsPeriodEnded(currentPeriodEnd, now)
	}
}

// IsActiveProSubscription reports whether sub grants pro access at now.
// A nil subscription (user without a row) is never active.
func IsActiveProSubscription(sub *models.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	if sub.Status != models.SubscriptionStatusActive || sub.Plan != models.PlanPro {
		return false
	}
	return grantLive(ResolveProSource(sub.ProSource), sub.TestProExpiresAt, sub.CurrentPeriodEnd, now)
}

// NormalizeStatus collapses unknown status values to free.
func NormalizeStatus(status string) string {
	switch status {
	case models.SubscriptionStatusFree,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusCancelled,
		models.SubscriptionStatusPastDue:
		return status
	default:
		return models.SubscriptionStatusFree
	}
}

// EffectiveStatus returns the status a client should see. An active pro
// record whose grant has lapsed or been revoked is reported as cancelled.
func EffectiveStatus(status, plan string, proSource, testProExpiresAt, currentPeriodEnd *string, now time.Time) string {
	normalized := NormalizeStatus(status)
	if normalized != models.SubscriptionStatusActive || plan != models.PlanPro {
		return normalized
	}
	if !grantLive(ResolveProSource(proSource), testProExpiresAt, currentPeriodEnd, now) {
		return models.SubscriptionStatusCancelled
	}
	return normalized
}

// EffectiveStatusOf is EffectiveStatus for a stored record. A missing record is free.
func EffectiveStatusOf(sub *models.Subscription, now time.Time) string {
	if sub == nil {
		return models.SubscriptionStatusFree
	}
	return EffectiveStatus(sub.Status, sub.Plan, sub.ProSource, sub.TestProExpiresAt, sub.CurrentPeriodEnd, now)
}
