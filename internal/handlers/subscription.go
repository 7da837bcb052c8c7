package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/scanvocab/backend/internal/entitlement"
	"github.com/PortNumber53/scanvocab/backend/internal/middleware"
	"github.com/PortNumber53/scanvocab/backend/internal/models"
)

// SubscriptionReader loads a user's subscription row.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// GetSubscription handles GET /api/subscription: the caller's effective
// status and whether pro features are unlocked.
func GetSubscription(reader SubscriptionReader, now func() time.Time, logger zerolog.Logger) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}

		sub, err := reader.GetSubscription(r.Context(), userID)
		if err != nil {
			logger.Error().Err(err).Str("user_id", userID).Msg("load subscription failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}

		writeJSON(w, http.StatusOK, entitlementResponse(sub, now()))
	}
}

func entitlementResponse(sub *models.Subscription, now time.Time) models.EntitlementResponse {
	if sub == nil {
		return models.EntitlementResponse{
			Status: models.SubscriptionStatusFree,
			Plan:   models.PlanFree,
		}
	}
	return models.EntitlementResponse{
		Status:           entitlement.EffectiveStatusOf(sub, now),
		Plan:             sub.Plan,
		IsPro:            entitlement.IsActiveProSubscription(sub, now),
		ProSource:        sub.ProSource,
		TestProExpiresAt: sub.TestProExpiresAt,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}
}
