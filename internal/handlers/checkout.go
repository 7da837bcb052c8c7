package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/scanvocab/backend/internal/checkout"
	"github.com/PortNumber53/scanvocab/backend/internal/middleware"
	"github.com/PortNumber53/scanvocab/backend/internal/models"
)

// CheckoutCreator opens checkout sessions. *checkout.Manager satisfies it.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateCheckout handles POST /api/subscription/checkout for the authenticated user.
func CreateCheckout(creator CheckoutCreator, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}

		var body models.CheckoutRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
			return
		}
		if err := validate.Struct(body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
			return
		}

		res, err := creator.CreateCheckoutSession(r.Context(), checkout.Request{
			UserID:    userID,
			PlanID:    body.PlanID,
			ReturnURL: body.ReturnURL,
			CancelURL: body.CancelURL,
		})
		if err != nil {
			status, code, msg := checkoutErrorResponse(err)
			if status >= http.StatusInternalServerError {
				logger.Error().Err(err).Str("user_id", userID).Str("plan_id", body.PlanID).Msg("checkout failed")
			}
			writeError(w, status, code, msg)
			return
		}

		writeJSON(w, http.StatusOK, models.CheckoutResponse{
			SessionID:  res.SessionID,
			SessionURL: res.SessionURL,
		})
	}
}

// checkoutErrorResponse maps manager errors to HTTP responses. Provider and
// storage details stay in the logs.
func checkoutErrorResponse(err error) (int, string, string) {
	switch {
	case errors.Is(err, checkout.ErrAlreadySubscribed):
		return http.StatusConflict, "already_subscribed", "subscription is already active"
	case errors.Is(err, checkout.ErrMissingContact):
		return http.StatusUnprocessableEntity, "missing_contact", "a verified email address is required"
	case errors.Is(err, checkout.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found", "user not found"
	case errors.Is(err, checkout.ErrUnknownPlan):
		return http.StatusBadRequest, "unknown_plan", "unknown plan"
	case errors.Is(err, checkout.ErrProvider):
		return http.StatusBadGateway, "provider_error", "payment provider is unavailable, please retry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be a valid URL"
	default:
		return fe.Field() + " is invalid"
	}
}
