package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/scanvocab/backend/internal/komoju"
	"github.com/PortNumber53/scanvocab/backend/internal/metrics"
	"github.com/PortNumber53/scanvocab/backend/internal/models"
	"github.com/PortNumber53/scanvocab/backend/internal/payment"
	stripeClient "github.com/PortNumber53/scanvocab/backend/internal/stripe"
	"github.com/PortNumber53/scanvocab/backend/internal/worker"
)

const maxWebhookBody = 1 << 20

// JobEnqueuer queues background work. *worker.Worker satisfies it.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// StripeWebhookParser verifies and decodes Stripe events. *stripe.Client satisfies it.
type StripeWebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*stripeClient.SessionEvent, error)
}

// KomojuWebhook handles POST /api/webhooks/komoju. The status is classified
// here and applied asynchronously by the payment_reconcile job.
func KomojuWebhook(secret string, jobs JobEnqueuer, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "unable to read body")
			return
		}

		if err := komoju.VerifyWebhook(secret, body, r.Header.Get(komoju.SignatureHeader)); err != nil {
			logger.Warn().Msg("komoju webhook: invalid signature")
			writeError(w, http.StatusUnauthorized, "invalid_signature", "invalid signature")
			return
		}

		event, err := komoju.ParseWebhookEvent(body)
		if errors.Is(err, komoju.ErrMissingSession) {
			// Not a checkout event; acknowledge so KOMOJU stops redelivering.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_event", "unable to parse event")
			return
		}

		enqueueReconcile(w, r, jobs, logger, models.PaymentResult{
			Provider:         "komoju",
			SessionID:        event.SessionID(),
			RawStatus:        event.Status(),
			CustomerID:       event.Data.Customer,
			CurrentPeriodEnd: event.Data.CurrentPeriodEndAt,
		})
	}
}

// StripeWebhook handles POST /api/webhooks/stripe.
func StripeWebhook(parser StripeWebhookParser, jobs JobEnqueuer, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "unable to read body")
			return
		}

		event, err := parser.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			logger.Warn().Err(err).Msg("stripe webhook rejected")
			writeError(w, http.StatusBadRequest, "invalid_signature", "invalid signature")
			return
		}
		if event == nil || event.SessionID == "" {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		enqueueReconcile(w, r, jobs, logger, models.PaymentResult{
			Provider:   "stripe",
			SessionID:  event.SessionID,
			RawStatus:  event.RawStatus,
			CustomerID: event.CustomerID,
		})
	}
}

func enqueueReconcile(w http.ResponseWriter, r *http.Request, jobs JobEnqueuer, logger zerolog.Logger, res models.PaymentResult) {
	outcome := payment.Classify(res.RawStatus)
	res.Outcome = string(outcome)
	metrics.ObservePaymentOutcome(res.Provider, res.Outcome)

	log := logger.With().
		Str("provider", res.Provider).
		Str("session_id", res.SessionID).
		Str("raw_status", res.RawStatus).
		Str("outcome", res.Outcome).
		Logger()

	if !outcome.Settled() {
		log.Debug().Msg("payment not settled yet")
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}

	if err := jobs.Enqueue(r.Context(), worker.NewReconcileJob(res)); err != nil {
		log.Error().Err(err).Msg("enqueue reconcile job failed")
		// A 5xx makes the provider redeliver.
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	log.Info().Msg("payment reconcile queued")
	writeJSON(w, http.StatusOK, map[string]string{"status": res.Outcome})
}
