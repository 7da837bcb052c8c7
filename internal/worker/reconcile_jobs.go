package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/scanvocab/backend/internal/models"
	"github.com/PortNumber53/scanvocab/backend/internal/payment"
)

// DefaultMaxAttempts bounds retries for jobs enqueued without an explicit limit.
const DefaultMaxAttempts = 8

// ErrPermanent marks a job failure that retrying cannot fix.
var ErrPermanent = errors.New("worker: permanent failure")

// ReconcileStore is the persistence the reconciliation job needs.
type ReconcileStore interface {
	GetSession(ctx context.Context, id string) (*models.SubscriptionSession, error)
	MarkSessionUsed(ctx context.Context, id string) (bool, error)
	MarkSessionFailed(ctx context.Context, id string) (bool, error)
	ActivateBillingSubscription(ctx context.Context, userID, plan string, periodEnd, customerID *string) error
}

// RegisterReconcileJobs registers the payment_reconcile handler.
func RegisterReconcileJobs(w *Worker, s ReconcileStore, logger zerolog.Logger) {
	w.RegisterHandler(models.JobTypePaymentReconcile, reconcileHandler(s, logger))
}

// NewReconcileJob builds the job a webhook enqueues for a classified payment.
func NewReconcileJob(res models.PaymentResult) *models.Job {
	return &models.Job{
		JobType:     models.JobTypePaymentReconcile,
		Payload:     res.ToJSONB(),
		MaxAttempts: DefaultMaxAttempts,
	}
}

// reconcileHandler applies a provider's payment verdict to the session and
// subscription rows. Every branch is safe to repeat: session transitions are
// guarded by status = 'pending' and activation is an upsert.
func reconcileHandler(s ReconcileStore, logger zerolog.Logger) Handler {
	return func(ctx context.Context, job *models.Job) error {
		res, err := models.PaymentResultFromJSONB(job.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}

		log := logger.With().
			Int64("job_id", job.ID).
			Str("provider", res.Provider).
			Str("session_id", res.SessionID).
			Str("outcome", res.Outcome).
			Logger()

		// The webhook can beat the checkout insert; a missing row is retried.
		sess, err := s.GetSession(ctx, res.SessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", res.SessionID, err)
		}

		switch payment.Outcome(res.Outcome) {
		case payment.OutcomeConfirmed:
			if sess.Status == models.SessionStatusUsed {
				log.Info().Msg("session already used, nothing to do")
				return nil
			}
			if err := s.ActivateBillingSubscription(ctx, sess.UserID, models.PlanPro,
				optional(res.CurrentPeriodEnd), optional(res.CustomerID)); err != nil {
				return fmt.Errorf("activate subscription: %w", err)
			}
			if _, err := s.MarkSessionUsed(ctx, sess.ID); err != nil {
				return fmt.Errorf("mark session used: %w", err)
			}
			log.Info().Str("user_id", sess.UserID).Msg("subscription activated")

		case payment.OutcomeFailed:
			changed, err := s.MarkSessionFailed(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("mark session failed: %w", err)
			}
			log.Info().Bool("changed", changed).Str("raw_status", res.RawStatus).Msg("payment failed")

		default:
			log.Debug().Str("raw_status", res.RawStatus).Msg("payment still pending")
		}
		return nil
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
