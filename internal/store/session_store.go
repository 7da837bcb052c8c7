package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/scanvocab/backend/internal/models"
)

const sessionColumns = `id, user_id, plan_id, idempotency_key, status, created_at, used_at`

func scanSession(row interface{ Scan(...any) error }) (*models.SubscriptionSession, error) {
	var (
		sess   models.SubscriptionSession
		usedAt sql.NullTime
	)
	if err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.PlanID,
		&sess.IdempotencyKey,
		&sess.Status,
		&sess.CreatedAt,
		&usedAt,
	); err != nil {
		return nil, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		sess.UsedAt = &t
	}
	return &sess, nil
}

// LatestPendingSession returns the most recent pending, unused session for
// (userID, planID), or nil when there is none.
func (s *Store) LatestPendingSession(ctx context.Context, userID, planID string) (*models.SubscriptionSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM subscription_sessions
WHERE user_id = $1 AND plan_id = $2 AND status = 'pending' AND used_at IS NULL
ORDER BY created_at DESC
LIMIT 1`,
		userID, planID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest pending session: %w", err)
	}
	return sess, nil
}

// InsertSession writes a new checkout session. A duplicate idempotency key
// surfaces as a unique violation (see IsUniqueViolation).
func (s *Store) InsertSession(ctx context.Context, sess *models.SubscriptionSession) error {
	status := sess.Status
	if status == "" {
		status = models.SessionStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO subscription_sessions (id, user_id, plan_id, idempotency_key, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.UserID, sess.PlanID, sess.IdempotencyKey, status, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

// GetSession looks a session up by provider id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.SubscriptionSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM subscription_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

// MarkSessionUsed moves a pending session to used. It reports false when the
// session was not pending, which makes repeated webhooks harmless.
func (s *Store) MarkSessionUsed(ctx context.Context, id string) (bool, error) {
	return s.transitionSession(ctx, id,
		`UPDATE subscription_sessions SET status = 'used', used_at = now()
		 WHERE id = $1 AND status = 'pending'`)
}

// MarkSessionFailed moves a pending session to failed.
func (s *Store) MarkSessionFailed(ctx context.Context, id string) (bool, error) {
	return s.transitionSession(ctx, id,
		`UPDATE subscription_sessions SET status = 'failed'
		 WHERE id = $1 AND status = 'pending'`)
}

func (s *Store) transitionSession(ctx context.Context, id, query string) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("store: update session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update session %s: %w", id, err)
	}
	return affected > 0, nil
}
