package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/scanvocab/backend/internal/models"
)

// Store provides database-backed accessors for users, subscriptions and
// checkout sessions.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUserByID returns the user or nil when no row exists.
func (s *Store) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	var (
		u     models.User
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, email_verified, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &email, &u.EmailVerified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	u.Email = nullStringPtr(email)
	return &u, nil
}

const subscriptionColumns = `user_id, status, plan, pro_source, test_pro_expires_at,
	current_period_end, komoju_customer_id, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.Subscription, error) {
	var (
		sub        models.Subscription
		proSource  sql.NullString
		testExpiry sql.NullString
		periodEnd  sql.NullString
		customerID sql.NullString
	)
	if err := row.Scan(
		&sub.UserID,
		&sub.Status,
		&sub.Plan,
		&proSource,
		&testExpiry,
		&periodEnd,
		&customerID,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.ProSource = nullStringPtr(proSource)
	sub.TestProExpiresAt = nullStringPtr(testExpiry)
	sub.CurrentPeriodEnd = nullStringPtr(periodEnd)
	sub.KomojuCustomerID = nullStringPtr(customerID)
	return &sub, nil
}

// GetSubscription returns the user's subscription row, or nil when the user
// has never had one.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// ActivateBillingSubscription records a confirmed recurring payment: the row
// becomes active/pro with pro_source billing.
func (s *Store) ActivateBillingSubscription(ctx context.Context, userID, plan string, periodEnd, customerID *string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO subscriptions (user_id, status, plan, pro_source, current_period_end, komoju_customer_id)
VALUES ($1, 'active', $2, 'billing', $3, $4)
ON CONFLICT (user_id) DO UPDATE SET
	status = 'active',
	plan = EXCLUDED.plan,
	pro_source = 'billing',
	current_period_end = EXCLUDED.current_period_end,
	komoju_customer_id = COALESCE(EXCLUDED.komoju_customer_id, subscriptions.komoju_customer_id),
	updated_at = now()`,
		userID, plan, periodEnd, customerID,
	)
	if err != nil {
		return fmt.Errorf("store: activate subscription: %w", err)
	}
	return nil
}

// GrantTestPro gives a user an administrative pro grant. A nil expiresAt never expires.
func (s *Store) GrantTestPro(ctx context.Context, userID string, expiresAt *time.Time) error {
	var expiry *string
	if expiresAt != nil {
		v := expiresAt.UTC().Format(time.RFC3339)
		expiry = &v
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO subscriptions (user_id, status, plan, pro_source, test_pro_expires_at)
VALUES ($1, 'active', 'pro', 'test', $2)
ON CONFLICT (user_id) DO UPDATE SET
	status = 'active',
	plan = 'pro',
	pro_source = 'test',
	test_pro_expires_at = EXCLUDED.test_pro_expires_at,
	updated_at = now()`,
		userID, expiry,
	)
	if err != nil {
		return fmt.Errorf("store: grant test pro: %w", err)
	}
	return nil
}

// RevokePro marks the grant as revoked. Status and plan are left untouched so
// the billing process can roll them back later; entitlement already treats
// pro_source none as inactive.
func (s *Store) RevokePro(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET pro_source = 'none', updated_at = now() WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("store: revoke pro: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("store: revoke pro: no subscription for user %s", userID)
	}
	return nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
