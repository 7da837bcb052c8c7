// Package checkout issues provider checkout sessions without duplicate charges.
//
// Retries and concurrent requests are de-duplicated without a lock: a pending
// session younger than the fresh window lends its idempotency key to the next
// attempt, so the provider sees the same key, and the final race between two
// inserts is settled by the unique index on idempotency_key.
package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/scanvocab/backend/internal/entitlement"
	"github.com/PortNumber53/scanvocab/backend/internal/metrics"
	"github.com/PortNumber53/scanvocab/backend/internal/models"
	"github.com/PortNumber53/scanvocab/backend/internal/store"
)

const (
	DefaultFreshWindow     = 30 * time.Minute
	DefaultProviderTimeout = 15 * time.Second
	DefaultStoreTimeout    = 5 * time.Second
)

// Store is the persistence required by the manager.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	LatestPendingSession(ctx context.Context, userID, planID string) (*models.SubscriptionSession, error)
	InsertSession(ctx context.Context, session *models.SubscriptionSession) error
}

// SessionParams is what a provider needs to open a hosted checkout.
type SessionParams struct {
	PlanID         string
	Email          string
	CustomerID     string
	IdempotencyKey string
	Metadata       map[string]string
	ReturnURL      string
	CancelURL      string
}

// ProviderSession is the provider's answer to SessionParams.
type ProviderSession struct {
	ID  string
	URL string
}

// Provider creates hosted checkout sessions. Implementations must forward
// IdempotencyKey so the provider de-duplicates repeated attempts.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, params SessionParams) (*ProviderSession, error)
}

// Request is one upgrade attempt by an authenticated user.
type Request struct {
	UserID    string
	PlanID    string
	ReturnURL string
	CancelURL string
}

// Result is returned to the caller on success.
type Result struct {
	SessionID      string
	SessionURL     string
	IdempotencyKey string
	// Reused is true when the key came from a fresh pending session.
	Reused bool
}

// Manager orchestrates entitlement checks, key selection and session persistence.
type Manager struct {
	store           Store
	provider        Provider
	logger          zerolog.Logger
	now             func() time.Time
	newKey          func() string
	freshWindow     time.Duration
	providerTimeout time.Duration
	storeTimeout    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithKeyFunc overrides idempotency key generation.
func WithKeyFunc(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newKey = fn
		}
	}
}

func WithFreshWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.freshWindow = d
		}
	}
}

func WithTimeouts(provider, storage time.Duration) Option {
	return func(m *Manager) {
		if provider > 0 {
			m.providerTimeout = provider
		}
		if storage > 0 {
			m.storeTimeout = storage
		}
	}
}

// NewManager builds a Manager around a store and a provider.
func NewManager(s Store, p Provider, opts ...Option) *Manager {
	m := &Manager{
		store:           s,
		provider:        p,
		logger:          zerolog.Nop(),
		now:             time.Now,
		newKey:          uuid.NewString,
		freshWindow:     DefaultFreshWindow,
		providerTimeout: DefaultProviderTimeout,
		storeTimeout:    DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCheckoutSession opens (or re-opens) a provider checkout for req.
// The entitlement check always runs before any provider call.
func (m *Manager) CreateCheckoutSession(ctx context.Context, req Request) (*Result, error) {
	log := m.logger.With().Str("user_id", req.UserID).Str("plan_id", req.PlanID).Logger()

	sub, err := m.loadSubscription(ctx, req.UserID)
	if err != nil {
		return nil, m.fail(err)
	}

	now := m.now()
	if entitlement.IsActiveProSubscription(sub, now) {
		log.Info().Msg("checkout rejected: subscription already active")
		return nil, m.fail(ErrAlreadySubscribed)
	}

	user, err := m.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, m.fail(err)
	}

	email := user.ContactEmail()
	if email == "" {
		log.Info().Msg("checkout rejected: no verified email")
		return nil, m.fail(ErrMissingContact)
	}

	key, reused, err := m.resolveKey(ctx, req.UserID, req.PlanID, now)
	if err != nil {
		return nil, m.fail(err)
	}

	params := SessionParams{
		PlanID:         req.PlanID,
		Email:          email,
		IdempotencyKey: key,
		Metadata: map[string]string{
			"user_id": req.UserID,
			"plan_id": req.PlanID,
		},
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
	}
	if sub != nil && sub.KomojuCustomerID != nil {
		params.CustomerID = *sub.KomojuCustomerID
	}

	session, err := m.callProvider(ctx, params)
	if errors.Is(err, ErrUnknownPlan) {
		log.Info().Msg("checkout rejected: plan has no provider price")
		return nil, m.fail(err)
	}
	if err != nil {
		log.Error().Err(err).Str("idempotency_key", key).Msg("provider create session failed")
		return nil, m.fail(err)
	}

	row := &models.SubscriptionSession{
		ID:             session.ID,
		UserID:         req.UserID,
		PlanID:         req.PlanID,
		IdempotencyKey: key,
		Status:         models.SessionStatusPending,
		CreatedAt:      m.now(),
	}
	if err := m.persist(ctx, row); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("persist checkout session failed")
		return nil, m.fail(err)
	}

	outcome := metrics.CheckoutCreated
	if reused {
		outcome = metrics.CheckoutReused
	}
	metrics.ObserveCheckout(outcome)
	log.Info().Str("session_id", session.ID).Bool("reused_key", reused).Msg("checkout session issued")

	return &Result{
		SessionID:      session.ID,
		SessionURL:     session.URL,
		IdempotencyKey: key,
		Reused:         reused,
	}, nil
}

// IsFresh reports whether a pending session created at createdAt may lend its key at now.
func (m *Manager) IsFresh(createdAt, now time.Time) bool {
	return now.Sub(createdAt) < m.freshWindow
}

func (m *Manager) resolveKey(ctx context.Context, userID, planID string, now time.Time) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	latest, err := m.store.LatestPendingSession(ctx, userID, planID)
	if err != nil {
		return "", false, &StorageError{Op: "lookup pending session", Err: err}
	}
	if latest != nil && latest.UsedAt == nil && latest.IdempotencyKey != "" && m.IsFresh(latest.CreatedAt, now) {
		return latest.IdempotencyKey, true, nil
	}
	return m.newKey(), false, nil
}

func (m *Manager) callProvider(ctx context.Context, params SessionParams) (*ProviderSession, error) {
	ctx, cancel := context.WithTimeout(ctx, m.providerTimeout)
	defer cancel()

	session, err := m.provider.CreateSession(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: m.provider.Name(), Err: err}
	}
	if session == nil || session.ID == "" {
		return nil, &ProviderError{Provider: m.provider.Name(), Err: errMissingSessionID}
	}
	return session, nil
}

func (m *Manager) persist(ctx context.Context, row *models.SubscriptionSession) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	err := m.store.InsertSession(ctx, row)
	if err == nil {
		return nil
	}
	if store.IsUniqueViolation(err) {
		// A concurrent request with the same key already wrote this attempt.
		metrics.ObserveDuplicateSession()
		m.logger.Debug().Str("idempotency_key", row.IdempotencyKey).Msg("session row already present")
		return nil
	}
	return &StorageError{Op: "insert session", Err: err}
}

func (m *Manager) loadUser(ctx context.Context, userID string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, &StorageError{Op: "load user", Err: err}
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (m *Manager) loadSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	sub, err := m.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, &StorageError{Op: "load subscription", Err: err}
	}
	return sub, nil
}

func (m *Manager) fail(err error) error {
	metrics.ObserveCheckout(outcomeOf(err))
	return err
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrAlreadySubscribed):
		return metrics.CheckoutAlreadySubscribed
	case errors.Is(err, ErrMissingContact):
		return metrics.CheckoutMissingContact
	case errors.Is(err, ErrUnknownPlan):
		return metrics.CheckoutUnknownPlan
	case errors.Is(err, ErrProvider):
		return metrics.CheckoutProviderError
	case errors.Is(err, ErrStorage):
		return metrics.CheckoutStorageError
	default:
		return metrics.CheckoutRejected
	}
}
