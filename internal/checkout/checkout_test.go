package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/scanvocab/backend/internal/metrics"
	"github.com/PortNumber53/scanvocab/backend/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	user      *models.User
	sub       *models.Subscription
	sessions  []*models.SubscriptionSession
	userErr   error
	lookupErr error
	insertErr error
	inserts   int
}

func (f *fakeStore) GetUserByID(_ context.Context, _ string) (*models.User, error) {
	return f.user, f.userErr
}

func (f *fakeStore) GetSubscription(_ context.Context, _ string) (*models.Subscription, error) {
	return f.sub, nil
}

func (f *fakeStore) LatestPendingSession(_ context.Context, userID, planID string) (*models.SubscriptionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	var latest *models.SubscriptionSession
	for _, s := range f.sessions {
		if s.UserID != userID || s.PlanID != planID || s.Status != models.SessionStatusPending || s.UsedAt != nil {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, nil
}

func (f *fakeStore) InsertSession(_ context.Context, sess *models.SubscriptionSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, existing := range f.sessions {
		if existing.IdempotencyKey == sess.IdempotencyKey || existing.ID == sess.ID {
			return fmt.Errorf("store: insert session: %w", &pq.Error{Code: "23505"})
		}
	}
	copied := *sess
	f.sessions = append(f.sessions, &copied)
	return nil
}

func (f *fakeStore) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// fakeProvider de-duplicates on idempotency key the way a real gateway does.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []SessionParams
	byKey   map[string]*ProviderSession
	err     error
	empty   bool
	counter int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateSession(_ context.Context, params SessionParams) (*ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, params)
	if p.err != nil {
		return nil, p.err
	}
	if p.empty {
		return &ProviderSession{}, nil
	}
	if p.byKey == nil {
		p.byKey = map[string]*ProviderSession{}
	}
	if s, ok := p.byKey[params.IdempotencyKey]; ok {
		return s, nil
	}
	p.counter++
	s := &ProviderSession{
		ID:  fmt.Sprintf("sess_%d", p.counter),
		URL: fmt.Sprintf("https://pay.example.com/sessions/%d", p.counter),
	}
	p.byKey[params.IdempotencyKey] = s
	return s, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialKeys() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("key-%d", n)
	}
}

func verifiedUser() *models.User {
	email := "learner@example.com"
	return &models.User{ID: "u1", Email: &email, EmailVerified: true}
}

func strPtr(s string) *string { return &s }

func newTestManager(st *fakeStore, p *fakeProvider, c *clock) *Manager {
	return NewManager(st, p, WithClock(c.Now), WithKeyFunc(sequentialKeys()))
}

func request() Request {
	return Request{
		UserID:    "u1",
		PlanID:    "pro",
		ReturnURL: "https://app.example.com/billing/success",
		CancelURL: "https://app.example.com/billing/cancel",
	}
}

func TestCreateCheckoutSessionHappyPath(t *testing.T) {
	st := &fakeStore{user: verifiedUser(), sub: &models.Subscription{
		UserID: "u1", Status: "free", Plan: "free", KomojuCustomerID: strPtr("cus_9"),
	}}
	p := &fakeProvider{}
	c := &clock{now: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)}

	res, err := newTestManager(st, p, c).CreateCheckoutSession(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "sess_1", res.SessionID)
	assert.Equal(t, "https://pay.example.com/sessions/1", res.SessionURL)
	assert.Equal(t, "key-1", res.IdempotencyKey)
	assert.False(t, res.Reused)

	require.Len(t, p.calls, 1)
	call := p.calls[0]
	assert.Equal(t, "learner@example.com", call.Email)
	assert.Equal(t, "cus_9", call.CustomerID)
	assert.Equal(t, "pro", call.PlanID)
	assert.Equal(t, "u1", call.Metadata["user_id"])
	assert.Equal(t, "https://app.example.com/billing/success", call.ReturnURL)
	assert.Equal(t, "https://app.example.com/billing/cancel", call.CancelURL)

	require.Equal(t, 1, st.rows())
	row := st.sessions[0]
	assert.Equal(t, models.SessionStatusPending, row.Status)
	assert.Equal(t, "key-1", row.IdempotencyKey)
	assert.Nil(t, row.UsedAt)
}

func TestCreateCheckoutSessionRejectsActivePro(t *testing.T) {
	st := &fakeStore{user: verifiedUser(), sub: &models.Subscription{
		UserID: "u1", Status: "active", Plan: "pro", ProSource: strPtr("billing"),
		CurrentPeriodEnd: strPtr("2026-03-01T00:00:00Z"),
	}}
	p := &fakeProvider{}
	c := &clock{now: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)}

	_, err := newTestManager(st, p, c).CreateCheckoutSession(context.Background(), request())
	require.ErrorIs(t, err, ErrAlreadySubscribed)
	assert.Empty(t, p.calls, "no provider call once entitlement is active")
	assert.Zero(t, st.inserts)
}

func TestEntitlementRejectionPrecedesUserLookup(t *testing.T) {
	st := &fakeStore{
		sub: &models.Subscription{
			UserID: "u1", Status: "active", Plan: "pro", ProSource: strPtr("test"),
		},
		userErr: errors.New("users table unavailable"),
	}
	p := &fakeProvider{}

	_, err := newTestManager(st, p, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
	require.ErrorIs(t, err, ErrAlreadySubscribed)
	assert.NotErrorIs(t, err, ErrStorage)
	assert.Empty(t, p.calls)
}

func TestUnknownPlanIsClientError(t *testing.T) {
	st := &fakeStore{user: verifiedUser()}
	p := &fakeProvider{err: fmt.Errorf("komoju: %w: %q", ErrUnknownPlan, "gold")}

	_, err := newTestManager(st, p, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
	require.ErrorIs(t, err, ErrUnknownPlan)
	assert.Equal(t, metrics.CheckoutUnknownPlan, outcomeOf(err))
	assert.Equal(t, metrics.CheckoutProviderError, outcomeOf(&ProviderError{Provider: "fake", Err: errors.New("boom")}))
	assert.Zero(t, st.inserts)
}

func TestCreateCheckoutSessionAllowsLapsedOrRevokedPro(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	subs := []*models.Subscription{
		{UserID: "u1", Status: "active", Plan: "pro", ProSource: strPtr("test"), TestProExpiresAt: strPtr("2026-01-01T00:00:00Z")},
		{UserID: "u1", Status: "active", Plan: "pro", ProSource: strPtr("none")},
		{UserID: "u1", Status: "active", Plan: "pro", CurrentPeriodEnd: strPtr("2026-02-01T00:00:00Z")},
	}
	for i, sub := range subs {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			st := &fakeStore{user: verifiedUser(), sub: sub}
			p := &fakeProvider{}
			_, err := newTestManager(st, p, &clock{now: now}).CreateCheckoutSession(context.Background(), request())
			require.NoError(t, err)
			assert.Len(t, p.calls, 1)
		})
	}
}

func TestCreateCheckoutSessionRequiresVerifiedEmail(t *testing.T) {
	cases := map[string]*models.User{
		"no email":   {ID: "u1"},
		"unverified": {ID: "u1", Email: strPtr("learner@example.com")},
	}
	for name, user := range cases {
		t.Run(name, func(t *testing.T) {
			st := &fakeStore{user: user}
			p := &fakeProvider{}
			_, err := newTestManager(st, p, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
			require.ErrorIs(t, err, ErrMissingContact)
			assert.Empty(t, p.calls)
		})
	}
}

func TestCreateCheckoutSessionUnknownUser(t *testing.T) {
	st := &fakeStore{}
	_, err := newTestManager(st, &fakeProvider{}, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestIdempotencyKeyReuseWindow(t *testing.T) {
	st := &fakeStore{user: verifiedUser()}
	p := &fakeProvider{}
	c := &clock{now: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(st, p, c)

	first, err := m.CreateCheckoutSession(context.Background(), request())
	require.NoError(t, err)

	c.Advance(29 * time.Minute)
	second, err := m.CreateCheckoutSession(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, first.SessionID, second.SessionID, "provider de-duplicates on the shared key")
	assert.True(t, second.Reused)
	assert.Equal(t, 1, st.rows(), "duplicate insert is swallowed")

	c.Advance(2 * time.Minute) // 31 minutes after the first call
	third, err := m.CreateCheckoutSession(context.Background(), request())
	require.NoError(t, err)
	assert.NotEqual(t, first.IdempotencyKey, third.IdempotencyKey)
	assert.False(t, third.Reused)
	assert.Equal(t, 2, st.rows())
}

func TestFreshnessBoundaryIsExclusive(t *testing.T) {
	m := NewManager(&fakeStore{}, &fakeProvider{})
	created := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)

	assert.True(t, m.IsFresh(created, created.Add(30*time.Minute-time.Nanosecond)))
	assert.False(t, m.IsFresh(created, created.Add(30*time.Minute)))
}

func TestKeysAreScopedPerPlan(t *testing.T) {
	st := &fakeStore{user: verifiedUser()}
	p := &fakeProvider{}
	m := newTestManager(st, p, &clock{now: time.Now()})

	a, err := m.CreateCheckoutSession(context.Background(), request())
	require.NoError(t, err)

	other := request()
	other.PlanID = "pro_annual"
	b, err := m.CreateCheckoutSession(context.Background(), other)
	require.NoError(t, err)

	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
}

func TestConcurrentDuplicateInsertsYieldOneRow(t *testing.T) {
	st := &fakeStore{user: verifiedUser()}
	p := &fakeProvider{}
	c := &clock{now: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)}
	// Every request resolves the same key, as two racing requests would after
	// both reading the same fresh pending row.
	m := NewManager(st, p, WithClock(c.Now), WithKeyFunc(func() string { return "shared-key" }))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	results := make([]*Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.CreateCheckoutSession(context.Background(), request())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "sess_1", results[i].SessionID)
	}
	assert.Equal(t, 1, st.rows())
	assert.Equal(t, callers, st.inserts)
}

func TestProviderFailureIsNotRetried(t *testing.T) {
	st := &fakeStore{user: verifiedUser()}
	p := &fakeProvider{err: errors.New("gateway timeout")}

	_, err := newTestManager(st, p, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
	require.ErrorIs(t, err, ErrProvider)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fake", perr.Provider)
	assert.Len(t, p.calls, 1)
	assert.Zero(t, st.inserts)
}

func TestProviderWithoutSessionIDFails(t *testing.T) {
	st := &fakeStore{user: verifiedUser()}
	p := &fakeProvider{empty: true}

	_, err := newTestManager(st, p, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
	require.ErrorIs(t, err, ErrProvider)
	assert.Zero(t, st.inserts)
}

func TestStorageFailuresArePropagated(t *testing.T) {
	t.Run("insert", func(t *testing.T) {
		st := &fakeStore{user: verifiedUser(), insertErr: errors.New("connection reset")}
		_, err := newTestManager(st, &fakeProvider{}, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
		require.ErrorIs(t, err, ErrStorage)
		assert.NotErrorIs(t, err, ErrProvider)
	})

	t.Run("lookup", func(t *testing.T) {
		st := &fakeStore{user: verifiedUser(), lookupErr: errors.New("timeout")}
		p := &fakeProvider{}
		_, err := newTestManager(st, p, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
		require.ErrorIs(t, err, ErrStorage)
		assert.Empty(t, p.calls)
	})

	t.Run("user", func(t *testing.T) {
		st := &fakeStore{userErr: errors.New("timeout")}
		_, err := newTestManager(st, &fakeProvider{}, &clock{now: time.Now()}).CreateCheckoutSession(context.Background(), request())
		require.ErrorIs(t, err, ErrStorage)
	})
}

func TestUsedSessionIsNotReused(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	used := now.Add(-time.Minute)
	st := &fakeStore{user: verifiedUser(), sessions: []*models.SubscriptionSession{{
		ID: "sess_old", UserID: "u1", PlanID: "pro", IdempotencyKey: "old-key",
		Status: models.SessionStatusUsed, CreatedAt: now.Add(-5 * time.Minute), UsedAt: &used,
	}}}

	res, err := newTestManager(st, &fakeProvider{}, &clock{now: now}).CreateCheckoutSession(context.Background(), request())
	require.NoError(t, err)
	assert.NotEqual(t, "old-key", res.IdempotencyKey)
}

func TestProviderCallHasDeadline(t *testing.T) {
	st := &fakeStore{user: verifiedUser()}
	var deadline time.Time
	var hasDeadline bool
	p := &deadlineProvider{fn: func(ctx context.Context) {
		deadline, hasDeadline = ctx.Deadline()
	}}
	start := time.Now()
	m := NewManager(st, p, WithTimeouts(2*time.Second, time.Second))

	_, err := m.CreateCheckoutSession(context.Background(), request())
	require.NoError(t, err)
	require.True(t, hasDeadline)
	assert.WithinDuration(t, start.Add(2*time.Second), deadline, time.Second)
}

type deadlineProvider struct {
	fn func(ctx context.Context)
}

func (p *deadlineProvider) Name() string { return "deadline" }

func (p *deadlineProvider) CreateSession(ctx context.Context, _ SessionParams) (*ProviderSession, error) {
	p.fn(ctx)
	return &ProviderSession{ID: "sess_deadline", URL: "https://pay.example.com/d"}, nil
}
