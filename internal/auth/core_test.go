package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/models"
	redisrepo "authcore/internal/repository/redis"
	"authcore/internal/session"
)

type fakeSessionRepo struct {
	rows map[string]*models.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{rows: make(map[string]*models.Session)}
}

func (r *fakeSessionRepo) Insert(_ context.Context, s *models.Session) error {
	cp := *s
	r.rows[s.ExternalID] = &cp
	return nil
}

func (r *fakeSessionRepo) GetByExternalID(_ context.Context, externalID string) (*models.Session, error) {
	row, ok := r.rows[externalID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *fakeSessionRepo) Touch(_ context.Context, s *models.Session, at time.Time) error {
	if row, ok := r.rows[s.ExternalID]; ok {
		row.LastActiveAt = at
	}
	return nil
}

func (r *fakeSessionRepo) Replace(_ context.Context, oldExternalID string, s *models.Session) error {
	delete(r.rows, oldExternalID)
	cp := *s
	r.rows[s.ExternalID] = &cp
	return nil
}

func (r *fakeSessionRepo) Delete(_ context.Context, s *models.Session) error {
	delete(r.rows, s.ExternalID)
	return nil
}

func (r *fakeSessionRepo) DeleteAllForUser(_ context.Context, userID string) error {
	for id, row := range r.rows {
		if row.UserID == userID {
			delete(r.rows, id)
		}
	}
	return nil
}

func (r *fakeSessionRepo) DeleteIdleSince(_ context.Context, cutoff time.Time) (int, error) {
	n := 0
	for id, row := range r.rows {
		if row.LastActiveAt.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type fakeLocker struct{}

func (fakeLocker) AcquireCleanupLock(context.Context, time.Duration) (bool, error) {
	return false, nil
}

type fakeState struct {
	data map[string]map[string]any
}

func newFakeState() *fakeState {
	return &fakeState{data: make(map[string]map[string]any)}
}

func (s *fakeState) Get(_ context.Context, externalID string) (map[string]any, error) {
	state, ok := s.data[externalID]
	if !ok {
		return nil, redisrepo.ErrStateNotFound
	}
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	return cp, nil
}

func (s *fakeState) Set(_ context.Context, externalID string, state map[string]any, _ time.Duration) error {
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	s.data[externalID] = cp
	return nil
}

func (s *fakeState) Delete(_ context.Context, externalID string) error {
	delete(s.data, externalID)
	return nil
}

func (s *fakeState) UpdateField(_ context.Context, externalID, field string, value any, _ time.Duration) error {
	state, ok := s.data[externalID]
	if !ok {
		state = make(map[string]any)
		s.data[externalID] = state
	}
	state[field] = value
	return nil
}

func (s *fakeState) DeleteField(_ context.Context, externalID, field string, _ time.Duration) error {
	if state, ok := s.data[externalID]; ok {
		delete(state, field)
	}
	return nil
}

func testHarness(t *testing.T) (*Core, *fakeSessionRepo, *fakeState) {
	t.Helper()

	cfg := config.AuthConfig{
		SessionTimeout:  15 * time.Minute,
		ActivityRefresh: 5 * time.Minute,
		RotationPeriod:  4 * time.Hour,
		CleanupInterval: time.Hour,
		CookieLifetime:  24 * time.Hour,
	}

	repo := newFakeSessionRepo()
	state := newFakeState()
	sessions := session.NewStore(cfg, repo, fakeLocker{}, zap.NewNop())

	return NewCore(cfg, sessions, state, zap.NewNop()), repo, state
}

func testPrincipal() *Principal {
	return &Principal{
		UserID:      "u1",
		Username:    "alice",
		Email:       "alice@example.com",
		Permissions: []string{"content.edit"},
	}
}

func TestLoginLogoffLifecycle(t *testing.T) {
	core, repo, state := testHarness(t)
	ctx := context.Background()

	// Anonymous before login.
	res, err := core.Resolve(ctx, "pre-login-id")
	require.NoError(t, err)
	assert.Equal(t, StatusAnonymous, res.Status)
	assert.Nil(t, res.Principal)

	newID, err := core.Login(ctx, "pre-login-id", testPrincipal())
	require.NoError(t, err)
	assert.NotEmpty(t, newID)
	assert.NotEqual(t, "pre-login-id", newID, "login regenerates the identifier")
	assert.NotNil(t, repo.rows[newID], "session row created")

	res, err = core.Resolve(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, res.Status)
	require.NotNil(t, res.Principal)
	assert.Equal(t, "u1", res.Principal.UserID)
	assert.Equal(t, "alice", res.Principal.Username)
	assert.Equal(t, []string{"content.edit"}, res.Principal.Permissions)
	assert.True(t, res.Principal.HasPermission("content.edit"))
	assert.False(t, res.Principal.HasPermission("admin"))

	loggedOffID, err := core.Logoff(ctx, newID)
	require.NoError(t, err)
	assert.NotEqual(t, newID, loggedOffID)
	assert.Nil(t, repo.rows[newID], "session row deleted")
	assert.NotContains(t, state.data, newID, "request state dropped")

	res, err = core.Resolve(ctx, loggedOffID)
	require.NoError(t, err)
	assert.Equal(t, StatusAnonymous, res.Status)
	assert.Nil(t, res.Principal)
}

func TestLoginDestroysPreviousSession(t *testing.T) {
	core, repo, _ := testHarness(t)
	ctx := context.Background()

	firstID, err := core.Login(ctx, "", testPrincipal())
	require.NoError(t, err)

	secondID, err := core.Login(ctx, firstID, testPrincipal())
	require.NoError(t, err)

	assert.Nil(t, repo.rows[firstID])
	assert.NotNil(t, repo.rows[secondID])
}

func TestResolveExpiry(t *testing.T) {
	core, repo, state := testHarness(t)
	ctx := context.Background()

	id, err := core.Login(ctx, "", testPrincipal())
	require.NoError(t, err)

	// Age the row past the idle timeout.
	repo.rows[id].LastActiveAt = time.Now().UTC().Add(-16 * time.Minute)

	res, err := core.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
	assert.Nil(t, res.Principal)
	assert.Equal(t, SessionTimedOutMessage, res.Message)
	assert.Nil(t, repo.rows[id], "expired row deleted")

	// The auth payload is gone but the state (csrf secret, message)
	// survives; the next resolution is plain anonymous.
	assert.NotContains(t, state.data[id], "auth")

	res, err = core.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAnonymous, res.Status)
	assert.Empty(t, res.Message)
}

func TestResolveMissingRowExpires(t *testing.T) {
	core, repo, _ := testHarness(t)
	ctx := context.Background()

	id, err := core.Login(ctx, "", testPrincipal())
	require.NoError(t, err)

	// Simulate an out-of-band invalidation (password change elsewhere).
	delete(repo.rows, id)

	res, err := core.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
	assert.Equal(t, SessionTimedOutMessage, res.Message)
}

func TestResolveRotationMovesState(t *testing.T) {
	core, repo, state := testHarness(t)
	ctx := context.Background()

	id, err := core.Login(ctx, "", testPrincipal())
	require.NoError(t, err)

	// Age the session past the rotation period while keeping it active.
	repo.rows[id].StartedAt = time.Now().UTC().Add(-5 * time.Hour)

	res, err := core.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, res.Status)
	assert.True(t, res.Rotated)
	assert.NotEqual(t, id, res.ExternalID)

	assert.NotContains(t, state.data, id, "old state removed")
	assert.Contains(t, state.data, res.ExternalID, "state follows the new identifier")

	// The rotated identifier resolves without further rotation.
	res2, err := core.Resolve(ctx, res.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, res2.Status)
	assert.False(t, res2.Rotated)
}

func TestInvalidateSessions(t *testing.T) {
	core, repo, _ := testHarness(t)
	ctx := context.Background()

	id1, err := core.Login(ctx, "", testPrincipal())
	require.NoError(t, err)
	id2, err := core.Login(ctx, "", testPrincipal())
	require.NoError(t, err)

	require.NoError(t, core.InvalidateSessions(ctx, "u1"))

	assert.Nil(t, repo.rows[id1])
	assert.Nil(t, repo.rows[id2])
}

func TestCSRFSecretStableAndSeeded(t *testing.T) {
	core, _, _ := testHarness(t)
	ctx := context.Background()

	secret, err := core.CSRFSecret(ctx, "anon-1")
	require.NoError(t, err)
	require.Len(t, secret, 16)

	again, err := core.CSRFSecret(ctx, "anon-1")
	require.NoError(t, err)
	assert.Equal(t, secret, again, "secret is stable per identifier")

	other, err := core.CSRFSecret(ctx, "anon-2")
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}

func TestConsumeMessage(t *testing.T) {
	core, repo, _ := testHarness(t)
	ctx := context.Background()

	id, err := core.Login(ctx, "", testPrincipal())
	require.NoError(t, err)
	repo.rows[id].LastActiveAt = time.Now().UTC().Add(-16 * time.Minute)

	_, err = core.Resolve(ctx, id)
	require.NoError(t, err)

	msg, err := core.ConsumeMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SessionTimedOutMessage, msg)

	msg, err = core.ConsumeMessage(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, msg, "message is consumed once")
}
