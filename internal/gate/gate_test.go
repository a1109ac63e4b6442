package gate

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authcore/internal/auth"
	"authcore/internal/blacklist"
	"authcore/internal/config"
	"authcore/internal/csrf"
	"authcore/internal/models"
	redisrepo "authcore/internal/repository/redis"
	"authcore/internal/session"
	"authcore/internal/token"
)

type fakeSessionRepo struct {
	rows      map[string]*models.Session
	deleteErr error
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
	if r.deleteErr != nil {
		return r.deleteErr
	}
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

func (r *fakeSessionRepo) DeleteIdleSince(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

type fakeLocker struct {
	calls int
}

func (l *fakeLocker) AcquireCleanupLock(context.Context, time.Duration) (bool, error) {
	l.calls++
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
	s.data[externalID] = state
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

type fakeBlacklistRepo struct {
	severitiesByIP map[string]int
	inserted       []*models.BlacklistEntry
	insertErr      error
}

func (r *fakeBlacklistRepo) Insert(_ context.Context, entry *models.BlacklistEntry) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	cp := *entry
	r.inserted = append(r.inserted, &cp)
	return nil
}

func (r *fakeBlacklistRepo) SeveritiesByIP(_ context.Context, ip string, _ time.Time) (map[string]int, error) {
	if sev, ok := r.severitiesByIP[ip]; ok {
		return map[string]int{"seed": sev}, nil
	}
	return map[string]int{}, nil
}

func (r *fakeBlacklistRepo) SeveritiesByUser(_ context.Context, _ string, _ time.Time) (map[string]int, error) {
	return map[string]int{}, nil
}

func (r *fakeBlacklistRepo) PurgeBefore(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

type harness struct {
	gate     *Gate
	core     *auth.Core
	sessions *fakeSessionRepo
	state    *fakeState
	blocked  *fakeBlacklistRepo
	locker   *fakeLocker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	authCfg := config.AuthConfig{
		SessionTimeout:  15 * time.Minute,
		ActivityRefresh: 5 * time.Minute,
		RotationPeriod:  4 * time.Hour,
		CleanupInterval: time.Hour,
		CookieName:      "authcore_session",
		CookieLifetime:  24 * time.Hour,
	}

	sessionRepo := newFakeSessionRepo()
	state := newFakeState()
	blRepo := &fakeBlacklistRepo{severitiesByIP: map[string]int{}}
	locker := &fakeLocker{}

	sessions := session.NewStore(authCfg, sessionRepo, locker, zap.NewNop())
	core := auth.NewCore(authCfg, sessions, state, zap.NewNop())

	blacklistSvc := blacklist.NewService(config.BlacklistConfig{
		Enabled:       true,
		TriggerPeriod: 4 * time.Hour,
		StorePeriod:   720 * time.Hour,
		Threshold:     25,
	}, blRepo, nil, zap.NewNop())

	codec, err := token.NewCodec(config.SecurityConfig{
		Hash:     "sha256",
		HMACKey:  "unit-test-hmac-key-0123456789",
		CryptKey: "unit-test-crypt-key-0123456789",
	})
	require.NoError(t, err)

	g := New(authCfg, config.ServerConfig{}, sessions, core, blacklistSvc, codec, zap.NewNop())

	return &harness{
		gate:     g,
		core:     core,
		sessions: sessionRepo,
		state:    state,
		blocked:  blRepo,
		locker:   locker,
	}
}

// seedSession puts an authenticated state + session row behind "ext1" and
// returns its CSRF secret.
func (h *harness) seedSession(t *testing.T) []byte {
	t.Helper()

	secret, err := csrf.NewSecret()
	require.NoError(t, err)

	now := time.Now().UTC()
	h.sessions.rows["ext1"] = &models.Session{
		ID: "s1", UserID: "u1", ExternalID: "ext1",
		StartedAt: now, LastActiveAt: now,
	}
	h.state.data["ext1"] = map[string]any{
		"auth": map[string]any{
			"user_id":     "u1",
			"username":    "alice",
			"email":       "alice@example.com",
			"permissions": []any{"content.edit"},
		},
		"csrf_secret": base64.StdEncoding.EncodeToString(secret),
	}

	return secret
}

func captureInfo(captured **RequestInfo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestGateIssuesCookieAndCSRFToken(t *testing.T) {
	h := newHarness(t)

	var info *RequestInfo
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"

	h.gate.Handle(captureInfo(&info)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, info)
	assert.Equal(t, auth.StatusAnonymous, info.Status)
	assert.Equal(t, "203.0.113.7", info.ClientIP)
	assert.Len(t, info.CSRFToken, csrf.TokenLength)
	assert.Equal(t, 1, h.locker.calls, "cleanup attempted")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "authcore_session", cookies[0].Name)
	assert.Equal(t, info.ExternalID, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}

func TestGateBlacklistShortCircuit(t *testing.T) {
	h := newHarness(t)
	h.blocked.severitiesByIP["203.0.113.7"] = 26

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"

	h.gate.Handle(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called, "blocked requests never reach handlers")
	assert.Contains(t, rec.Body.String(), "Access denied")
}

func TestGateResolvesAuthenticatedIdentity(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t)

	var info *RequestInfo
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "ext1"})

	h.gate.Handle(captureInfo(&info)).ServeHTTP(rec, req)

	require.NotNil(t, info)
	assert.Equal(t, auth.StatusAuthenticated, info.Status)
	require.NotNil(t, info.Principal)
	assert.Equal(t, "alice", info.Principal.Username)
	assert.False(t, info.Blocked)
}

func TestGateCSRFBlockedMode(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t)

	var info *RequestInfo
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/submit?do=yes&csrf_token=not-a-proof", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "ext1"})

	h.gate.Handle(captureInfo(&info)).ServeHTTP(rec, req)

	// The request continues, downgraded.
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, info)
	assert.True(t, info.Blocked)
	assert.Contains(t, info.Messages, GenericCSRFMessage)
	assert.Equal(t, "", req.Form.Get("do"), "marker stripped")

	// And the failure is scored.
	require.Len(t, h.blocked.inserted, 1)
	e := h.blocked.inserted[0]
	assert.Equal(t, blacklist.ReasonMissingCSRF, e.Reason)
	assert.Equal(t, 3, e.Severity)
	assert.Equal(t, "203.0.113.7", e.IP)
	assert.Equal(t, "u1", e.UserID)
}

func TestGateCSRFValidProof(t *testing.T) {
	h := newHarness(t)
	secret := h.seedSession(t)

	proof, err := csrf.IssueToken(secret)
	require.NoError(t, err)

	var info *RequestInfo
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/submit?do=yes&csrf_token="+url.QueryEscape(proof), nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "ext1"})

	h.gate.Handle(captureInfo(&info)).ServeHTTP(rec, req)

	require.NotNil(t, info)
	assert.False(t, info.Blocked)
	assert.Empty(t, h.blocked.inserted)
	assert.Equal(t, "yes", req.Form.Get("do"), "marker preserved")
}

func TestGateReadOnlyRequestSkipsCSRF(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t)

	var info *RequestInfo
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/view", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "ext1"})

	h.gate.Handle(captureInfo(&info)).ServeHTTP(rec, req)

	require.NotNil(t, info)
	assert.False(t, info.Blocked)
	assert.Empty(t, h.blocked.inserted)
}

func TestGateExpiryMessage(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t)
	h.sessions.rows["ext1"].LastActiveAt = time.Now().UTC().Add(-16 * time.Minute)

	var info *RequestInfo
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "ext1"})

	h.gate.Handle(captureInfo(&info)).ServeHTTP(rec, req)

	require.NotNil(t, info)
	assert.Equal(t, auth.StatusExpired, info.Status)
	assert.Nil(t, info.Principal)
	assert.Contains(t, info.Messages, auth.SessionTimedOutMessage)
	assert.Nil(t, h.sessions.rows["ext1"])
}

func TestGateAbortsWhenExpiryDeleteFails(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t)
	h.sessions.rows["ext1"].LastActiveAt = time.Now().UTC().Add(-16 * time.Minute)
	h.sessions.deleteErr = errors.New("scylla unavailable")

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "ext1"})

	h.gate.Handle(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, called, "requests with an undeletable expired session never reach handlers")
	assert.NotNil(t, h.sessions.rows["ext1"], "the stale row survives the failed delete")
}

func TestGateAbortsWhenCSRFScoreFails(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t)
	h.blocked.insertErr = errors.New("scylla unavailable")

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/submit?do=yes&csrf_token=not-a-proof", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "ext1"})

	h.gate.Handle(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, called, "an unscorable CSRF failure never reaches handlers")
}

func TestGateRotationReissuesCookie(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t)
	h.sessions.rows["ext1"].StartedAt = time.Now().UTC().Add(-5 * time.Hour)

	var info *RequestInfo
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "ext1"})

	h.gate.Handle(captureInfo(&info)).ServeHTTP(rec, req)

	require.NotNil(t, info)
	assert.Equal(t, auth.StatusAuthenticated, info.Status)
	assert.NotEqual(t, "ext1", info.ExternalID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, info.ExternalID, cookies[0].Value)
}

func TestGateFlashMessage(t *testing.T) {
	h := newHarness(t)

	notice, err := h.gate.EncodeFlash("Password reset complete")
	require.NoError(t, err)

	var info *RequestInfo
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/?notice="+url.QueryEscape(notice), nil)
	req.RemoteAddr = "203.0.113.7:1234"

	h.gate.Handle(captureInfo(&info)).ServeHTTP(rec, req)

	require.NotNil(t, info)
	assert.Contains(t, info.Messages, "Password reset complete")
}

func TestFlashRejectsStaleAndTampered(t *testing.T) {
	h := newHarness(t)

	notice, err := h.gate.EncodeFlash("hello")
	require.NoError(t, err)

	msg, ok := h.gate.DecodeFlash(notice)
	assert.True(t, ok)
	assert.Equal(t, "hello", msg)

	_, ok = h.gate.DecodeFlash("garbage")
	assert.False(t, ok)

	_, ok = h.gate.DecodeFlash(notice[:len(notice)-4] + "0000")
	assert.False(t, ok)
}

func TestRedirectWithNoticeRoundTrip(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/password/reset", nil)

	h.gate.RedirectWithNotice(rec, req, "/login", "Password reset; please log in")

	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)

	msg, ok := h.gate.DecodeFlash(loc.Query().Get("notice"))
	require.True(t, ok)
	assert.Equal(t, "Password reset; please log in", msg)
}

func TestRequirePermissionNegotiation(t *testing.T) {
	h := newHarness(t)

	protected := h.gate.RequirePermission("content.edit")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	withInfo := func(info *RequestInfo, req *http.Request) *http.Request {
		return req.WithContext(context.WithValue(req.Context(), contextKey{}, info))
	}

	t.Run("anonymous browser is redirected to login", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/admin/articles", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")

		protected.ServeHTTP(rec, withInfo(&RequestInfo{Status: auth.StatusAnonymous}, req))

		assert.Equal(t, http.StatusFound, rec.Code)
		loc := rec.Header().Get("Location")
		assert.Contains(t, loc, "/login?return=")
		assert.Contains(t, loc, url.QueryEscape("/admin/articles"))
	})

	t.Run("anonymous API call gets 401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/admin/articles", nil)
		req.Header.Set("Accept", "application/json")

		protected.ServeHTTP(rec, withInfo(&RequestInfo{Status: auth.StatusAnonymous}, req))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authenticated without permission gets 403", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/admin/articles", nil)

		info := &RequestInfo{
			Status:    auth.StatusAuthenticated,
			Principal: &auth.Principal{UserID: "u1", Permissions: []string{"other"}},
		}
		protected.ServeHTTP(rec, withInfo(info, req))

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("authenticated with permission passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/admin/articles", nil)

		info := &RequestInfo{
			Status:    auth.StatusAuthenticated,
			Principal: &auth.Principal{UserID: "u1", Permissions: []string{"content.edit"}},
		}
		protected.ServeHTTP(rec, withInfo(info, req))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
