// Package auth owns the login state machine: Anonymous, Authenticated and
// the terminal Expired transition back to Anonymous. It binds the persisted
// session rows to the server-side request state addressed by the session
// cookie.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/csrf"
	"authcore/internal/models"
	redisrepo "authcore/internal/repository/redis"
	"authcore/internal/session"
	"authcore/internal/util"
)

// Status is the resolved login state for a request.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticated
	StatusExpired
)

// SessionTimedOutMessage is the informational text surfaced on expiry.
const SessionTimedOutMessage = "Session timed out"

const (
	stateFieldAuth       = "auth"
	stateFieldCSRFSecret = "csrf_secret"
	stateFieldMessage    = "message"
)

// Principal is the transient identity reconstructed per request from the
// session-backed auth payload.
type Principal struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasPermission reports membership in the capability set.
func (p *Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Resolution is the outcome of resolving the current request identity.
// ExternalID is the identifier to use going forward; it differs from the
// input after rotation.
type Resolution struct {
	Principal  *Principal
	Status     Status
	ExternalID string
	Rotated    bool
	Message    string
}

// StateStore is the server-side session state addressed by the external
// session identifier.
type StateStore interface {
	Get(ctx context.Context, externalID string) (map[string]any, error)
	Set(ctx context.Context, externalID string, state map[string]any, ttl time.Duration) error
	Delete(ctx context.Context, externalID string) error
	UpdateField(ctx context.Context, externalID, field string, value any, ttl time.Duration) error
	DeleteField(ctx context.Context, externalID, field string, ttl time.Duration) error
}

// Core orchestrates login state using the session store and request state.
type Core struct {
	cfg      config.AuthConfig
	sessions *session.Store
	state    StateStore
	logger   *zap.Logger
}

func NewCore(cfg config.AuthConfig, sessions *session.Store, state StateStore, logger *zap.Logger) *Core {
	return &Core{
		cfg:      cfg,
		sessions: sessions,
		state:    state,
		logger:   logger,
	}
}

// Login transitions Anonymous to Authenticated: any session bound to the
// old identifier is destroyed, the client-facing identifier is regenerated
// and a fresh session row plus auth payload are persisted. A storage
// failure on the session write is unrecoverable for the request.
func (a *Core) Login(ctx context.Context, oldExternalID string, principal *Principal) (string, error) {
	if old, err := a.sessions.Get(ctx, oldExternalID); err == nil && old != nil {
		if err := a.sessions.Delete(ctx, old); err != nil {
			return "", fmt.Errorf("failed to destroy previous session: %w", err)
		}
	}
	if oldExternalID != "" {
		if err := a.state.Delete(ctx, oldExternalID); err != nil {
			a.logger.Warn("Failed to drop previous request state",
				util.String("external_id", oldExternalID),
				util.ErrorField(err))
		}
	}

	newExternalID := uuid.New().String()

	if _, err := a.sessions.Create(ctx, principal.UserID, newExternalID); err != nil {
		return "", err
	}

	secret, err := csrf.NewSecret()
	if err != nil {
		return "", err
	}

	state := map[string]any{
		stateFieldAuth: map[string]any{
			"user_id":     principal.UserID,
			"username":    principal.Username,
			"email":       principal.Email,
			"permissions": principal.Permissions,
		},
		stateFieldCSRFSecret: base64.StdEncoding.EncodeToString(secret),
	}
	if err := a.state.Set(ctx, newExternalID, state, a.cfg.CookieLifetime); err != nil {
		return "", fmt.Errorf("failed to store auth payload: %w", err)
	}

	a.logger.Info("User authenticated",
		util.String("user_id", principal.UserID),
		util.String("username", principal.Username))

	return newExternalID, nil
}

// Resolve reconstructs the current identity. An absent or invalid session
// row transitions the state to Expired: the row and auth payload are
// removed and an informational message is left for the user.
func (a *Core) Resolve(ctx context.Context, externalID string) (*Resolution, error) {
	res := &Resolution{Status: StatusAnonymous, ExternalID: externalID}

	state, err := a.state.Get(ctx, externalID)
	if err != nil && !errors.Is(err, redisrepo.ErrStateNotFound) {
		return nil, err
	}

	authRaw, ok := state[stateFieldAuth]
	if !ok {
		return res, nil
	}

	row, err := a.sessions.Get(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return a.expire(ctx, externalID, nil, res)
	}

	valid, rotated, err := a.sessions.Validate(ctx, row)
	if err != nil {
		return nil, err
	}
	if !valid {
		return a.expire(ctx, externalID, row, res)
	}

	if rotated {
		// The rotated row carries a new identifier; move the request
		// state with it so the auth payload survives.
		if err := a.state.Set(ctx, row.ExternalID, state, a.cfg.CookieLifetime); err != nil {
			return nil, fmt.Errorf("failed to migrate request state: %w", err)
		}
		if err := a.state.Delete(ctx, externalID); err != nil {
			a.logger.Warn("Failed to drop pre-rotation request state",
				util.String("external_id", externalID),
				util.ErrorField(err))
		}
		res.ExternalID = row.ExternalID
		res.Rotated = true
	}

	principal, err := principalFromState(authRaw)
	if err != nil {
		return nil, err
	}

	res.Principal = principal
	res.Status = StatusAuthenticated
	return res, nil
}

func (a *Core) expire(ctx context.Context, externalID string, row *models.Session, res *Resolution) (*Resolution, error) {
	if row != nil {
		if err := a.sessions.Delete(ctx, row); err != nil {
			return nil, err
		}
	}
	if err := a.state.DeleteField(ctx, externalID, stateFieldAuth, a.cfg.CookieLifetime); err != nil {
		return nil, err
	}
	if err := a.state.UpdateField(ctx, externalID, stateFieldMessage, SessionTimedOutMessage, a.cfg.CookieLifetime); err != nil {
		a.logger.Warn("Failed to store timeout message", util.ErrorField(err))
	}

	a.logger.Info("Session expired", util.String("external_id", externalID))

	res.Status = StatusExpired
	res.Message = SessionTimedOutMessage
	return res, nil
}

// Logoff transitions to Anonymous: the session row and auth payload are
// deleted and the client-facing identifier regenerated.
func (a *Core) Logoff(ctx context.Context, externalID string) (string, error) {
	if row, err := a.sessions.Get(ctx, externalID); err == nil && row != nil {
		if err := a.sessions.Delete(ctx, row); err != nil {
			return "", err
		}
	}
	if err := a.state.Delete(ctx, externalID); err != nil {
		a.logger.Warn("Failed to drop request state on logoff",
			util.String("external_id", externalID),
			util.ErrorField(err))
	}

	newExternalID := uuid.New().String()
	if err := a.seedState(ctx, newExternalID); err != nil {
		return "", err
	}

	a.logger.Info("User logged off", util.String("external_id", externalID))

	return newExternalID, nil
}

// InvalidateSessions force-expires every session for the user. The calling
// session is only affected if it belongs to the same user and is
// subsequently re-checked.
func (a *Core) InvalidateSessions(ctx context.Context, userID string) error {
	return a.sessions.InvalidateAllForUser(ctx, userID)
}

// CSRFSecret returns the per-session CSRF secret, seeding state for
// first-seen identifiers so anonymous forms carry a proof too.
func (a *Core) CSRFSecret(ctx context.Context, externalID string) ([]byte, error) {
	state, err := a.state.Get(ctx, externalID)
	if err != nil && !errors.Is(err, redisrepo.ErrStateNotFound) {
		return nil, err
	}

	if encoded, ok := state[stateFieldCSRFSecret].(string); ok {
		secret, err := base64.StdEncoding.DecodeString(encoded)
		if err == nil && len(secret) == csrf.SecretLength {
			return secret, nil
		}
	}

	secret, err := csrf.NewSecret()
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := a.state.UpdateField(ctx, externalID, stateFieldCSRFSecret, encoded, a.cfg.CookieLifetime); err != nil {
		return nil, err
	}

	return secret, nil
}

// ConsumeMessage returns and clears the pending informational message.
func (a *Core) ConsumeMessage(ctx context.Context, externalID string) (string, error) {
	state, err := a.state.Get(ctx, externalID)
	if err != nil {
		if errors.Is(err, redisrepo.ErrStateNotFound) {
			return "", nil
		}
		return "", err
	}

	msg, ok := state[stateFieldMessage].(string)
	if !ok || msg == "" {
		return "", nil
	}

	if err := a.state.DeleteField(ctx, externalID, stateFieldMessage, a.cfg.CookieLifetime); err != nil {
		a.logger.Warn("Failed to clear pending message", util.ErrorField(err))
	}

	return msg, nil
}

func (a *Core) seedState(ctx context.Context, externalID string) error {
	secret, err := csrf.NewSecret()
	if err != nil {
		return err
	}
	state := map[string]any{
		stateFieldCSRFSecret: base64.StdEncoding.EncodeToString(secret),
	}
	if err := a.state.Set(ctx, externalID, state, a.cfg.CookieLifetime); err != nil {
		return fmt.Errorf("failed to seed request state: %w", err)
	}
	return nil
}

func principalFromState(raw any) (*Principal, error) {
	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("auth payload has unexpected shape")
	}

	principal := &Principal{}
	if v, ok := payload["user_id"].(string); ok {
		principal.UserID = v
	}
	if v, ok := payload["username"].(string); ok {
		principal.Username = v
	}
	if v, ok := payload["email"].(string); ok {
		principal.Email = v
	}
	if perms, ok := payload["permissions"].([]any); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				principal.Permissions = append(principal.Permissions, s)
			}
		}
	} else if perms, ok := payload["permissions"].([]string); ok {
		principal.Permissions = append(principal.Permissions, perms...)
	}

	if principal.UserID == "" {
		return nil, fmt.Errorf("auth payload is missing user id")
	}

	return principal, nil
}
