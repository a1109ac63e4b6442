// Package gate is the per-request security pipeline: session cookie
// management, opportunistic cleanup, blacklist enforcement, identity
// resolution and CSRF validation, in that order.
package gate

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/auth"
	"authcore/internal/blacklist"
	"authcore/internal/config"
	"authcore/internal/csrf"
	"authcore/internal/session"
	"authcore/internal/token"
	"authcore/internal/util"
)

// Markers in the "do" form/query value that designate a state-changing
// request and therefore require a CSRF proof.
const (
	MarkerCommit  = "yes"
	MarkerPreview = "preview"
)

// GenericCSRFMessage is the only CSRF diagnostic a client ever sees.
const GenericCSRFMessage = "The request could not be verified. Please try again."

// RequestInfo is the gate's verdict for a single request, carried in the
// request context.
type RequestInfo struct {
	ExternalID string
	ClientIP   string
	Principal  *auth.Principal
	Status     auth.Status
	CSRFToken  string
	// Blocked means the request carried a state-changing marker with a
	// missing or invalid CSRF proof and must be treated as read-only.
	Blocked  bool
	Messages []string
}

// Authenticated reports whether the request resolved to a logged-in user.
func (i *RequestInfo) Authenticated() bool {
	return i.Status == auth.StatusAuthenticated && i.Principal != nil
}

type contextKey struct{}

// FromContext returns the gate verdict for the request, or nil when the
// request never passed through the gate.
func FromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(contextKey{}).(*RequestInfo)
	return info
}

// Gate wires the security pipeline into a chi middleware chain.
type Gate struct {
	authCfg   config.AuthConfig
	secure    bool
	sessions  *session.Store
	core      *auth.Core
	blacklist *blacklist.Service
	codec     *token.Codec
	logger    *zap.Logger
}

func New(
	authCfg config.AuthConfig,
	serverCfg config.ServerConfig,
	sessions *session.Store,
	core *auth.Core,
	blacklistSvc *blacklist.Service,
	codec *token.Codec,
	logger *zap.Logger,
) *Gate {
	return &Gate{
		authCfg:   authCfg,
		secure:    serverCfg.EnableTLS,
		sessions:  sessions,
		core:      core,
		blacklist: blacklistSvc,
		codec:     codec,
		logger:    logger,
	}
}

// Handle runs the pipeline for every request. Blacklisted clients are
// rejected before identity resolution; everything after that annotates the
// request context rather than failing the request.
func (g *Gate) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		info := &RequestInfo{ClientIP: clientIP(r)}

		info.ExternalID = g.ensureCookie(w, r)

		if err := g.sessions.Cleanup(ctx); err != nil {
			g.logger.Warn("Session cleanup failed", util.ErrorField(err))
		}

		blocked, err := g.blacklist.IsBlacklisted(ctx, info.ClientIP, "")
		if err != nil {
			g.logger.Error("Blacklist check failed", util.ErrorField(err))
		}
		if blocked {
			g.reject(w, info.ClientIP)
			return
		}

		res, err := g.core.Resolve(ctx, info.ExternalID)
		if err != nil {
			// Session storage is load-bearing: a failed delete or rotation
			// write must not let the request proceed with a stale identity.
			g.logger.Error("Identity resolution failed",
				util.String("external_id", info.ExternalID),
				util.ErrorField(err))
			writeError(w, http.StatusInternalServerError, "Session storage unavailable")
			return
		}
		if res.Rotated {
			info.ExternalID = res.ExternalID
			g.SetSessionCookie(w, res.ExternalID)
		}
		info.Principal = res.Principal
		info.Status = res.Status
		if res.Message != "" {
			info.Messages = append(info.Messages, res.Message)
		}

		if info.Authenticated() {
			blocked, err := g.blacklist.IsBlacklisted(ctx, info.ClientIP, info.Principal.UserID)
			if err != nil {
				g.logger.Error("Blacklist check failed", util.ErrorField(err))
			}
			if blocked {
				g.reject(w, info.ClientIP)
				return
			}
		}

		if notice := r.URL.Query().Get("notice"); notice != "" {
			if msg, ok := g.DecodeFlash(notice); ok {
				info.Messages = append(info.Messages, msg)
			}
		}

		if err := g.validateCSRF(ctx, r, info); err != nil {
			g.logger.Error("Failed to score CSRF failure", util.ErrorField(err))
			writeError(w, http.StatusInternalServerError, "Security storage unavailable")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, contextKey{}, info)))
	})
}

// validateCSRF enforces the proof on state-changing markers. A failed
// proof never terminates the request; it downgrades it to read-only and
// scores the blacklist. A returned error means the score could not be
// written and the request must not proceed.
func (g *Gate) validateCSRF(ctx context.Context, r *http.Request, info *RequestInfo) error {
	secret, err := g.core.CSRFSecret(ctx, info.ExternalID)
	if err != nil {
		g.logger.Error("Failed to load CSRF secret", util.ErrorField(err))
		return nil
	}

	if tok, err := csrf.IssueToken(secret); err == nil {
		info.CSRFToken = tok
	}

	marker := r.FormValue("do")
	if marker != MarkerCommit && marker != MarkerPreview {
		return nil
	}

	if csrf.ValidateToken(r.FormValue("csrf_token"), secret) {
		return nil
	}

	// Strip the marker so downstream handlers cannot act on it.
	if r.Form != nil {
		r.Form.Del("do")
	}
	if r.PostForm != nil {
		r.PostForm.Del("do")
	}

	info.Blocked = true
	info.Messages = append(info.Messages, GenericCSRFMessage)

	userID := ""
	if info.Principal != nil {
		userID = info.Principal.UserID
	}
	if err := g.blacklist.AddEntry(ctx, info.ClientIP, userID, blacklist.ReasonMissingCSRF, 3); err != nil {
		return err
	}

	g.logger.Warn("CSRF validation failed",
		util.String("ip", info.ClientIP),
		util.String("external_id", info.ExternalID))
	return nil
}

// RequirePermission guards a route subtree. Browser flows without a login
// are sent to the login form with a return URL; API flows get a 401.
func (g *Gate) RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := FromContext(r.Context())
			if info == nil || !info.Authenticated() {
				if wantsHTML(r) {
					target := "/login?return=" + url.QueryEscape(r.URL.RequestURI())
					http.Redirect(w, r, target, http.StatusFound)
					return
				}
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if perm != "" && !info.Principal.HasPermission(perm) {
				writeError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gate) ensureCookie(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(g.authCfg.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	externalID := uuid.New().String()
	g.SetSessionCookie(w, externalID)
	return externalID
}

// SetSessionCookie (re-)issues the session cookie. Handlers call it after
// login and logoff regenerate the external identifier.
func (g *Gate) SetSessionCookie(w http.ResponseWriter, externalID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.authCfg.CookieName,
		Value:    externalID,
		Path:     "/",
		MaxAge:   int(g.authCfg.CookieLifetime.Seconds()),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (g *Gate) reject(w http.ResponseWriter, ip string) {
	g.logger.Warn("Blocked blacklisted client", util.String("ip", ip))
	writeError(w, http.StatusForbidden, "Access denied")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
