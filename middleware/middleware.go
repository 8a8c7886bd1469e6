// Package middleware implements the Request Binding Middleware: resolving
// an inbound HTTP request to a Session and gating access to it, per
// spec.md §4.7.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/rbac"
	"github.com/seacat-auth/seacatauth/session"
)

type contextKey int

const sessionContextKey contextKey = iota

// SessionFromContext returns the *session.Session a middleware attached to
// r's context, or nil if none was resolved.
func SessionFromContext(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionContextKey).(*session.Session)
	return sess
}

func withSession(r *http.Request, sess *session.Session) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), sessionContextKey, sess))
}

// bearerToken extracts the value of an `Authorization: Bearer <token>`
// header, mirroring the original's get_bearer_token_value.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(auth, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}

// CookieResolver resolves a Session from the request's session cookie. It
// is the "separate cookie service" spec.md §6 names as an external
// collaborator; this package only needs the narrow capability of mapping a
// cookie-bearing request to a session, so that is all this interface asks
// for.
type CookieResolver interface {
	SessionByRequestCookie(ctx context.Context, r *http.Request) (*session.Session, error)
}

// Config holds middleware tunables, sourced from the [seacat:api] and
// [asab:api:auth] config sections (spec.md §6).
type Config struct {
	// RequireAuthentication gates the private pipeline: false makes it a
	// pass-through for every request.
	RequireAuthentication bool
	// AuthorizationResource is the resource the private pipeline checks
	// for, in addition to authz:superuser. The literal value "DISABLED"
	// turns this check off (any authenticated session passes).
	AuthorizationResource string
	// AllowAccessTokenAuth permits falling back to access-token lookup when
	// a bearer value doesn't resolve as an id token.
	AllowAccessTokenAuth bool
	// ASABAPIBearerToken is the pre-shared bearer the ASAB diagnostics
	// subtree accepts in addition to regular sessions. Empty disables the
	// bearer check: a GET on the subtree without a resolved session is then
	// passed through, whatever RequireAuthentication says.
	ASABAPIBearerToken string
}

// Metrics receives the private pipeline's allow/deny decisions, letting
// callers expose them (e.g. as a Prometheus counter). Left nil, decisions
// are simply not observed.
type Metrics interface {
	RBACDecision(allowed bool)
}

// Middleware builds the private and public HTTP middlewares sharing a
// common session resolver.
type Middleware struct {
	sessions *session.Service
	rbac     rbac.Evaluator
	cookies  CookieResolver
	cfg      Config
	logger   log.Logger

	// Metrics is exported so callers can attach a collector after
	// construction, mirroring session.Service.Clock.
	Metrics Metrics
}

// New returns a Middleware.
func New(cfg Config, sessions *session.Service, evaluator rbac.Evaluator, cookies CookieResolver, logger log.Logger) *Middleware {
	return &Middleware{sessions: sessions, rbac: evaluator, cookies: cookies, cfg: cfg, logger: logger}
}

func (m *Middleware) observe(allowed bool) {
	if m.Metrics != nil {
		m.Metrics.RBACDecision(allowed)
	}
}

// resolveBearer tries the bearer value first as an id token, then (if
// allowed) as an access token, mirroring private_auth_middleware's
// try/except ValueError fallback.
func (m *Middleware) resolveBearer(ctx context.Context, token string, allowAccessTokenFallback bool) *session.Session {
	if sess, err := m.sessions.GetBy(ctx, session.FieldIDToken, token); err == nil {
		return sess
	}
	if !allowAccessTokenFallback {
		if m.logger != nil {
			m.logger.Info("middleware: invalid bearer token")
		}
		return nil
	}
	sess, err := m.sessions.GetBy(ctx, session.FieldAccessToken, token)
	if err != nil {
		if m.logger != nil {
			m.logger.Info("middleware: invalid bearer token")
		}
		return nil
	}
	return sess
}

// HasResourceAccess reports whether sess (possibly nil) has access to
// resource under tenant.
func (m *Middleware) HasResourceAccess(sess *session.Session, tenant, resource string) bool {
	if sess == nil {
		return false
	}
	return m.rbac.HasResourceAccess(sess.Authorization, tenant, resource)
}

// IsSuperuser reports whether sess (possibly nil) is a superuser.
func (m *Middleware) IsSuperuser(sess *session.Session) bool {
	return sess != nil && m.rbac.IsSuperuser(sess.Authorization)
}

// CanAccessAllTenants reports whether sess (possibly nil) holds cross-tenant
// access.
func (m *Middleware) CanAccessAllTenants(sess *session.Session) bool {
	return sess != nil && m.rbac.CanAccessAllTenants(sess.Authorization)
}

func isASABDiagnosticsPath(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	path := r.URL.Path
	if strings.HasPrefix(path, "/asab/v1") {
		return true
	}
	return path == "/doc" || path == "/oauth2-redirect.html"
}
