package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/seacat-auth/seacatauth/session"
)

// Private wraps next with the admin-API authentication/authorization
// pipeline, per spec.md §4.7's private pipeline:
//   - POST /nginx/... bypasses entirely (NGINX introspection handles its
//     own authorization).
//   - a bearer token is resolved to a session (id token, falling back to
//     access token if configured).
//   - if RequireAuthentication is false, every request passes through.
//   - otherwise a session is required, and either
//     AuthorizationResource == "DISABLED", or the session holds
//     authz:superuser or the configured resource anywhere.
//   - a GET on the ASAB diagnostics subtree additionally accepts a
//     pre-shared bearer token even without a session.
func (m *Middleware) Private(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/nginx/") {
			next.ServeHTTP(w, r)
			return
		}

		token, hasToken := bearerToken(r)
		var sess *session.Session
		if hasToken {
			sess = m.resolveBearer(r.Context(), token, m.cfg.AllowAccessTokenAuth)
		}
		r = withSession(r, sess)

		if !m.cfg.RequireAuthentication {
			next.ServeHTTP(w, r)
			return
		}

		if sess != nil {
			if m.cfg.AuthorizationResource == "DISABLED" {
				m.observe(true)
				next.ServeHTTP(w, r)
				return
			}
			if m.rbac.IsSuperuser(sess.Authorization) {
				m.observe(true)
				next.ServeHTTP(w, r)
				return
			}
			if m.hasResourceAnywhere(sess, m.cfg.AuthorizationResource) {
				m.observe(true)
				next.ServeHTTP(w, r)
				return
			}
			m.observe(false)
			forbidden(w, "insufficient privileges")
			return
		}

		if isASABDiagnosticsPath(r) {
			if m.cfg.ASABAPIBearerToken == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") == "Bearer "+m.cfg.ASABAPIBearerToken {
				next.ServeHTTP(w, r)
				return
			}
			if m.logger != nil {
				m.logger.Warn("middleware: invalid bearer token for ASAB API access")
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// forbidden mirrors authz/role.Handler and client.Handler's own
// forbidden() helper: an authenticated session lacking the required
// resource is an authorization failure (403 FORBIDDEN), not an
// authentication failure (401).
func forbidden(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusForbidden, map[string]string{"result": "FORBIDDEN", "message": message})
}

// hasResourceAnywhere reports whether sess holds resource under any tenant,
// mirroring private_auth_middleware's flattened all-resources scan.
func (m *Middleware) hasResourceAnywhere(sess *session.Session, resource string) bool {
	if resource == "" {
		return false
	}
	for tenant := range sess.Authorization {
		if m.rbac.HasResourceAccess(sess.Authorization, tenant, resource) {
			return true
		}
	}
	return false
}
