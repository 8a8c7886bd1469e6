package middleware

import (
	"net/http"
	"strings"

	"github.com/seacat-auth/seacatauth/session"
)

// Public wraps next with the public-endpoint authentication pipeline, per
// spec.md §4.7's public pipeline: a bearer token takes priority over the
// session cookie; on an OIDC path a bearer value that doesn't resolve as an
// id token is retried as an access token unconditionally, otherwise only
// when AllowAccessTokenAuth is configured; with no bearer value at all, the
// request is resolved via the session cookie instead. A session is never
// required to reach next — handlers downstream decide what an absent
// session means for them.
func (m *Middleware) Public(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, hasToken := bearerToken(r)
		if !hasToken {
			sess := m.cookieSession(r)
			next.ServeHTTP(w, withSession(r, sess))
			return
		}

		allowAccessToken := strings.HasPrefix(r.URL.Path, "/openidconnect/") || m.cfg.AllowAccessTokenAuth
		sess, err := m.sessions.GetBy(r.Context(), session.FieldIDToken, token)
		if err != nil {
			if !allowAccessToken {
				if m.logger != nil {
					m.logger.Info("middleware: invalid bearer token")
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			sess, err = m.sessions.GetBy(r.Context(), session.FieldAccessToken, token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, withSession(r, sess))
	})
}

func (m *Middleware) cookieSession(r *http.Request) *session.Session {
	if m.cookies == nil {
		return nil
	}
	sess, err := m.cookies.SessionByRequestCookie(r.Context(), r)
	if err != nil {
		return nil
	}
	return sess
}
