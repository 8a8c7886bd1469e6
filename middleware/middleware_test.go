package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seacat-auth/seacatauth/pkg/crypto"
	"github.com/seacat-auth/seacatauth/rbac"
	"github.com/seacat-auth/seacatauth/session"
	"github.com/seacat-auth/seacatauth/storage/memory"
)

func newTestMiddleware(t *testing.T, cfg Config) *Middleware {
	t.Helper()
	cipher := crypto.NewCipher("test-key-material")
	store := memory.New(cipher, nil)
	sessSvc, err := session.NewService(session.Config{
		Expiration:     time.Hour,
		TouchExtension: "0.5",
		MaximumAge:     24 * time.Hour,
	}, store, cipher, nil)
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}
	return New(cfg, sessSvc, rbac.Evaluator{}, nil, nil)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestPrivateBypassesNginxIntrospection(t *testing.T) {
	m := newTestMiddleware(t, Config{RequireAuthentication: true, AuthorizationResource: "admin:access"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/nginx/introspect", nil)
	m.Private(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected /nginx/ bypass to reach handler, got %d", rr.Code)
	}
}

func TestPrivateRequiresAuthenticationWhenConfigured(t *testing.T) {
	m := newTestMiddleware(t, Config{RequireAuthentication: true, AuthorizationResource: "admin:access"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	m.Private(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", rr.Code)
	}
}

func TestPrivatePassesThroughWhenAuthenticationNotRequired(t *testing.T) {
	m := newTestMiddleware(t, Config{RequireAuthentication: false})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	m.Private(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected pass-through when RequireAuthentication is false, got %d", rr.Code)
	}
}

func TestPrivateGrantsAccessViaBearerIDToken(t *testing.T) {
	m := newTestMiddleware(t, Config{RequireAuthentication: true, AuthorizationResource: "admin:access"})
	ctx := context.Background()

	sess, err := m.sessions.Create(ctx, session.TypeOpenIDConnect, session.WithBuilders(session.Builder{
		{Key: session.FieldIDToken, Value: "test-id-token"},
		{Key: session.FieldAuthorization, Value: map[string]map[string][]string{
			"tenant-a": {"admin": {"admin:access"}},
		}},
	}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = sess

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	req.Header.Set("Authorization", "Bearer test-id-token")
	m.Private(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for a session holding the configured resource, got %d", rr.Code)
	}
}

func TestPrivateASABDiagnosticsAcceptsPreSharedBearer(t *testing.T) {
	m := newTestMiddleware(t, Config{
		RequireAuthentication: true,
		AuthorizationResource: "admin:access",
		ASABAPIBearerToken:    "shared-secret",
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/asab/v1/config", nil)
	req.Header.Set("Authorization", "Bearer shared-secret")
	m.Private(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected pre-shared bearer to unlock ASAB diagnostics, got %d", rr.Code)
	}

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/asab/v1/config", nil)
	m.Private(okHandler()).ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusUnauthorized {
		t.Fatalf("expected ASAB diagnostics to reject a missing bearer, got %d", rr2.Code)
	}
}

type recordingMetrics struct {
	allowed int
	denied  int
}

func (m *recordingMetrics) RBACDecision(allowed bool) {
	if allowed {
		m.allowed++
	} else {
		m.denied++
	}
}

func TestPrivateReportsRBACDecisionsToMetrics(t *testing.T) {
	m := newTestMiddleware(t, Config{RequireAuthentication: true, AuthorizationResource: "admin:access"})
	metrics := &recordingMetrics{}
	m.Metrics = metrics
	ctx := context.Background()

	if _, err := m.sessions.Create(ctx, session.TypeOpenIDConnect, session.WithBuilders(session.Builder{
		{Key: session.FieldIDToken, Value: "allowed-token"},
		{Key: session.FieldAuthorization, Value: map[string]map[string][]string{
			"tenant-a": {"admin": {"admin:access"}},
		}},
	})); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.sessions.Create(ctx, session.TypeOpenIDConnect, session.WithBuilders(session.Builder{
		{Key: session.FieldIDToken, Value: "denied-token"},
		{Key: session.FieldAuthorization, Value: map[string]map[string][]string{
			"tenant-a": {"viewer": {"some:other-resource"}},
		}},
	})); err != nil {
		t.Fatalf("Create: %v", err)
	}

	allowedReq := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	allowedReq.Header.Set("Authorization", "Bearer allowed-token")
	allowedRR := httptest.NewRecorder()
	m.Private(okHandler()).ServeHTTP(allowedRR, allowedReq)
	if allowedRR.Code != http.StatusOK {
		t.Fatalf("allowed session: got status %d, want 200", allowedRR.Code)
	}

	deniedReq := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	deniedReq.Header.Set("Authorization", "Bearer denied-token")
	deniedRR := httptest.NewRecorder()
	m.Private(okHandler()).ServeHTTP(deniedRR, deniedReq)
	if deniedRR.Code != http.StatusForbidden {
		t.Fatalf("denied session: got status %d, want 403", deniedRR.Code)
	}
	if !strings.Contains(deniedRR.Body.String(), `"FORBIDDEN"`) {
		t.Fatalf("denied session: body = %q, want a FORBIDDEN result", deniedRR.Body.String())
	}

	if metrics.allowed != 1 || metrics.denied != 1 {
		t.Fatalf("got allowed=%d denied=%d, want 1 and 1", metrics.allowed, metrics.denied)
	}
}

func TestPublicFallsBackToCookieWhenNoBearer(t *testing.T) {
	m := newTestMiddleware(t, Config{})
	var gotSession bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = SessionFromContext(r.Context()) != nil
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/public/page", nil)
	m.Public(handler).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected public pipeline to always reach the handler, got %d", rr.Code)
	}
	if gotSession {
		t.Fatal("expected no session without a cookie resolver or bearer token")
	}
}

func TestPublicRejectsUnresolvableBearerOnOIDCPath(t *testing.T) {
	m := newTestMiddleware(t, Config{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/openidconnect/userinfo", nil)
	req.Header.Set("Authorization", "Bearer does-not-exist")
	m.Public(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unresolvable bearer on an OIDC path, got %d", rr.Code)
	}
}
