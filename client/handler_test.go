package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/seacat-auth/seacatauth/rbac"
)

type fakeSession struct {
	cid   string
	authz rbac.Authorization
}

func (f fakeSession) CredentialsID() string             { return f.cid }
func (f fakeSession) Authorization() rbac.Authorization { return f.authz }

func newTestHandler(t *testing.T, sess SessionContext) (*Handler, *Service) {
	t.Helper()
	svc := newTestService(t, Config{})
	h := NewHandler(svc, rbac.Evaluator{}, func(*http.Request) SessionContext { return sess }, nil)
	return h, svc
}

func adminSession() SessionContext {
	return fakeSession{cid: "admin", authz: rbac.Authorization{
		GlobalTenant: {"admin": {ResourceClientManage}},
	}}
}

func TestHandlerCreateRequiresPermission(t *testing.T) {
	h, _ := newTestHandler(t, fakeSession{cid: "nobody", authz: rbac.Authorization{}})
	router := mux.NewRouter()
	h.Register(router)

	body, _ := json.Marshal(Metadata{Name: "Demo", RedirectURIs: []string{"https://app.example.com/cb"}})
	req := httptest.NewRequest(http.MethodPost, "/client", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without ResourceClientManage, got %d", rr.Code)
	}
}

func TestHandlerCreateGetUpdateDelete(t *testing.T) {
	h, _ := newTestHandler(t, adminSession())
	router := mux.NewRouter()
	h.Register(router)

	body, _ := json.Marshal(Metadata{Name: "Demo", RedirectURIs: []string{"https://app.example.com/cb"}})
	req := httptest.NewRequest(http.MethodPost, "/client", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var reg Registration
	if err := json.Unmarshal(rr.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode registration: %v", err)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/client/"+reg.ClientID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", rr.Code)
	}

	patch, _ := json.Marshal(Patch{Name: strPtr("Renamed")})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/client/"+reg.ClientID, bytes.NewReader(patch)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/client/"+reg.ClientID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rr.Code)
	}
}

func TestHandlerGetUnknownClientReturnsNotFound(t *testing.T) {
	h, _ := newTestHandler(t, adminSession())
	router := mux.NewRouter()
	h.Register(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/client/does-not-exist", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandlerCreateDuplicateClientIDReturnsConflict(t *testing.T) {
	h, svc := newTestHandler(t, adminSession())
	router := mux.NewRouter()
	h.Register(router)
	svc.cfg.AllowCustomClientID = true

	body, _ := json.Marshal(Metadata{
		PreferredClientID: "my-fixed-client-1",
		Name:              "Demo",
		RedirectURIs:      []string{"https://app.example.com/cb"},
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/client", bytes.NewReader(body)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first registration, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/client", bytes.NewReader(body)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate client_id, got %d: %s", rr.Code, rr.Body.String())
	}
	var conflict struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if conflict.Key != "client_id" || conflict.Value != "my-fixed-client-1" {
		t.Fatalf("got key=%q value=%q, want client_id/my-fixed-client-1", conflict.Key, conflict.Value)
	}
}

func strPtr(s string) *string { return &s }
