package client

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/rbac"
)

// ResourceClientManage is the resource required to list, create, update,
// reset the secret of, or delete a client, per spec.md §6's "Clients
// (typical CRUD paths the caller wires up)". Clients are not tenant-scoped
// (see Client's absence of a tenant field), so the check is always made
// against GlobalTenant.
const ResourceClientManage = "seacat:clients:manage"

// GlobalTenant is the tenant name HasResourceAccess is evaluated against,
// since the Client Registry has no notion of per-tenant clients.
const GlobalTenant = "*"

// SessionContext is what the handler needs from the resolved caller
// session, supplied by the request-binding middleware via context.
type SessionContext interface {
	CredentialsID() string
	Authorization() rbac.Authorization
}

// ContextSession extracts the caller's SessionContext from r, or nil if the
// middleware did not attach one.
type ContextSession func(r *http.Request) SessionContext

// Handler wires the Client Registry's CRUD HTTP surface onto a gorilla/mux
// router, per spec.md §6.
type Handler struct {
	svc     *Service
	rbac    rbac.Evaluator
	session ContextSession
	logger  log.Logger
}

// NewHandler returns a Handler.
func NewHandler(svc *Service, evaluator rbac.Evaluator, sessionFromContext ContextSession, logger log.Logger) *Handler {
	return &Handler{svc: svc, rbac: evaluator, session: sessionFromContext, logger: logger}
}

// Register mounts the client registry routes onto router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/client", h.list).Methods(http.MethodGet)
	router.HandleFunc("/client", h.create).Methods(http.MethodPost)
	router.HandleFunc("/client/{id}", h.get).Methods(http.MethodGet)
	router.HandleFunc("/client/{id}", h.update).Methods(http.MethodPut)
	router.HandleFunc("/client/{id}", h.delete).Methods(http.MethodDelete)
	router.HandleFunc("/client/{id}/reset_secret", h.resetSecret).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func forbidden(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusForbidden, map[string]string{"result": "FORBIDDEN", "message": message})
}

func ok(w http.ResponseWriter, body interface{}) {
	if body == nil {
		writeJSON(w, http.StatusOK, map[string]string{"result": "OK"})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case IsErrorCode(err, ErrCodeClientNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"result": "NOT-FOUND", "message": err.Error()})
	case IsErrorCode(err, ErrCodeValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "ERROR", "message": err.Error()})
	case IsErrorCode(err, ErrCodeInvalidClientSecret), IsErrorCode(err, ErrCodeClientPolicyViolation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "ERROR", "message": err.Error()})
	case IsErrorCode(err, ErrCodeConflict):
		if e, ok := err.(Error); ok {
			writeJSON(w, http.StatusConflict, map[string]string{"key": e.Field, "value": e.Value})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"result": "ERROR", "message": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"result": "ERROR", "message": err.Error()})
	}
}

// authorize requires a resolved session carrying ResourceClientManage.
// Every client-management route gates the same way: clients have no
// tenant concept, so access is checked against GlobalTenant.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (SessionContext, bool) {
	sess := h.session(r)
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, nil)
		return nil, false
	}
	if !h.rbac.HasResourceAccess(sess.Authorization(), GlobalTenant, ResourceClientManage) {
		forbidden(w, "Missing permission "+ResourceClientManage)
		return nil, false
	}
	return sess, true
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	if _, authorized := h.authorize(w, r); !authorized {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	clients, err := h.svc.IteratePage(r.Context(), page, limit, q.Get("match"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, clients)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	if _, authorized := h.authorize(w, r); !authorized {
		return
	}
	cl, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, cl)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	if _, authorized := h.authorize(w, r); !authorized {
		return
	}
	var meta Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "ERROR", "message": "invalid request body"})
		return
	}
	reg, err := h.svc.Register(r.Context(), meta)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	if _, authorized := h.authorize(w, r); !authorized {
		return
	}
	var patch Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "ERROR", "message": "invalid request body"})
		return
	}
	if err := h.svc.Update(r.Context(), mux.Vars(r)["id"], patch); err != nil {
		writeErr(w, err)
		return
	}
	ok(w, nil)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if _, authorized := h.authorize(w, r); !authorized {
		return
	}
	if err := h.svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	ok(w, nil)
}

func (h *Handler) resetSecret(w http.ResponseWriter, r *http.Request) {
	if _, authorized := h.authorize(w, r); !authorized {
		return
	}
	reg, err := h.svc.ResetSecret(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, reg)
}
