package role

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/rbac"
)

// ResourceRoleAssign is the resource PUT /roles/{tenant}/{cid} and
// POST/DELETE /role_assign/... require. GET /roles/{tenant}/{cid} and the
// batch PUT /roles/{tenant} check tenant visibility only (canViewTenant).
const ResourceRoleAssign = "authz:role:assign"

// SessionContext is what the handler needs from the resolved caller
// session, supplied by the request-binding middleware via context (see
// middleware.SessionFromContext in the sibling package).
type SessionContext interface {
	CredentialsID() string
	Authorization() rbac.Authorization
}

// ContextSession extracts the caller's SessionContext from r, or nil if the
// middleware did not attach one.
type ContextSession func(r *http.Request) SessionContext

// Handler wires the Role Assignment API's HTTP surface onto a gorilla/mux
// router, per spec.md §6's `/roles/...` and `/role_assign/...` paths.
type Handler struct {
	svc     *Service
	rbac    rbac.Evaluator
	session ContextSession
	logger  log.Logger
}

// NewHandler returns a Handler. sessionFromContext resolves the caller's
// SessionContext from an inbound request, as attached by the request-
// binding middleware.
func NewHandler(svc *Service, evaluator rbac.Evaluator, sessionFromContext ContextSession, logger log.Logger) *Handler {
	return &Handler{svc: svc, rbac: evaluator, session: sessionFromContext, logger: logger}
}

// Register mounts the role assignment routes onto router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/roles/{tenant}/{cid}", h.getRolesByCredentials).Methods(http.MethodGet)
	router.HandleFunc("/roles/{tenant}/{cid}", h.setRoles).Methods(http.MethodPut)
	router.HandleFunc("/roles/{tenant}", h.getRolesBatch).Methods(http.MethodPut)
	router.HandleFunc("/role_assign/{cid}/{tenant}/{role}", h.assignRole).Methods(http.MethodPost)
	router.HandleFunc("/role_assign/{cid}/{tenant}/{role}", h.unassignRole).Methods(http.MethodDelete)
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

func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"result": "OK"})
}

// canViewTenant implements the read-gate shared by GET /roles/{tenant}/{cid}
// and PUT /roles/{tenant} (batch): tenant == "*", cross-tenant access, or
// the caller having tenant itself assigned.
func (h *Handler) canViewTenant(sess SessionContext, tenant string) bool {
	if tenant == Global {
		return true
	}
	authz := sess.Authorization()
	if h.rbac.CanAccessAllTenants(authz) {
		return true
	}
	return h.rbac.HasTenantAssigned(authz, tenant)
}

func (h *Handler) getRolesByCredentials(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, nil)
		return
	}
	vars := mux.Vars(r)
	tenant, cid := vars["tenant"], vars["cid"]

	if !h.canViewTenant(sess, tenant) {
		if h.logger != nil {
			h.logger.Infof("role: tenant access denied cid=%s tenant=%s", sess.CredentialsID(), tenant)
		}
		forbidden(w, "Tenant access denied.")
		return
	}

	roles, err := h.svc.GetRolesByCredentials(r.Context(), cid, tenant)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"result": "ERROR", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (h *Handler) getRolesBatch(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, nil)
		return
	}
	tenant := mux.Vars(r)["tenant"]
	if !h.canViewTenant(sess, tenant) {
		forbidden(w, "Tenant access denied.")
		return
	}

	var cids []string
	if err := json.NewDecoder(r.Body).Decode(&cids); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "ERROR", "message": "invalid request body"})
		return
	}

	response := make(map[string][]string, len(cids))
	for _, cid := range cids {
		roles, err := h.svc.GetRolesByCredentials(r.Context(), cid, tenant)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"result": "ERROR", "message": err.Error()})
			return
		}
		response[cid] = roles
	}
	writeJSON(w, http.StatusOK, response)
}

type setRolesRequest struct {
	Roles []string `json:"roles"`
}

// setRoles implements PUT /roles/{tenant}/{cid}, per spec.md §4.8's
// three-case include_global truth table: the caller must hold
// ResourceRoleAssign; global roles are only un/assigned when the caller is
// superuser, and a non-superuser requesting tenant == "*" is rejected
// outright.
func (h *Handler) setRoles(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, nil)
		return
	}
	vars := mux.Vars(r)
	tenant, cid := vars["tenant"], vars["cid"]
	authz := sess.Authorization()

	if !h.rbac.HasResourceAccess(authz, tenant, ResourceRoleAssign) {
		forbidden(w, "Missing permission "+ResourceRoleAssign)
		return
	}

	var req setRolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"result": "ERROR", "message": "invalid request body"})
		return
	}

	isSuperuser := h.rbac.IsSuperuser(authz)
	var includeGlobal bool
	switch {
	case isSuperuser:
		includeGlobal = true
	case tenant == Global:
		forbidden(w, "Not authorized to manage global roles.")
		return
	default:
		includeGlobal = false
	}

	if err := h.svc.SetRoles(r.Context(), cid, req.Roles, tenant, includeGlobal); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"result": "ERROR", "message": err.Error()})
		return
	}
	ok(w)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	h.mutateSingleRole(w, r, h.svc.AssignRole)
}

func (h *Handler) unassignRole(w http.ResponseWriter, r *http.Request) {
	h.mutateSingleRole(w, r, h.svc.UnassignRole)
}

// mutateSingleRole implements the shared shape of POST/DELETE
// /role_assign/{cid}/{tenant}/{role}: the caller must hold
// ResourceRoleAssign, and a global-role (tenant == "*") mutation additionally
// requires the caller to be superuser.
func (h *Handler) mutateSingleRole(w http.ResponseWriter, r *http.Request, mutate func(ctx context.Context, cid, roleID string) error) {
	sess := h.session(r)
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, nil)
		return
	}
	vars := mux.Vars(r)
	tenant, cid, roleName := vars["tenant"], vars["cid"], vars["role"]
	authz := sess.Authorization()

	if !h.rbac.HasResourceAccess(authz, tenant, ResourceRoleAssign) {
		forbidden(w, "Missing permission "+ResourceRoleAssign)
		return
	}

	if tenant == Global && !h.rbac.IsSuperuser(authz) {
		if h.logger != nil {
			h.logger.Warnf("role: missing permissions to un/assign global role cid=%s", sess.CredentialsID())
		}
		forbidden(w, "Missing permissions to un/assign global role")
		return
	}

	roleID := ID(tenant, roleName)
	if err := mutate(r.Context(), cid, roleID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"result": "ERROR", "message": err.Error()})
		return
	}
	ok(w)
}
