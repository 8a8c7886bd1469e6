// Package rbac implements the RBAC Evaluator: a tenant-scoped resource-
// access decision over a session's authorization map, per spec.md §4.5.
package rbac

// SuperuserResource is the resource that unconditionally bypasses every
// tenant-scoped check.
const SuperuserResource = "authz:superuser"

// Authorization is the shape spec.md §3/§4.5 attaches to a session: tenant
// -> role -> resources. The "*" tenant key denotes global roles/resources.
type Authorization map[string]map[string][]string

// CrossTenantResource is the resource a holder of "can access all tenants"
// carries, typically under the "*" tenant. It is configurable per
// deployment via Evaluator.CrossTenantResource; the zero Evaluator defaults
// to "seacat:access:all-tenants".
const defaultCrossTenantResource = "seacat:access:all-tenants"

// Evaluator decides resource access given an Authorization map. It carries
// no state beyond its configured cross-tenant resource name, so the zero
// value (with CrossTenantResource left empty, defaulting at call time) is
// usable directly.
type Evaluator struct {
	// CrossTenantResource is the resource name that grants
	// CanAccessAllTenants. Defaults to "seacat:access:all-tenants" when
	// empty.
	CrossTenantResource string
}

func (e Evaluator) crossTenantResource() string {
	if e.CrossTenantResource != "" {
		return e.CrossTenantResource
	}
	return defaultCrossTenantResource
}

// flatten collapses a tenant's role->resources map into a deduplicated
// resource set.
func flatten(roles map[string][]string) map[string]bool {
	set := make(map[string]bool)
	for _, resources := range roles {
		for _, r := range resources {
			set[r] = true
		}
	}
	return set
}

// IsSuperuser reports whether authz holds SuperuserResource anywhere (any
// tenant, including "*").
func (e Evaluator) IsSuperuser(authz Authorization) bool {
	return e.hasResourceAnywhere(authz, SuperuserResource)
}

// CanAccessAllTenants reports whether authz holds the cross-tenant-access
// resource anywhere.
func (e Evaluator) CanAccessAllTenants(authz Authorization) bool {
	return e.hasResourceAnywhere(authz, e.crossTenantResource())
}

func (e Evaluator) hasResourceAnywhere(authz Authorization, resource string) bool {
	for _, roles := range authz {
		if flatten(roles)[resource] {
			return true
		}
	}
	return false
}

// HasTenantAssigned reports whether authz carries any role at all for
// tenant (used by has_tenant_assigned(cid, tenant) gates elsewhere).
func (e Evaluator) HasTenantAssigned(authz Authorization, tenant string) bool {
	roles, ok := authz[tenant]
	return ok && len(roles) > 0
}

// HasResourceAccess decides whether the caller may use every resource in
// required against tenant: either every required resource is present in
// the union of resources the caller holds under tenant, or the caller is a
// superuser anywhere, per spec.md §4.5's decision rule.
func (e Evaluator) HasResourceAccess(authz Authorization, tenant string, required ...string) bool {
	if e.IsSuperuser(authz) {
		return true
	}
	held := flatten(authz[tenant])
	for _, r := range required {
		if !held[r] {
			return false
		}
	}
	return true
}
