package rbac

import "testing"

func TestHasResourceAccessGrantedByTenantRole(t *testing.T) {
	e := Evaluator{}
	authz := Authorization{
		"tenant-a": {"editor": {"docs:read", "docs:write"}},
	}
	if !e.HasResourceAccess(authz, "tenant-a", "docs:read") {
		t.Fatal("expected access via tenant-a role")
	}
	if e.HasResourceAccess(authz, "tenant-a", "docs:delete") {
		t.Fatal("expected no access to ungranted resource")
	}
	if e.HasResourceAccess(authz, "tenant-b", "docs:read") {
		t.Fatal("expected no access under a different tenant")
	}
}

func TestSuperuserBypassesTenantScoping(t *testing.T) {
	e := Evaluator{}
	authz := Authorization{
		"*": {"admin": {SuperuserResource}},
	}
	if !e.IsSuperuser(authz) {
		t.Fatal("expected IsSuperuser to be true")
	}
	if !e.HasResourceAccess(authz, "any-tenant", "anything:at:all") {
		t.Fatal("expected superuser to bypass tenant scoping")
	}
}

func TestCanAccessAllTenants(t *testing.T) {
	e := Evaluator{}
	authz := Authorization{
		"*": {"global-admin": {defaultCrossTenantResource}},
	}
	if !e.CanAccessAllTenants(authz) {
		t.Fatal("expected CanAccessAllTenants to be true")
	}

	other := Authorization{"tenant-a": {"editor": {"docs:read"}}}
	if e.CanAccessAllTenants(other) {
		t.Fatal("expected CanAccessAllTenants to be false without the resource")
	}
}

// RBAC monotone: granting a resource never removes access; revoking never
// adds access (spec.md §8).
func TestRBACMonotone(t *testing.T) {
	e := Evaluator{}
	before := Authorization{"tenant-a": {"editor": {"docs:read"}}}
	after := Authorization{"tenant-a": {"editor": {"docs:read", "docs:write"}}}

	if e.HasResourceAccess(before, "tenant-a", "docs:write") {
		t.Fatal("should not have access before grant")
	}
	if !e.HasResourceAccess(after, "tenant-a", "docs:write") {
		t.Fatal("should have access after grant")
	}
	if !e.HasResourceAccess(after, "tenant-a", "docs:read") {
		t.Fatal("grant of docs:write must not revoke docs:read")
	}
}

func TestHasTenantAssigned(t *testing.T) {
	e := Evaluator{}
	authz := Authorization{"tenant-a": {"editor": {"docs:read"}}}
	if !e.HasTenantAssigned(authz, "tenant-a") {
		t.Fatal("expected tenant-a to be assigned")
	}
	if e.HasTenantAssigned(authz, "tenant-b") {
		t.Fatal("expected tenant-b not to be assigned")
	}
}
