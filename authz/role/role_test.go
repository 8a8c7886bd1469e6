package role

import (
	"context"
	"sort"
	"testing"

	"github.com/seacat-auth/seacatauth/storage/memory"
)

func newTestService() *Service {
	return NewService(memory.New(nil, nil), nil)
}

func TestAssignAndGetRoles(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if err := svc.AssignRole(ctx, "cid-1", ID("tenant-a", "editor")); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := svc.AssignRole(ctx, "cid-1", ID("tenant-a", "editor")); err != nil {
		t.Fatalf("AssignRole (repeat): %v", err)
	}

	roles, err := svc.GetRolesByCredentials(ctx, "cid-1")
	if err != nil {
		t.Fatalf("GetRolesByCredentials: %v", err)
	}
	if len(roles) != 1 || roles[0] != "tenant-a/editor" {
		t.Fatalf("expected single deduplicated role, got %v", roles)
	}
}

func TestUnassignRoleIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if err := svc.UnassignRole(ctx, "cid-never-assigned", ID("tenant-a", "editor")); err != nil {
		t.Fatalf("UnassignRole on unknown cid: %v", err)
	}

	if err := svc.AssignRole(ctx, "cid-1", ID("tenant-a", "editor")); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := svc.UnassignRole(ctx, "cid-1", ID("tenant-a", "editor")); err != nil {
		t.Fatalf("UnassignRole: %v", err)
	}
	if err := svc.UnassignRole(ctx, "cid-1", ID("tenant-a", "editor")); err != nil {
		t.Fatalf("UnassignRole (repeat): %v", err)
	}

	roles, err := svc.GetRolesByCredentials(ctx, "cid-1")
	if err != nil {
		t.Fatalf("GetRolesByCredentials: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected no roles after unassign, got %v", roles)
	}
}

// TestSetRolesIncludeGlobalFalsePreservesExistingGlobalRoles exercises
// spec.md §8 scenario 6's core: a non-superuser setting tenant-a's roles
// must not touch a previously-held global role.
func TestSetRolesIncludeGlobalFalsePreservesExistingGlobalRoles(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if err := svc.AssignRole(ctx, "cid-1", ID(Global, "auditor")); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	if err := svc.SetRoles(ctx, "cid-1", []string{"tenant-a/editor", "*/superuser"}, "tenant-a", false); err != nil {
		t.Fatalf("SetRoles: %v", err)
	}

	roles, err := svc.GetRolesByCredentials(ctx, "cid-1")
	if err != nil {
		t.Fatalf("GetRolesByCredentials: %v", err)
	}
	sort.Strings(roles)
	want := []string{"*/auditor", "tenant-a/editor"}
	if !equalSlices(roles, want) {
		t.Fatalf("SetRoles with includeGlobal=false: got %v, want %v (the requested */superuser must be silently dropped)", roles, want)
	}
}

// TestSetRolesIncludeGlobalTrueAppliesGlobalRoles is the superuser half of
// the same scenario: when includeGlobal is true, the requested global role
// IS applied.
func TestSetRolesIncludeGlobalTrueAppliesGlobalRoles(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if err := svc.SetRoles(ctx, "cid-1", []string{"tenant-a/editor", "*/superuser"}, "tenant-a", true); err != nil {
		t.Fatalf("SetRoles: %v", err)
	}

	roles, err := svc.GetRolesByCredentials(ctx, "cid-1")
	if err != nil {
		t.Fatalf("GetRolesByCredentials: %v", err)
	}
	sort.Strings(roles)
	want := []string{"*/superuser", "tenant-a/editor"}
	if !equalSlices(roles, want) {
		t.Fatalf("SetRoles with includeGlobal=true: got %v, want %v", roles, want)
	}
}

func TestSetRolesReplacesOnlyTargetTenant(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if err := svc.AssignRole(ctx, "cid-1", ID("tenant-b", "viewer")); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := svc.SetRoles(ctx, "cid-1", []string{"tenant-a/editor"}, "tenant-a", false); err != nil {
		t.Fatalf("SetRoles: %v", err)
	}

	roles, err := svc.GetRolesByCredentials(ctx, "cid-1")
	if err != nil {
		t.Fatalf("GetRolesByCredentials: %v", err)
	}
	sort.Strings(roles)
	want := []string{"tenant-a/editor", "tenant-b/viewer"}
	if !equalSlices(roles, want) {
		t.Fatalf("got %v, want %v (tenant-b role must survive a tenant-a SetRoles call)", roles, want)
	}
}

func TestGetRolesByCredentialsFiltersByTenant(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if err := svc.AssignRole(ctx, "cid-1", ID("tenant-a", "editor")); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := svc.AssignRole(ctx, "cid-1", ID("tenant-b", "viewer")); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	roles, err := svc.GetRolesByCredentials(ctx, "cid-1", "tenant-a")
	if err != nil {
		t.Fatalf("GetRolesByCredentials: %v", err)
	}
	if !equalSlices(roles, []string{"tenant-a/editor"}) {
		t.Fatalf("expected only tenant-a roles, got %v", roles)
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
