// Package role implements the Role Assignment API: storing which roles a
// credential holds per tenant, and the superuser/global-role gates spec.md
// §4.8 places on mutating them.
package role

import (
	"context"
	"fmt"
	"strings"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

// Collection is where role assignment documents are kept, one document per
// credentials id.
const Collection = "ra"

const fieldRoles = "roles"

// Global is the tenant name that denotes a global (cross-tenant) role, per
// spec.md §3's `"*/<role_name>"` role id shape.
const Global = "*"

// ID composes a role id from a tenant and role name, e.g. "tenant-a/editor"
// or "*/superuser" for a global role.
func ID(tenant, roleName string) string {
	return tenant + "/" + roleName
}

// Tenant returns the tenant portion of a role id ("*" for global roles).
func Tenant(roleID string) string {
	tenant, _, _ := strings.Cut(roleID, "/")
	return tenant
}

type doc struct {
	ID      string   `json:"_id"`
	Version int64    `json:"_v"`
	Roles   []string `json:"roles,omitempty"`
}

// Service stores credential->role assignments behind the Storage Port.
type Service struct {
	store  storage.Store
	logger log.Logger
}

// NewService returns a role assignment Service.
func NewService(store storage.Store, logger log.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// GetRolesByCredentials returns every role id assigned to credentialsID,
// optionally restricted to the given tenants (a nil/empty tenants list
// returns every role regardless of tenant).
func (s *Service) GetRolesByCredentials(ctx context.Context, credentialsID string, tenants ...string) ([]string, error) {
	var d doc
	if err := s.store.Get(ctx, Collection, credentialsID, &d); err != nil {
		if storage.IsErrorCode(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(tenants) == 0 {
		return d.Roles, nil
	}
	want := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		want[t] = true
	}
	out := make([]string, 0, len(d.Roles))
	for _, r := range d.Roles {
		if want[Tenant(r)] {
			out = append(out, r)
		}
	}
	return out, nil
}

// AssignRole grants roleID to credentialsID. Idempotent: assigning an
// already-held role is a no-op.
func (s *Service) AssignRole(ctx context.Context, credentialsID, roleID string) error {
	for {
		var d doc
		err := s.store.Get(ctx, Collection, credentialsID, &d)
		switch {
		case err == nil:
			for _, r := range d.Roles {
				if r == roleID {
					return nil
				}
			}
			roles := append(append([]string{}, d.Roles...), roleID)
			up := s.store.Upsertor(Collection, storage.WithID(credentialsID), storage.WithVersion(d.Version))
			up.Set(fieldRoles, roles)
			_, _, err = up.Execute(ctx)
			if storage.IsErrorCode(err, storage.ErrVersionConflict) {
				continue
			}
			return err
		case storage.IsErrorCode(err, storage.ErrNotFound):
			up := s.store.Upsertor(Collection, storage.WithID(credentialsID))
			up.Set(fieldRoles, []string{roleID})
			_, _, err = up.Execute(ctx)
			if storage.IsErrorCode(err, storage.ErrAlreadyExists) {
				continue
			}
			return err
		default:
			return err
		}
	}
}

// UnassignRole revokes roleID from credentialsID. Idempotent: unassigning a
// role that is not held is a no-op.
func (s *Service) UnassignRole(ctx context.Context, credentialsID, roleID string) error {
	for {
		var d doc
		if err := s.store.Get(ctx, Collection, credentialsID, &d); err != nil {
			if storage.IsErrorCode(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		roles := make([]string, 0, len(d.Roles))
		found := false
		for _, r := range d.Roles {
			if r == roleID {
				found = true
				continue
			}
			roles = append(roles, r)
		}
		if !found {
			return nil
		}
		up := s.store.Upsertor(Collection, storage.WithID(credentialsID), storage.WithVersion(d.Version))
		up.Set(fieldRoles, roles)
		_, _, err := up.Execute(ctx)
		if storage.IsErrorCode(err, storage.ErrVersionConflict) {
			continue
		}
		return err
	}
}

// SetRoles replaces credentialsID's role assignments for tenant: every
// tenant-scoped role ("tenant/...") is replaced wholesale by requestedRoles'
// tenant-scoped entries. Global roles ("*/...") already held are preserved
// unless includeGlobal is true, in which case they are replaced by
// requestedRoles' global entries too, per spec.md §4.8/§8's three-case
// truth table (the includeGlobal gate itself — superuser-or-tenant-star —
// is the caller's responsibility, mirroring the original handler's
// access_control + explicit superuser check upstream of set_roles).
func (s *Service) SetRoles(ctx context.Context, credentialsID string, requestedRoles []string, tenant string, includeGlobal bool) error {
	for {
		var d doc
		err := s.store.Get(ctx, Collection, credentialsID, &d)
		notFound := storage.IsErrorCode(err, storage.ErrNotFound)
		if err != nil && !notFound {
			return err
		}

		merged := make([]string, 0, len(requestedRoles))
		for _, r := range requestedRoles {
			t := Tenant(r)
			if t == tenant || (includeGlobal && t == Global) {
				merged = append(merged, r)
			}
		}
		if !includeGlobal {
			for _, r := range d.Roles {
				if Tenant(r) == Global {
					merged = append(merged, r)
				}
			}
		}
		for _, r := range d.Roles {
			t := Tenant(r)
			if t != tenant && t != Global {
				merged = append(merged, r)
			}
		}

		var up storage.Upsertor
		if notFound {
			up = s.store.Upsertor(Collection, storage.WithID(credentialsID))
		} else {
			up = s.store.Upsertor(Collection, storage.WithID(credentialsID), storage.WithVersion(d.Version))
		}
		up.Set(fieldRoles, dedup(merged))
		_, _, err = up.Execute(ctx)
		if storage.IsErrorCode(err, storage.ErrVersionConflict) || storage.IsErrorCode(err, storage.ErrAlreadyExists) {
			continue
		}
		return err
	}
}

func dedup(roles []string) []string {
	seen := make(map[string]bool, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// DeleteByCredentials removes all role assignments for credentialsID,
// called when a credential is deleted. Idempotent against a missing row.
func (s *Service) DeleteByCredentials(ctx context.Context, credentialsID string) error {
	if err := s.store.Delete(ctx, Collection, credentialsID); err != nil {
		return fmt.Errorf("role: delete cid=%s: %w", credentialsID, err)
	}
	return nil
}
