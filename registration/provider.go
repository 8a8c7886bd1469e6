package registration

import (
	"context"
	"time"
)

// RegistrationData is the `__registration` sub-document spec.md §3 attaches
// to a draft credential.
type RegistrationData struct {
	Code        string    `json:"code"`
	Expires     time.Time `json:"exp"`
	InvitedBy   string    `json:"invited_by,omitempty"`
	InvitedFrom []string  `json:"invited_from,omitempty"`
}

// Credential is a provider-neutral projection of a credential document,
// carrying only the fields the Registration Engine itself inspects.
// Provider implementations may store additional fields of their own.
type Credential struct {
	ID           string
	Username     string
	Email        string
	Phone        string
	Tenants      []string
	HasPassword  bool
	Suspended    bool
	Registered   time.Time
	Registration *RegistrationData
}

// Fields is the generic key/value payload Create/Update accept, matching
// the original's dict-shaped credential_data. Recognized keys: "username",
// "email", "phone", "password" (plaintext, hashed by the provider),
// "suspended" (bool), "registration" (*RegistrationData or nil to clear).
type Fields map[string]interface{}

// Provider is the capability set spec.md §9 asks for: "a capability set
// {get, get_by, create?, update?, delete?, iterate, authenticate?,
// registration_enabled} with variants per backend." The Registration
// Engine only calls the subset it needs; Create/Update/Delete return
// ErrNotImplemented from a read-only provider.
type Provider interface {
	// ID names the provider (config key / log field), e.g. "storage".
	ID() string
	// RegistrationEnabled reports whether this provider accepts
	// draft_credentials. The Registration Engine picks the first provider
	// in its configured list that answers true.
	RegistrationEnabled() bool

	Get(ctx context.Context, id string) (*Credential, error)
	GetBy(ctx context.Context, field string, value interface{}) (*Credential, error)
	Create(ctx context.Context, fields Fields) (id string, err error)
	Update(ctx context.Context, id string, fields Fields) error
	Delete(ctx context.Context, id string) error
}

// ExpirySweeper is an optional Provider capability (spec.md §9's "iterate"
// member of the capability set). Service.SweepExpired type-asserts for it;
// a provider that can't enumerate its own drafts simply isn't swept.
type ExpirySweeper interface {
	IterateDrafts(ctx context.Context) ([]*Credential, error)
}
