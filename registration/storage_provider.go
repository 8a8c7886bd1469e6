package registration

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

// StorageCollection is where StorageProvider keeps credential documents.
const StorageCollection = "c"

// Storage document field names. The conceptual `__registration`
// sub-document from the original is kept flat here
// (registration_code/registration_exp/...) because the Storage Port's
// Filter only matches top-level fields (see storage.Filter's doc comment);
// get_credential_by_registration_code needs an indexable lookup on the
// code, which a nested field cannot offer with the equality-only Filter
// this system's backends implement.
const (
	fieldUsername       = "username"
	fieldEmail          = "email"
	fieldPhone          = "phone"
	fieldPasswordHash   = "password_hash"
	fieldSuspended      = "suspended"
	fieldRegistered     = "registered"
	fieldRegCode        = "registration_code"
	fieldRegExpires     = "registration_exp"
	fieldRegInvitedBy   = "registration_invited_by"
	fieldRegInvitedFrom = "registration_invited_from"
)

type storageDoc struct {
	ID               string    `json:"_id"`
	Version          int64     `json:"_v"`
	Username         string    `json:"username,omitempty"`
	Email            string    `json:"email,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	PasswordHash     string    `json:"password_hash,omitempty"`
	Suspended        bool      `json:"suspended,omitempty"`
	Registered       time.Time `json:"registered,omitempty"`
	RegistrationCode string    `json:"registration_code,omitempty"`
	RegistrationExp  time.Time `json:"registration_exp,omitempty"`
	InvitedBy        string    `json:"registration_invited_by,omitempty"`
	InvitedFrom      []string  `json:"registration_invited_from,omitempty"`
}

func (d *storageDoc) toCredential() *Credential {
	c := &Credential{
		ID:          d.ID,
		Username:    d.Username,
		Email:       d.Email,
		Phone:       d.Phone,
		HasPassword: d.PasswordHash != "",
		Suspended:   d.Suspended,
		Registered:  d.Registered,
	}
	if d.RegistrationCode != "" {
		c.Registration = &RegistrationData{
			Code:        d.RegistrationCode,
			Expires:     d.RegistrationExp,
			InvitedBy:   d.InvitedBy,
			InvitedFrom: d.InvitedFrom,
		}
	}
	return c
}

// StorageProvider is the reference Provider implementation: credentials
// live in the shared Storage Port, password hashing uses bcrypt (the
// idiomatic Go analogue of the original reference MySQL provider's hash
// column, see DESIGN.md).
type StorageProvider struct {
	store   storage.Store
	logger  log.Logger
	enabled bool
}

// NewStorageProvider returns a Provider backed by store. registrationEnabled
// mirrors the original's per-provider RegistrationEnabled flag.
func NewStorageProvider(store storage.Store, logger log.Logger, registrationEnabled bool) *StorageProvider {
	return &StorageProvider{store: store, logger: logger, enabled: registrationEnabled}
}

func (p *StorageProvider) ID() string                { return "storage" }
func (p *StorageProvider) RegistrationEnabled() bool { return p.enabled }

func (p *StorageProvider) Get(ctx context.Context, id string) (*Credential, error) {
	var doc storageDoc
	if err := p.store.Get(ctx, StorageCollection, id, &doc); err != nil {
		return nil, err
	}
	return doc.toCredential(), nil
}

func (p *StorageProvider) GetBy(ctx context.Context, field string, value interface{}) (*Credential, error) {
	var doc storageDoc
	if err := p.store.GetBy(ctx, StorageCollection, field, value, &doc); err != nil {
		return nil, err
	}
	return doc.toCredential(), nil
}

func (p *StorageProvider) Create(ctx context.Context, fields Fields) (string, error) {
	up := p.store.Upsertor(StorageCollection)
	if err := p.applyFields(up, fields); err != nil {
		return "", err
	}
	id, _, err := up.Execute(ctx)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *StorageProvider) Update(ctx context.Context, id string, fields Fields) error {
	var existing storageDoc
	if err := p.store.Get(ctx, StorageCollection, id, &existing); err != nil {
		return err
	}
	up := p.store.Upsertor(StorageCollection, storage.WithID(id), storage.WithVersion(existing.Version))
	if err := p.applyFields(up, fields); err != nil {
		return err
	}
	_, _, err := up.Execute(ctx)
	return err
}

func (p *StorageProvider) Delete(ctx context.Context, id string) error {
	return p.store.Delete(ctx, StorageCollection, id)
}

// IterateDrafts implements ExpirySweeper by scanning the whole credentials
// collection, the same way session.Service.SweepExpired scans its own
// collection directly: the equality-only Filter has no "field is set"
// predicate, so the expiry test itself happens in Go code (see
// Service.SweepExpired).
func (p *StorageProvider) IterateDrafts(ctx context.Context) ([]*Credential, error) {
	it, err := p.store.Iterate(ctx, StorageCollection, storage.IterateOptions{})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var creds []*Credential
	for it.Next(ctx) {
		var doc storageDoc
		if err := it.Decode(&doc); err != nil {
			if p.logger != nil {
				p.logger.Errorf("registration: iterate drafts: decode: %v", err)
			}
			continue
		}
		if doc.RegistrationCode == "" {
			continue
		}
		creds = append(creds, doc.toCredential())
	}
	return creds, nil
}

// applyFields translates the generic Fields payload into Upsertor calls,
// hashing "password" via bcrypt and flattening "registration" into its
// constituent top-level fields (see the field-name comment above).
func (p *StorageProvider) applyFields(up storage.Upsertor, fields Fields) error {
	for key, value := range fields {
		switch key {
		case "username":
			up.Set(fieldUsername, value)
		case "email":
			up.Set(fieldEmail, value)
		case "phone":
			up.Set(fieldPhone, value)
		case "suspended":
			up.Set(fieldSuspended, value)
		case "registered":
			up.Set(fieldRegistered, value)
		case "password":
			pw, ok := value.(string)
			if !ok {
				return fmt.Errorf("registration: password field must be a string")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("registration: hash password: %w", err)
			}
			up.Set(fieldPasswordHash, string(hash))
		case "registration":
			if value == nil {
				up.Unset(fieldRegCode)
				up.Unset(fieldRegExpires)
				up.Unset(fieldRegInvitedBy)
				up.Unset(fieldRegInvitedFrom)
				continue
			}
			reg, ok := value.(*RegistrationData)
			if !ok {
				return fmt.Errorf("registration: registration field must be a *RegistrationData")
			}
			up.Set(fieldRegCode, reg.Code)
			up.Set(fieldRegExpires, reg.Expires)
			if reg.InvitedBy != "" {
				up.Set(fieldRegInvitedBy, reg.InvitedBy)
			}
			if len(reg.InvitedFrom) > 0 {
				up.Set(fieldRegInvitedFrom, reg.InvitedFrom)
			}
		default:
			return fmt.Errorf("registration: unsupported credential field %q", key)
		}
	}
	return nil
}
