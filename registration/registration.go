// Package registration implements the Registration Engine: drafting
// invited credentials, issuing registration codes, and completing
// registration, per spec.md §4.6.
package registration

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/seacat-auth/seacatauth/pkg/crypto"
	"github.com/seacat-auth/seacatauth/pkg/log"
)

// AuditSink receives registration lifecycle events, mirroring the
// original's AuditService.append(AuditCode....) calls. Audit log
// formatting itself is out of scope (spec.md §1); this is only the
// call-site hook. A nil audit argument to NewService defaults to
// NopAuditSink.
type AuditSink interface {
	Append(ctx context.Context, code string, fields map[string]interface{}) error
}

// Audit codes this engine emits, matching the original's AuditCode members
// it actually references.
const (
	AuditCredentialsCreated         = "CREDENTIALS_CREATED"
	AuditCredentialsRegisteredNew   = "CREDENTIALS_REGISTERED_NEW"
	AuditCredentialsRegisteredExist = "CREDENTIALS_REGISTERED_EXISTING"
)

type nopAuditSink struct{}

func (nopAuditSink) Append(context.Context, string, map[string]interface{}) error { return nil }

// NopAuditSink is the default AuditSink: it does nothing.
var NopAuditSink AuditSink = nopAuditSink{}

// RoleAssigner is the subset of the Role Assignment API (authz/role)
// complete_registration_with_existing_credentials needs to transfer roles
// from a draft credential to an existing one.
type RoleAssigner interface {
	GetRolesByCredentials(ctx context.Context, credentialsID string) ([]string, error)
	AssignRole(ctx context.Context, credentialsID, roleID string) error
}

// Config holds the Registration Engine's tunables, sourced from the
// [seacatauth:registration] config section (spec.md §6).
type Config struct {
	// Expiration is the default invitation lifetime when Draft is not
	// given an explicit override.
	Expiration time.Duration
	// EnableEncryption and EnableSelfRegistration are NYI config gates: if
	// set, NewService returns ErrUnimplemented rather than silently
	// ignoring them, per spec.md §9's "Registration features NYI" note.
	EnableEncryption       bool
	EnableSelfRegistration bool
	// AuthWebUIBaseURL is used by FormatRegistrationURI.
	AuthWebUIBaseURL string
}

// Service is the Registration Engine.
type Service struct {
	Clock clockwork.Clock

	provider Provider
	roles    RoleAssigner
	audit    AuditSink
	logger   log.Logger
	cfg      Config
}

// NewService selects a provider from providers (the first one advertising
// RegistrationEnabled, per spec.md §4.6/§9) and returns a Service. roles and
// audit may be nil (audit defaults to NopAuditSink; roles is only required
// by CompleteRegistrationWithExistingCredentials).
func NewService(cfg Config, providers []Provider, roles RoleAssigner, audit AuditSink, logger log.Logger) (*Service, error) {
	if cfg.EnableEncryption {
		return nil, ErrUnimplemented("registration payload encryption has not been implemented yet")
	}
	if cfg.EnableSelfRegistration {
		return nil, ErrUnimplemented("self-registration has not been implemented yet")
	}

	var provider Provider
	for _, p := range providers {
		if p.RegistrationEnabled() {
			provider = p
			break
		}
	}
	if provider == nil {
		return nil, fmt.Errorf("registration: no credentials provider with registration enabled")
	}

	if audit == nil {
		audit = NopAuditSink
	}

	return &Service{
		Clock:    clockwork.NewRealClock(),
		provider: provider,
		roles:    roles,
		audit:    audit,
		logger:   logger,
		cfg:      cfg,
	}, nil
}

// draftConfig accumulates Draft's optional parameters.
type draftConfig struct {
	expiration  time.Duration
	invitedBy   string
	invitedFrom []string
}

// DraftOption configures Draft.
type DraftOption func(*draftConfig)

// WithExpiration overrides the configured default invitation lifetime.
func WithExpiration(d time.Duration) DraftOption {
	return func(c *draftConfig) { c.expiration = d }
}

// WithInvitedBy records the credentials id of the inviter.
func WithInvitedBy(cid string) DraftOption {
	return func(c *draftConfig) { c.invitedBy = cid }
}

// WithInvitedFrom records the inviter's source IP(s).
func WithInvitedFrom(ips ...string) DraftOption {
	return func(c *draftConfig) { c.invitedFrom = ips }
}

// Draft creates a suspended credential carrying a fresh registration code,
// per spec.md §4.6's draft_credentials. data carries fields such as
// "username", "email", "phone" or "password" (Create rejects keys it does
// not recognize). A duplicate "email" or "username" surfaces as a Conflict
// naming the offending field, detected by a GetBy lookup per field;
// "phone" is not checked for duplicates.
func (s *Service) Draft(ctx context.Context, data Fields, opts ...DraftOption) (credentialsID, registrationCode string, err error) {
	var cfg draftConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	expiration := s.cfg.Expiration
	if cfg.expiration > 0 {
		expiration = cfg.expiration
	}

	for _, field := range []string{"email", "username"} {
		v, ok := data[field]
		if !ok {
			continue
		}
		if _, err := s.provider.GetBy(ctx, field, v); err == nil {
			return "", "", ErrConflict(field, fmt.Sprintf("%v", v))
		}
	}

	code, err := crypto.RandomURLSafeToken(crypto.RegistrationCodeBytes)
	if err != nil {
		return "", "", fmt.Errorf("registration: generate registration code: %w", err)
	}

	now := s.Clock.Now().UTC()
	fields := Fields{}
	for k, v := range data {
		fields[k] = v
	}
	fields["suspended"] = true
	fields["registration"] = &RegistrationData{
		Code:        code,
		Expires:     now.Add(expiration),
		InvitedBy:   cfg.invitedBy,
		InvitedFrom: cfg.invitedFrom,
	}

	id, err := s.provider.Create(ctx, fields)
	if err != nil {
		return "", "", fmt.Errorf("registration: draft: %w", err)
	}

	if err := s.audit.Append(ctx, AuditCredentialsCreated, map[string]interface{}{
		"cid": id, "by": cfg.invitedBy,
	}); err != nil && s.logger != nil {
		s.logger.Warnf("registration: audit append failed: %v", err)
	}

	if s.logger != nil {
		s.logger.Infof("registration: drafted cid=%s", id)
	}
	return id, code, nil
}

// CredentialPublic is the public projection returned by
// GetByRegistrationCode, per spec.md §4.6.
type CredentialPublic struct {
	Email    string
	Phone    string
	Username string
	Tenants  []string
	Password bool
}

// GetByRegistrationCode loads the draft credential bound to code, rejecting
// expired drafts.
func (s *Service) GetByRegistrationCode(ctx context.Context, code string) (*CredentialPublic, error) {
	cred, err := s.lookupUnexpired(ctx, code)
	if err != nil {
		return nil, err
	}
	return &CredentialPublic{
		Email:    cred.Email,
		Phone:    cred.Phone,
		Username: cred.Username,
		Tenants:  cred.Tenants,
		Password: cred.HasPassword,
	}, nil
}

func (s *Service) lookupUnexpired(ctx context.Context, code string) (*Credential, error) {
	cred, err := s.provider.GetBy(ctx, fieldRegCode, code)
	if err != nil {
		return nil, ErrNotFound(code)
	}
	if cred.Registration == nil || s.Clock.Now().UTC().After(cred.Registration.Expires) {
		return nil, ErrNotFound(code)
	}
	return cred, nil
}

// updatableByCode is the whitelist UpdateByRegistrationCode accepts, per
// spec.md §4.6.
var updatableByCode = map[string]bool{
	"username": true,
	"email":    true,
	"phone":    true,
	"password": true,
}

// UpdateByRegistrationCode patches a draft credential, re-checking
// expiration, per spec.md §4.6's update_credential_by_registration_code.
func (s *Service) UpdateByRegistrationCode(ctx context.Context, code string, patch Fields) error {
	for k := range patch {
		if !updatableByCode[k] {
			return fmt.Errorf("registration: field %q is not updatable via registration code", k)
		}
	}
	cred, err := s.lookupUnexpired(ctx, code)
	if err != nil {
		return err
	}

	for _, field := range []string{"email", "username"} {
		v, ok := patch[field]
		if !ok {
			continue
		}
		if existing, err := s.provider.GetBy(ctx, field, v); err == nil && existing.ID != cred.ID {
			return ErrConflict(field, fmt.Sprintf("%v", v))
		}
	}

	if err := s.provider.Update(ctx, cred.ID, patch); err != nil {
		return fmt.Errorf("registration: update by code: %w", err)
	}
	return nil
}

// CompleteRegistration finalizes a draft credential: requires username,
// email, and a password to already be present, clears the registration
// sub-document, and marks the credential active, per spec.md §4.6.
func (s *Service) CompleteRegistration(ctx context.Context, code string) error {
	cred, err := s.lookupUnexpired(ctx, code)
	if err != nil {
		return err
	}
	if cred.Username == "" {
		return fmt.Errorf("registration: completion failed: no username")
	}
	if cred.Email == "" {
		return fmt.Errorf("registration: completion failed: no email")
	}
	if !cred.HasPassword {
		return fmt.Errorf("registration: completion failed: no password")
	}

	update := Fields{
		"suspended":    false,
		"registered":   s.Clock.Now().UTC(),
		"registration": nil,
	}
	if err := s.provider.Update(ctx, cred.ID, update); err != nil {
		return fmt.Errorf("registration: complete: %w", err)
	}

	if err := s.audit.Append(ctx, AuditCredentialsRegisteredNew, map[string]interface{}{"cid": cred.ID}); err != nil && s.logger != nil {
		s.logger.Warnf("registration: audit append failed: %v", err)
	}
	if s.logger != nil {
		s.logger.Infof("registration: completed cid=%s", cred.ID)
	}
	return nil
}

// CompleteRegistrationWithExistingCredentials transfers the draft
// credential's roles to existingCID, then deletes the draft, per spec.md
// §4.6/SPEC_FULL.md §6.
func (s *Service) CompleteRegistrationWithExistingCredentials(ctx context.Context, code, existingCID string) error {
	if s.roles == nil {
		return fmt.Errorf("registration: no role assigner configured")
	}
	cred, err := s.lookupUnexpired(ctx, code)
	if err != nil {
		return err
	}

	roleIDs, err := s.roles.GetRolesByCredentials(ctx, cred.ID)
	if err != nil {
		return fmt.Errorf("registration: load draft roles: %w", err)
	}
	for _, roleID := range roleIDs {
		if err := s.roles.AssignRole(ctx, existingCID, roleID); err != nil {
			return fmt.Errorf("registration: transfer role %q: %w", roleID, err)
		}
	}

	if err := s.provider.Delete(ctx, cred.ID); err != nil {
		return fmt.Errorf("registration: delete draft cid=%s: %w", cred.ID, err)
	}

	if err := s.audit.Append(ctx, AuditCredentialsRegisteredExist, map[string]interface{}{
		"cid": existingCID, "reg_cid": cred.ID, "roles": roleIDs,
	}); err != nil && s.logger != nil {
		s.logger.Warnf("registration: audit append failed: %v", err)
	}
	if s.logger != nil {
		s.logger.Infof("registration: transferred draft cid=%s to cid=%s", cred.ID, existingCID)
	}
	return nil
}

// SweepExpired deletes every draft credential whose registration code has
// expired, per spec.md §4.6's expiration sweep. It is driven by an
// external periodic tick (60s), mirroring session.Service.SweepExpired.
// Providers that don't implement ExpirySweeper are skipped, not an error.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	sweeper, ok := s.provider.(ExpirySweeper)
	if !ok {
		return 0, nil
	}
	drafts, err := sweeper.IterateDrafts(ctx)
	if err != nil {
		return 0, fmt.Errorf("registration: sweep: list: %w", err)
	}

	now := s.Clock.Now().UTC()
	count := 0
	for _, cred := range drafts {
		if cred.Registration == nil || !now.After(cred.Registration.Expires) {
			continue
		}
		if err := s.provider.Delete(ctx, cred.ID); err != nil {
			if s.logger != nil {
				s.logger.Errorf("registration: sweep: delete cid=%s: %v", cred.ID, err)
			}
			continue
		}
		count++
	}
	return count, nil
}

// FormatRegistrationURI builds the clickable invitation link, per
// SPEC_FULL.md §6.
func (s *Service) FormatRegistrationURI(registrationCode string) string {
	return fmt.Sprintf("%s#register?code=%s", s.cfg.AuthWebUIBaseURL, registrationCode)
}
