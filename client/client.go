// Package client implements the OIDC dynamic client registry: registering,
// updating, authorizing, and iterating relying-party metadata, including the
// redirect-URI and grant/response/PKCE validation matrix from the OpenID
// Connect Dynamic Client Registration spec.
package client

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/seacat-auth/seacatauth/pkg/crypto"
	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

// Collection is the Storage Port collection name clients are kept under.
const Collection = "cl"

const (
	ApplicationTypeWeb    = "web"
	ApplicationTypeNative = "native"

	TokenEndpointAuthNone              = "none"
	TokenEndpointAuthClientSecretBasic = "client_secret_basic"

	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"

	ResponseTypeCode = "code"

	GrantTypeAuthorizationCode = "authorization_code"
)

var (
	validApplicationTypes = map[string]bool{ApplicationTypeWeb: true, ApplicationTypeNative: true}
	validAuthMethods      = map[string]bool{TokenEndpointAuthNone: true, TokenEndpointAuthClientSecretBasic: true}
	validResponseTypes    = map[string]bool{ResponseTypeCode: true}
	validGrantTypes       = map[string]bool{GrantTypeAuthorizationCode: true}
	validChallengeMethods = map[string]bool{CodeChallengeMethodPlain: true, CodeChallengeMethodS256: true}
)

var (
	customClientIDPattern = regexp.MustCompile(`^[-_a-zA-Z0-9]{8,64}$`)
	cookieDomainPattern   = regexp.MustCompile(`^[a-z0-9.-]{1,61}\.[a-z]{2,}$`)
)

// Document field names.
const (
	FieldName                  = "client_name"
	FieldURI                   = "client_uri"
	FieldCookieDomain          = "cookie_domain"
	FieldRedirectURIs          = "redirect_uris"
	FieldApplicationType       = "application_type"
	FieldResponseTypes         = "response_types"
	FieldGrantTypes            = "grant_types"
	FieldTokenEndpointAuthMeth = "token_endpoint_auth_method"
	FieldCodeChallengeMethods  = "code_challenge_methods"
	FieldSecret                = "__client_secret"
	FieldSecretExpiresAt       = "client_secret_expires_at"
)

// Client is the decoded view of a stored client document. ClientSecret is
// the decrypted secret and is only populated by internal callers that need
// to compare it (authorize_client); it is never part of a listing/get
// projection handed back to API callers (see Public).
type Client struct {
	ID      string    `json:"_id"`
	Version int64     `json:"_v"`
	Created time.Time `json:"_c"`

	Name                    string    `json:"client_name"`
	URI                     string    `json:"client_uri,omitempty"`
	CookieDomain            string    `json:"cookie_domain,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	ApplicationType         string    `json:"application_type"`
	ResponseTypes           []string  `json:"response_types"`
	GrantTypes              []string  `json:"grant_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CodeChallengeMethods    []string  `json:"code_challenge_methods"`
	ClientSecret            string    `json:"__client_secret,omitempty"`
	ClientSecretExpiresAt   time.Time `json:"client_secret_expires_at,omitempty"`
}

// IsPublic reports whether the client authenticates with no secret.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == TokenEndpointAuthNone
}

// Public strips the encrypted secret field for listing/get responses, per
// spec.md §4.4's "__client_secret is stripped from listing output".
func (c Client) Public() Client {
	c.ClientSecret = ""
	return c
}

// Config holds the Client Registry's tunables, sourced from the
// [seacatauth:client] config section (spec.md §6).
type Config struct {
	// ClientSecretExpiration is how long a freshly minted client secret is
	// valid for. Zero means secrets never expire.
	ClientSecretExpiration time.Duration
	// AllowCustomClientID enables the preferred_client_id metadata field.
	AllowCustomClientID bool
	// AllowInsecureWebClientURIs disables the https-only rule for "web"
	// application clients. Never enable in production.
	AllowInsecureWebClientURIs bool
}

// Service is the Client Registry.
type Service struct {
	store  storage.Store
	cipher storage.Encryptor
	logger log.Logger
	cfg    Config
}

// NewService returns a Service backed by store.
func NewService(cfg Config, store storage.Store, cipher storage.Encryptor, logger log.Logger) *Service {
	return &Service{store: store, cipher: cipher, logger: logger, cfg: cfg}
}

// Metadata is the caller-supplied input to Register. Update takes a Patch
// instead, whose pointer fields distinguish "not provided" (nil) from
// "provided empty".
type Metadata struct {
	PreferredClientID       string   `json:"preferred_client_id,omitempty"`
	Name                    string   `json:"client_name"`
	URI                     string   `json:"client_uri,omitempty"`
	CookieDomain            string   `json:"cookie_domain,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ApplicationType         string   `json:"application_type,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	CodeChallengeMethods    []string `json:"code_challenge_methods,omitempty"`
}

// Registration is the response Register returns, per spec.md §4.4.
type Registration struct {
	ClientID              string    `json:"client_id"`
	ClientIDIssuedAt      time.Time `json:"client_id_issued_at"`
	ClientSecret          string    `json:"client_secret,omitempty"`
	ClientSecretExpiresAt time.Time `json:"client_secret_expires_at"`
}

// Register validates metadata and persists a new client, per spec.md §4.4.
func (s *Service) Register(ctx context.Context, meta Metadata) (*Registration, error) {
	applicationType := meta.ApplicationType
	if applicationType == "" {
		applicationType = ApplicationTypeWeb
	}
	if !validApplicationTypes[applicationType] {
		return nil, validationErr("application_type", "unsupported application type %q", applicationType)
	}

	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthNone
	}
	if !validAuthMethods[authMethod] {
		return nil, validationErr("token_endpoint_auth_method", "unsupported auth method %q", authMethod)
	}

	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	if err := checkAllowed(responseTypes, validResponseTypes, "response_types"); err != nil {
		return nil, err
	}

	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode}
	}
	if err := checkAllowed(grantTypes, validGrantTypes, "grant_types"); err != nil {
		return nil, err
	}
	if err := checkGrantResponseCorrespondence(responseTypes, grantTypes); err != nil {
		return nil, err
	}

	challengeMethods := meta.CodeChallengeMethods
	if len(challengeMethods) == 0 {
		challengeMethods = []string{CodeChallengeMethodS256}
	}
	if err := checkCodeChallengeMethods(challengeMethods); err != nil {
		return nil, err
	}

	if err := checkRedirectURIs(meta.RedirectURIs, applicationType, s.cfg.AllowInsecureWebClientURIs); err != nil {
		return nil, err
	}
	if meta.CookieDomain != "" && !cookieDomainPattern.MatchString(meta.CookieDomain) {
		return nil, validationErr("cookie_domain", "invalid cookie_domain %q", meta.CookieDomain)
	}

	clientID := meta.PreferredClientID
	if clientID != "" {
		if !s.cfg.AllowCustomClientID {
			return nil, validationErr("preferred_client_id", "custom client ids are not allowed")
		}
		if !customClientIDPattern.MatchString(clientID) {
			return nil, validationErr("preferred_client_id", "invalid preferred_client_id %q", clientID)
		}
		if s.logger != nil {
			s.logger.Warnf("client: registering client with custom id %s", clientID)
		}
	} else {
		clientID = storage.NewIDLen(crypto.ClientIDBytes)
	}

	up := s.store.Upsertor(Collection, storage.WithID(clientID))
	up.Set(FieldName, meta.Name)
	up.Set(FieldRedirectURIs, meta.RedirectURIs)
	up.Set(FieldApplicationType, applicationType)
	up.Set(FieldResponseTypes, responseTypes)
	up.Set(FieldGrantTypes, grantTypes)
	up.Set(FieldCodeChallengeMethods, challengeMethods)
	up.Set(FieldTokenEndpointAuthMeth, authMethod)
	if meta.URI != "" {
		up.Set(FieldURI, meta.URI)
	}
	if meta.CookieDomain != "" {
		up.Set(FieldCookieDomain, meta.CookieDomain)
	}

	result := &Registration{ClientID: clientID}

	if authMethod == TokenEndpointAuthClientSecretBasic {
		secret, expiresAt, err := s.generateSecret()
		if err != nil {
			return nil, fmt.Errorf("client: generate secret: %w", err)
		}
		up.SetEncrypted(FieldSecret, []byte(secret))
		result.ClientSecret = secret
		if !expiresAt.IsZero() {
			up.Set(FieldSecretExpiresAt, expiresAt)
			result.ClientSecretExpiresAt = expiresAt
		}
	}

	if _, _, err := up.Execute(ctx); err != nil {
		if storage.IsErrorCode(err, storage.ErrAlreadyExists) {
			return nil, ErrConflict("client_id", clientID)
		}
		return nil, fmt.Errorf("client: register: %w", err)
	}

	result.ClientIDIssuedAt = storage.Now()
	if s.logger != nil {
		s.logger.Infof("client: registered client_id=%s", clientID)
	}
	return result, nil
}

func (s *Service) generateSecret() (secret string, expiresAt time.Time, err error) {
	secret, err = crypto.RandomURLSafeToken(crypto.ClientSecretBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	if s.cfg.ClientSecretExpiration > 0 {
		expiresAt = storage.Now().Add(s.cfg.ClientSecretExpiration)
	}
	return secret, expiresAt, nil
}

// ResetSecret issues a fresh secret for a confidential client. Refuses for
// public clients, per spec.md §4.4.
func (s *Service) ResetSecret(ctx context.Context, clientID string) (*Registration, error) {
	cl, err := s.get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if cl.IsPublic() {
		return nil, validationErr("token_endpoint_auth_method", "cannot set secret for public client")
	}

	secret, expiresAt, err := s.generateSecret()
	if err != nil {
		return nil, fmt.Errorf("client: generate secret: %w", err)
	}

	up := s.store.Upsertor(Collection, storage.WithID(clientID), storage.WithVersion(cl.Version))
	up.SetEncrypted(FieldSecret, []byte(secret))
	if !expiresAt.IsZero() {
		up.Set(FieldSecretExpiresAt, expiresAt)
	} else {
		up.Unset(FieldSecretExpiresAt)
	}
	if _, _, err := up.Execute(ctx); err != nil {
		return nil, fmt.Errorf("client: reset secret: %w", err)
	}

	if s.logger != nil {
		s.logger.Infof("client: reset secret for client_id=%s", clientID)
	}
	return &Registration{ClientID: clientID, ClientSecret: secret, ClientSecretExpiresAt: expiresAt}, nil
}

// Patch is a partial Metadata update; nil fields are left untouched, fields
// present but empty are unset, per spec.md §4.4.
type Patch struct {
	Name                    *string   `json:"client_name,omitempty"`
	URI                     *string   `json:"client_uri,omitempty"`
	CookieDomain            *string   `json:"cookie_domain,omitempty"`
	RedirectURIs            *[]string `json:"redirect_uris,omitempty"`
	ApplicationType         *string   `json:"application_type,omitempty"`
	ResponseTypes           *[]string `json:"response_types,omitempty"`
	GrantTypes              *[]string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod *string   `json:"token_endpoint_auth_method,omitempty"`
	CodeChallengeMethods    *[]string `json:"code_challenge_methods,omitempty"`
}

// Update applies patch to clientID, re-validating the merged (stored ∪
// patch) view, per spec.md §4.4.
func (s *Service) Update(ctx context.Context, clientID string, patch Patch) error {
	cl, err := s.get(ctx, clientID)
	if err != nil {
		return err
	}

	merged := *cl
	up := s.store.Upsertor(Collection, storage.WithID(clientID), storage.WithVersion(cl.Version))

	applyStringPatch(up, patch.Name, FieldName, &merged.Name)
	applyStringPatch(up, patch.URI, FieldURI, &merged.URI)
	applyStringPatch(up, patch.CookieDomain, FieldCookieDomain, &merged.CookieDomain)
	applyStringPatch(up, patch.ApplicationType, FieldApplicationType, &merged.ApplicationType)
	applyStringPatch(up, patch.TokenEndpointAuthMethod, FieldTokenEndpointAuthMeth, &merged.TokenEndpointAuthMethod)
	applyStringSlicePatch(up, patch.RedirectURIs, FieldRedirectURIs, &merged.RedirectURIs)
	applyStringSlicePatch(up, patch.ResponseTypes, FieldResponseTypes, &merged.ResponseTypes)
	applyStringSlicePatch(up, patch.GrantTypes, FieldGrantTypes, &merged.GrantTypes)
	applyStringSlicePatch(up, patch.CodeChallengeMethods, FieldCodeChallengeMethods, &merged.CodeChallengeMethods)

	if !validApplicationTypes[merged.ApplicationType] {
		return validationErr("application_type", "unsupported application type %q", merged.ApplicationType)
	}
	if err := checkRedirectURIs(merged.RedirectURIs, merged.ApplicationType, s.cfg.AllowInsecureWebClientURIs); err != nil {
		return err
	}
	if err := checkAllowed(merged.ResponseTypes, validResponseTypes, "response_types"); err != nil {
		return err
	}
	if err := checkAllowed(merged.GrantTypes, validGrantTypes, "grant_types"); err != nil {
		return err
	}
	if err := checkGrantResponseCorrespondence(merged.ResponseTypes, merged.GrantTypes); err != nil {
		return err
	}
	if err := checkCodeChallengeMethods(merged.CodeChallengeMethods); err != nil {
		return err
	}

	if _, _, err := up.Execute(ctx); err != nil {
		return fmt.Errorf("client: update: %w", err)
	}
	if s.logger != nil {
		s.logger.Infof("client: updated client_id=%s", clientID)
	}
	return nil
}

func applyStringPatch(up storage.Upsertor, v *string, field string, merged *string) {
	if v == nil {
		return
	}
	if *v == "" {
		up.Unset(field)
		*merged = ""
		return
	}
	up.Set(field, *v)
	*merged = *v
}

func applyStringSlicePatch(up storage.Upsertor, v *[]string, field string, merged *[]string) {
	if v == nil {
		return
	}
	if len(*v) == 0 {
		up.Unset(field)
		*merged = nil
		return
	}
	up.Set(field, *v)
	*merged = *v
}

// Delete removes a client.
func (s *Service) Delete(ctx context.Context, clientID string) error {
	if err := s.store.Delete(ctx, Collection, clientID); err != nil {
		return fmt.Errorf("client: delete: %w", err)
	}
	if s.logger != nil {
		s.logger.Infof("client: deleted client_id=%s", clientID)
	}
	return nil
}

// Get returns the client's public projection (no secret).
func (s *Service) Get(ctx context.Context, clientID string) (*Client, error) {
	cl, err := s.get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	public := cl.Public()
	return &public, nil
}

func (s *Service) get(ctx context.Context, clientID string) (*Client, error) {
	var cl Client
	if err := s.store.Get(ctx, Collection, clientID, &cl); err != nil {
		if storage.IsErrorCode(err, storage.ErrNotFound) {
			return nil, ErrClientNotFound(clientID)
		}
		return nil, err
	}
	if cl.ClientSecret != "" && s.cipher != nil {
		plain, _, err := s.cipher.Decrypt(cl.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("client: decrypt secret: %w", err)
		}
		cl.ClientSecret = string(plain)
	}
	return &cl, nil
}

// AuthorizeParams bundles authorize_client's inputs, per spec.md §4.4.
type AuthorizeParams struct {
	ClientID            string
	Scope               []string
	RedirectURI         string
	ClientSecret        string
	GrantType           string
	ResponseType        string
	CodeChallengeMethod string
}

// AuthorizeClient validates params against the registered client, per
// spec.md §4.4's rule list.
func (s *Service) AuthorizeClient(ctx context.Context, params AuthorizeParams) error {
	cl, err := s.get(ctx, params.ClientID)
	if err != nil {
		return err
	}

	if !cl.ClientSecretExpiresAt.IsZero() && storage.Now().After(cl.ClientSecretExpiresAt) {
		return ErrInvalidClientSecret(params.ClientID)
	}
	if params.ClientSecret != cl.ClientSecret {
		return ErrInvalidClientSecret(params.ClientID)
	}

	if params.GrantType != "" && !contains(cl.GrantTypes, params.GrantType) {
		return ErrClientPolicyViolation(params.ClientID, "grant_type")
	}
	if !contains(cl.ResponseTypes, params.ResponseType) {
		return ErrClientPolicyViolation(params.ClientID, "response_type")
	}
	if params.CodeChallengeMethod != "" && !contains(cl.CodeChallengeMethods, params.CodeChallengeMethod) {
		return ErrClientPolicyViolation(params.ClientID, "code_challenge_method")
	}
	// params.RedirectURI is not compared against the registered
	// redirect_uris: every redirect URI is accepted.
	return nil
}

// IteratePage lists clients matching an optional substring match, sorted by
// creation descending, per spec.md §4.4.
func (s *Service) IteratePage(ctx context.Context, page, limit int, match string) ([]Client, error) {
	it, err := s.store.Iterate(ctx, Collection, storage.IterateOptions{
		Sort:  []storage.Sort{{Field: storage.FieldCreated, Descending: true}},
		Skip:  page * limit,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("client: iterate: %w", err)
	}
	defer it.Close()

	var out []Client
	for it.Next(ctx) {
		var cl Client
		if err := it.Decode(&cl); err != nil {
			return nil, err
		}
		if match != "" && !matchesClient(cl, match) {
			continue
		}
		out = append(out, cl.Public())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// matchesClient implements build_filter's substring disjunction: _id
// prefix match OR case-insensitive client_name substring match.
func matchesClient(cl Client, match string) bool {
	if strings.HasPrefix(cl.ID, match) {
		return true
	}
	return strings.Contains(strings.ToLower(cl.Name), strings.ToLower(match))
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func checkAllowed(values []string, allowed map[string]bool, field string) error {
	for _, v := range values {
		if !allowed[v] {
			return validationErr(field, "unsupported value %q", v)
		}
	}
	return nil
}

// checkGrantResponseCorrespondence enforces the currently-implemented rule
// of the OIDC dynamic registration correspondence table: code requires
// authorization_code. Other rows (id_token/implicit, token/implicit) are
// reserved for flows this registry does not yet support, per spec.md §4.4.
func checkGrantResponseCorrespondence(responseTypes, grantTypes []string) error {
	if contains(responseTypes, ResponseTypeCode) && !contains(grantTypes, GrantTypeAuthorizationCode) {
		return validationErr("grant_types", "response type 'code' requires 'authorization_code' to be included in grant types")
	}
	return nil
}

func checkCodeChallengeMethods(methods []string) error {
	for _, m := range methods {
		if !validChallengeMethods[m] {
			return validationErr("code_challenge_methods", "unsupported code challenge method %q", m)
		}
	}
	if contains(methods, CodeChallengeMethodPlain) && len(methods) > 1 {
		return validationErr("code_challenge_methods", "cannot register 'plain' together with more secure methods")
	}
	return nil
}

// checkRedirectURIs validates the (application_type, insecure_override)
// matrix, per spec.md §3's OIDC Client invariants.
func checkRedirectURIs(uris []string, applicationType string, allowInsecureWebURIs bool) error {
	if len(uris) == 0 {
		return validationErr("redirect_uris", "redirect_uris must not be empty")
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || u.Scheme == "" || u.Fragment != "" {
			return validationErr("redirect_uris", "redirect URI must be an absolute URI without a fragment component")
		}

		switch applicationType {
		case ApplicationTypeWeb:
			if u.Scheme != "https" && !allowInsecureWebURIs {
				return validationErr("redirect_uris", "Web Clients MUST only register URLs using the https scheme as redirect_uris")
			}
			if u.Hostname() == "localhost" {
				return validationErr("redirect_uris", "Web Clients MUST NOT use localhost as the hostname")
			}
		case ApplicationTypeNative:
			switch u.Scheme {
			case "http":
				if u.Hostname() != "localhost" {
					return validationErr("redirect_uris", "Native Clients MUST only register redirect_uris using custom URI schemes or http://localhost")
				}
			case "https":
				return validationErr("redirect_uris", "Native Clients MUST only register redirect_uris using custom URI schemes or http://localhost")
			default:
				// Custom scheme: accepted.
			}
		}
	}
	return nil
}

// SeedClient is a pre-provisioned client loaded from config at startup (the
// "static/seed clients" feature, per SPEC_FULL.md §6).
type SeedClient struct {
	ClientID string
	Metadata Metadata
}

// LoadSeedClients upserts each seed client idempotently by client_id. Seed
// clients are ordinary clients afterward (can be updated/deleted).
func (s *Service) LoadSeedClients(ctx context.Context, seeds []SeedClient) error {
	for _, seed := range seeds {
		if _, err := s.get(ctx, seed.ClientID); err == nil {
			continue
		}
		meta := seed.Metadata
		meta.PreferredClientID = seed.ClientID
		allowCustom := s.cfg.AllowCustomClientID
		s.cfg.AllowCustomClientID = true
		_, err := s.Register(ctx, meta)
		s.cfg.AllowCustomClientID = allowCustom
		if err != nil && !IsErrorCode(err, ErrCodeConflict) {
			return fmt.Errorf("client: load seed client %s: %w", seed.ClientID, err)
		}
		if s.logger != nil {
			s.logger.Infof("client: loaded seed client_id=%s", seed.ClientID)
		}
	}
	return nil
}

// Count returns the number of registered clients.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx, Collection, storage.Filter{})
}
