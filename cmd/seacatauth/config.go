package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"

	"github.com/seacat-auth/seacatauth/client"
	"github.com/seacat-auth/seacatauth/middleware"
	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/registration"
	"github.com/seacat-auth/seacatauth/session"
	"github.com/seacat-auth/seacatauth/storage"
	"github.com/seacat-auth/seacatauth/storage/memory"
	"github.com/seacat-auth/seacatauth/storage/redis"
	"github.com/seacat-auth/seacatauth/storage/sql"
)

// Config is the config format for seacatauth, one field group per config
// section named in spec.md §6.
type Config struct {
	General   General   `json:"general"`
	Storage   Storage   `json:"storage"`
	Web       Web       `json:"web"`
	Telemetry Telemetry `json:"telemetry"`
	Logger    Logger    `json:"logger"`

	Session      SessionConfig      `json:"seacatauth:session"`
	Client       ClientConfig       `json:"seacatauth:client"`
	Registration RegistrationConfig `json:"seacatauth:registration"`
	API          APIConfig          `json:"seacat:api"`
	ASABAPIAuth  ASABAPIAuthConfig  `json:"asab:api:auth"`
}

// Validate performs the fast, CLI-responsive checks the original config
// parses and reports up front, before any service construction begins.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Storage.Config == nil, "no storage supplied in config file"},
		{c.Web.HTTP == "" && c.Web.HTTPS == "", "must supply a HTTP/HTTPS address to listen on"},
		{c.Web.HTTPS != "" && c.Web.TLSCert == "", "no cert specified for HTTPS"},
		{c.Web.HTTPS != "" && c.Web.TLSKey == "", "no private key specified for HTTPS"},
		{c.Session.AESKey == "", "seacatauth:session.aes_key is required"},
		{c.API.AuthorizationResource == "" && !c.API.DisableAuthorization, "seacat:api.authorization_resource is required unless set to DISABLED"},
	}

	var checkErrors []string
	for _, check := range checks {
		if check.bad {
			checkErrors = append(checkErrors, check.errMsg)
		}
	}
	if len(checkErrors) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(checkErrors, "\n\t-\t"))
	}
	return nil
}

// General holds the [general] section.
type General struct {
	AuthWebUIBaseURL string `json:"auth_webui_base_url"`
}

// SessionConfig holds the [seacatauth:session] section.
type SessionConfig struct {
	AESKey         string `json:"aes_key"`
	Expiration     string `json:"expiration"`
	TouchExtension string `json:"touch_extension"`
	MaximumAge     string `json:"maximum_age"`
}

func (c SessionConfig) toServiceConfig() (session.Config, error) {
	expiration, err := parseDuration(c.Expiration, 8*time.Hour)
	if err != nil {
		return session.Config{}, fmt.Errorf("seacatauth:session.expiration: %w", err)
	}
	maxAge, err := parseDuration(c.MaximumAge, 30*24*time.Hour)
	if err != nil {
		return session.Config{}, fmt.Errorf("seacatauth:session.maximum_age: %w", err)
	}
	return session.Config{
		Expiration:     expiration,
		TouchExtension: c.TouchExtension,
		MaximumAge:     maxAge,
	}, nil
}

// ClientConfig holds the [seacatauth:client] section.
type ClientConfig struct {
	ClientSecretExpiration     string            `json:"client_secret_expiration"`
	AllowCustomClientID        *bool             `json:"_allow_custom_client_id"`
	AllowInsecureWebClientURIs bool              `json:"_allow_insecure_web_client_uris"`
	SeedClients                []SeedClientEntry `json:"seed_clients"`
}

// SeedClientEntry is one pre-provisioned client loaded from config at
// startup (the "static/seed clients" feature, per SPEC_FULL.md §6).
type SeedClientEntry struct {
	ClientID string          `json:"client_id"`
	Metadata client.Metadata `json:"metadata"`
}

func (c ClientConfig) toServiceConfig() (client.Config, error) {
	expiration, err := parseDuration(c.ClientSecretExpiration, 0)
	if err != nil {
		return client.Config{}, fmt.Errorf("seacatauth:client.client_secret_expiration: %w", err)
	}
	allowCustomClientID := true
	if c.AllowCustomClientID != nil {
		allowCustomClientID = *c.AllowCustomClientID
	}
	return client.Config{
		ClientSecretExpiration:     expiration,
		AllowCustomClientID:        allowCustomClientID,
		AllowInsecureWebClientURIs: c.AllowInsecureWebClientURIs,
	}, nil
}

// RegistrationConfig holds the [seacatauth:registration] section.
type RegistrationConfig struct {
	Expiration             string `json:"expiration"`
	EnableEncryption       bool   `json:"enable_encryption"`
	EnableSelfRegistration bool   `json:"enable_self_registration"`
}

func (c RegistrationConfig) toServiceConfig(authWebUIBaseURL string) (registration.Config, error) {
	expiration, err := parseDuration(c.Expiration, 7*24*time.Hour)
	if err != nil {
		return registration.Config{}, fmt.Errorf("seacatauth:registration.expiration: %w", err)
	}
	return registration.Config{
		Expiration:             expiration,
		EnableEncryption:       c.EnableEncryption,
		EnableSelfRegistration: c.EnableSelfRegistration,
		AuthWebUIBaseURL:       authWebUIBaseURL,
	}, nil
}

// APIConfig holds the [seacat:api] section. AuthorizationResource is the
// literal string "DISABLED" to turn off the resource check entirely, per
// spec.md §6; DisableAuthorization mirrors that for Validate's benefit.
type APIConfig struct {
	RequireAuthentication bool   `json:"require_authentication"`
	AuthorizationResource string `json:"authorization_resource"`
	DisableAuthorization  bool   `json:"-"`
	AllowAccessTokenAuth  bool   `json:"_allow_access_token_auth"`
}

// ASABAPIAuthConfig holds the [asab:api:auth] section.
type ASABAPIAuthConfig struct {
	Bearer string `json:"bearer"`
}

func (c Config) toMiddlewareConfig() middleware.Config {
	resource := c.API.AuthorizationResource
	if resource == "" {
		resource = "DISABLED"
	}
	return middleware.Config{
		RequireAuthentication: c.API.RequireAuthentication,
		AuthorizationResource: resource,
		AllowAccessTokenAuth:  c.API.AllowAccessTokenAuth,
		ASABAPIBearerToken:    c.ASABAPIAuth.Bearer,
	}
}

// parseDuration accepts Go duration strings ("40m", "5h"); an empty string
// returns def.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Web is the config format for the HTTP server.
type Web struct {
	HTTP          string  `json:"http"`
	HTTPS         string  `json:"https"`
	Headers       Headers `json:"headers"`
	TLSCert       string  `json:"tlsCert"`
	TLSKey        string  `json:"tlsKey"`
	TLSMinVersion string  `json:"tlsMinVersion"`
	TLSMaxVersion string  `json:"tlsMaxVersion"`
}

// Headers configures security-relevant response headers, applied to every
// response the same way the teacher's own Web server applies them.
type Headers struct {
	ContentSecurityPolicy   string `json:"Content-Security-Policy"`
	XFrameOptions           string `json:"X-Frame-Options"`
	XContentTypeOptions     string `json:"X-Content-Type-Options"`
	StrictTransportSecurity string `json:"Strict-Transport-Security"`
}

// ToHTTPHeader renders Headers as an http.Header value ready to merge into
// every response.
func (h *Headers) ToHTTPHeader() map[string][]string {
	header := make(map[string][]string)
	if h == nil {
		return header
	}
	if h.ContentSecurityPolicy != "" {
		header["Content-Security-Policy"] = []string{h.ContentSecurityPolicy}
	}
	if h.XFrameOptions != "" {
		header["X-Frame-Options"] = []string{h.XFrameOptions}
	}
	if h.XContentTypeOptions != "" {
		header["X-Content-Type-Options"] = []string{h.XContentTypeOptions}
	}
	if h.StrictTransportSecurity != "" {
		header["Strict-Transport-Security"] = []string{h.StrictTransportSecurity}
	}
	return header
}

// Telemetry is the config format for the metrics/health-check endpoint,
// served separately from the main private API surface.
type Telemetry struct {
	HTTP string `json:"http"`
}

// Logger is the config format for the process logger.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Storage holds the storage backend selection, dispatched dynamically by
// Type the same way the teacher's own Storage.UnmarshalJSON does.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`
}

// StorageConfig is any backend that can open a Storage Port. Unlike the
// teacher's own StorageConfig (Open(logger) (storage.Storage, error)), ours
// also takes the Encryptor every backend needs to satisfy
// Upsertor.SetEncrypted/transparent decrypt-on-read.
type StorageConfig interface {
	Open(logger log.Logger, encryptor storage.Encryptor) (storage.Store, error)
}

var (
	_ StorageConfig = (*memoryStorage)(nil)
	_ StorageConfig = (*sql.SQLite3)(nil)
	_ StorageConfig = (*sql.Postgres)(nil)
	_ StorageConfig = (*sql.MySQL)(nil)
	_ StorageConfig = (*redis.Config)(nil)
)

// memoryStorage adapts storage/memory's plain, non-erroring constructor to
// the StorageConfig interface the other backends already satisfy.
type memoryStorage struct{}

func (memoryStorage) Open(logger log.Logger, encryptor storage.Encryptor) (storage.Store, error) {
	return memory.New(encryptor, logger), nil
}

var storageBackends = map[string]func() StorageConfig{
	"memory":   func() StorageConfig { return &memoryStorage{} },
	"sqlite3":  func() StorageConfig { return &sql.SQLite3{} },
	"postgres": func() StorageConfig { return &sql.Postgres{} },
	"mysql":    func() StorageConfig { return &sql.MySQL{} },
	"redis":    func() StorageConfig { return &redis.Config{} },
}

// UnmarshalJSON dynamically determines the storage backend's concrete
// config type from the "type" discriminator field.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var store struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &store); err != nil {
		return fmt.Errorf("parse storage: %v", err)
	}
	f, ok := storageBackends[store.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", store.Type)
	}

	cfg := f()
	if len(store.Config) != 0 {
		if err := json.Unmarshal(store.Config, cfg); err != nil {
			return fmt.Errorf("parse storage config: %v", err)
		}
	}
	*s = Storage{Type: store.Type, Config: cfg}
	return nil
}

// loadConfig reads and parses a YAML (or JSON) config file at path,
// expanding $ENVVAR references the way the teacher's configEnvReplacer does.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %v", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file %s: %v", path, err)
	}
	if err := replaceEnvKeys(&config, os.Getenv); err != nil {
		return nil, fmt.Errorf("expand environment variables in config file %s: %v", path, err)
	}
	return &config, nil
}
