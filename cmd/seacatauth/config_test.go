package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/seacat-auth/seacatauth/storage/redis"
	"github.com/seacat-auth/seacatauth/storage/sql"
)

func validConfig() Config {
	return Config{
		Storage: Storage{
			Type:   "memory",
			Config: &memoryStorage{},
		},
		Web: Web{
			HTTP: "127.0.0.1:8081",
		},
		Session: SessionConfig{
			AESKey: "test-key-material",
		},
		API: APIConfig{
			AuthorizationResource: "seacat:api:access",
		},
	}
}

func TestValidConfiguration(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("this configuration should have been valid: %v", err)
	}
}

func TestValidConfigurationWithAuthorizationDisabled(t *testing.T) {
	c := validConfig()
	c.API.AuthorizationResource = ""
	c.API.DisableAuthorization = true
	if err := c.Validate(); err != nil {
		t.Fatalf("this configuration should have been valid: %v", err)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	err := Config{}.Validate()
	if err == nil {
		t.Fatal("this configuration should be invalid")
	}
}

func TestInvalidConfigurationRequiresHTTPSCertAndKey(t *testing.T) {
	c := validConfig()
	c.Web.HTTP = ""
	c.Web.HTTPS = "127.0.0.1:8443"
	err := c.Validate()
	if err == nil {
		t.Fatal("expected an error when HTTPS is configured without a cert/key")
	}
}

func TestStorageUnmarshalJSONDispatchesByType(t *testing.T) {
	cases := []struct {
		raw      string
		wantType interface{}
	}{
		{`{"type":"memory"}`, &memoryStorage{}},
		{`{"type":"sqlite3","config":{"file":"/tmp/seacatauth.db"}}`, &sql.SQLite3{}},
		{`{"type":"redis","config":{"addrs":["127.0.0.1:6379"]}}`, &redis.Config{}},
	}

	for _, tc := range cases {
		var s Storage
		if err := s.UnmarshalJSON([]byte(tc.raw)); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if s.Config == nil {
			t.Fatalf("unmarshal %s: expected a non-nil Config", tc.raw)
		}
		if reflect.TypeOf(s.Config) != reflect.TypeOf(tc.wantType) {
			t.Fatalf("unmarshal %s: got config type %T, want %T", tc.raw, s.Config, tc.wantType)
		}
	}
}

func TestStorageUnmarshalJSONRejectsUnknownType(t *testing.T) {
	var s Storage
	err := s.UnmarshalJSON([]byte(`{"type":"does-not-exist"}`))
	if err == nil {
		t.Fatal("expected an error for an unknown storage type")
	}
}

func TestLoadConfigParsesYAMLAndSections(t *testing.T) {
	raw := `
general:
  auth_webui_base_url: https://auth.example.com/ui

storage:
  type: memory

web:
  http: 127.0.0.1:8081
  tlsCert: ""
  tlsKey: ""

logger:
  level: debug
  format: json

seacatauth:session:
  aes_key: test-key-material
  expiration: 8h
  touch_extension: "0.5"
  maximum_age: 720h

seacatauth:client:
  client_secret_expiration: 0s
  seed_clients:
    - client_id: seed-web-client
      metadata:
        client_name: Seed Web App
        redirect_uris:
          - https://app.example.com/cb

seacatauth:registration:
  expiration: 168h

seacat:api:
  authorization_resource: seacat:api:access

asab:api:auth:
  bearer: ""
`
	dir := t.TempDir()
	path := filepath.Join(dir, "seacatauth.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if c.General.AuthWebUIBaseURL != "https://auth.example.com/ui" {
		t.Errorf("general.auth_webui_base_url = %q", c.General.AuthWebUIBaseURL)
	}
	if c.Storage.Type != "memory" {
		t.Errorf("storage.type = %q, want memory", c.Storage.Type)
	}
	if c.Session.AESKey != "test-key-material" {
		t.Errorf("seacatauth:session.aes_key = %q", c.Session.AESKey)
	}
	if c.API.AuthorizationResource != "seacat:api:access" {
		t.Errorf("seacat:api.authorization_resource = %q", c.API.AuthorizationResource)
	}
	if len(c.Client.SeedClients) != 1 || c.Client.SeedClients[0].ClientID != "seed-web-client" {
		t.Errorf("seacatauth:client.seed_clients = %+v", c.Client.SeedClients)
	}
	if got := c.Client.SeedClients[0].Metadata.Name; got != "Seed Web App" {
		t.Errorf("seed client metadata.client_name = %q", got)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("parsed config should be valid: %v", err)
	}
}

func TestLoadConfigExpandsEnvironmentVariables(t *testing.T) {
	os.Setenv("SEACATAUTH_TEST_AES_KEY", "from-the-environment")
	defer os.Unsetenv("SEACATAUTH_TEST_AES_KEY")

	raw := `
storage:
  type: memory
web:
  http: 127.0.0.1:8081
seacatauth:session:
  aes_key: $SEACATAUTH_TEST_AES_KEY
seacat:api:
  authorization_resource: seacat:api:access
`
	dir := t.TempDir()
	path := filepath.Join(dir, "seacatauth.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c.Session.AESKey != "from-the-environment" {
		t.Errorf("aes_key = %q, want expansion of $SEACATAUTH_TEST_AES_KEY", c.Session.AESKey)
	}
}

func TestSessionConfigToServiceConfigDefaults(t *testing.T) {
	cfg, err := SessionConfig{}.toServiceConfig()
	if err != nil {
		t.Fatalf("toServiceConfig: %v", err)
	}
	if cfg.Expiration <= 0 || cfg.MaximumAge <= 0 {
		t.Fatalf("expected non-zero defaults, got %+v", cfg)
	}
}

func TestSessionConfigToServiceConfigRejectsBadDuration(t *testing.T) {
	_, err := SessionConfig{Expiration: "not-a-duration"}.toServiceConfig()
	if err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}
