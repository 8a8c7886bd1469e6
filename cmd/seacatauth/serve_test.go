package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seacat-auth/seacatauth/rbac"
	"github.com/seacat-auth/seacatauth/session"
)

func TestNewLogger(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		logger, err := newLogger("info", "json")
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("Text", func(t *testing.T) {
		logger, err := newLogger("error", "text")
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("UnknownLevel", func(t *testing.T) {
		logger, err := newLogger("verbose", "text")
		require.Error(t, err)
		require.Nil(t, logger)
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		logger, err := newLogger("info", "gofmt")
		require.Error(t, err)
		require.Equal(t, "log format is not one of the supported values (json, text): gofmt", err.Error())
		require.Nil(t, logger)
	})
}

func TestApplyConfigOverrides(t *testing.T) {
	c := &Config{}
	applyConfigOverrides(serveOptions{
		webHTTPAddr:   "127.0.0.1:9000",
		webHTTPSAddr:  "127.0.0.1:9443",
		telemetryAddr: "127.0.0.1:9001",
	}, c)

	require.Equal(t, "127.0.0.1:9000", c.Web.HTTP)
	require.Equal(t, "127.0.0.1:9443", c.Web.HTTPS)
	require.Equal(t, "127.0.0.1:9001", c.Telemetry.HTTP)
}

func TestApplyConfigOverridesLeavesUnsetFlagsAlone(t *testing.T) {
	c := &Config{Web: Web{HTTP: "127.0.0.1:8081"}}
	applyConfigOverrides(serveOptions{}, c)
	require.Equal(t, "127.0.0.1:8081", c.Web.HTTP)
	require.Equal(t, "", c.Web.HTTPS)
}

func TestRoleSessionFromContextReturnsNilWithoutSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/roles/*/cid", nil)
	require.Nil(t, roleSessionFromContext(req))
}

func TestClientSessionFromContextReturnsNilWithoutSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/client", nil)
	require.Nil(t, clientSessionFromContext(req))
}

func TestSessionAdapterExposesCredentialsAndAuthorization(t *testing.T) {
	sess := &session.Session{
		CredentialsID: "cid-1",
		Authorization: rbac.Authorization{
			"tenant-a": {"editor": {"some:resource"}},
		},
	}
	adapter := sessionAdapter{sess: sess}

	require.Equal(t, "cid-1", adapter.CredentialsID())
	require.Equal(t, rbac.Authorization{"tenant-a": {"editor": {"some:resource"}}}, adapter.Authorization())
}
