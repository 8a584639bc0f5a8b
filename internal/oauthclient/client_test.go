package oauthclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/sessionstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := sessionstore.New(t.TempDir(), gwlog.New(nil, gwlog.LevelError))
	require.NoError(t, err)
	t.Cleanup(store.Shutdown)
	return New(store, gwlog.New(nil, gwlog.LevelError), "https://gateway.example/oauth/callback")
}

func TestStateMachineProgression(t *testing.T) {
	m := newTestManager(t)
	const name = "github"

	assert.Equal(t, StateUnregistered, m.State(name))

	registerCalls := 0
	regServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registerCalls++
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "abc123", "client_secret": "shh"})
	}))
	defer regServer.Close()

	_, err := m.EnsureRegistered(context.Background(), name, DCRMetadata{
		AuthorizationEndpoint: "https://auth.example/authorize",
		TokenEndpoint:         "https://auth.example/token",
		RegistrationEndpoint:  regServer.URL,
		Scopes:                []string{"repo"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, registerCalls)
	assert.Equal(t, StateRegistered, m.State(name))

	// Idempotent: a second EnsureRegistered call should not re-register.
	_, err = m.EnsureRegistered(context.Background(), name, DCRMetadata{RegistrationEndpoint: regServer.URL})
	require.NoError(t, err)
	assert.Equal(t, 1, registerCalls)

	authURL, state, err := m.BeginAuthorization(name)
	require.NoError(t, err)
	assert.Contains(t, authURL, "https://auth.example/authorize")
	assert.NotEmpty(t, state)
}

func TestHandleCallbackDeliversToWaiter(t *testing.T) {
	m := newTestManager(t)
	const name = "github"

	regServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "abc123"})
	}))
	defer regServer.Close()
	_, err := m.EnsureRegistered(context.Background(), name, DCRMetadata{RegistrationEndpoint: regServer.URL})
	require.NoError(t, err)

	_, state, err := m.BeginAuthorization(name)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback/"+name+"?code=abc&state="+state, nil)
	rec := httptest.NewRecorder()
	m.HandleCallback(rec, req, name)
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, err := m.WaitForCallback(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
}

func TestHandleCallbackRejectsMismatchedServer(t *testing.T) {
	m := newTestManager(t)
	const name = "github"

	regServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "abc123"})
	}))
	defer regServer.Close()
	_, err := m.EnsureRegistered(context.Background(), name, DCRMetadata{RegistrationEndpoint: regServer.URL})
	require.NoError(t, err)

	_, state, err := m.BeginAuthorization(name)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback/other?code=abc&state="+state, nil)
	rec := httptest.NewRecorder()
	m.HandleCallback(rec, req, "other")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelServerReleasesWaiter(t *testing.T) {
	m := newTestManager(t)
	const name = "github"

	regServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "abc123"})
	}))
	defer regServer.Close()
	_, err := m.EnsureRegistered(context.Background(), name, DCRMetadata{RegistrationEndpoint: regServer.URL})
	require.NoError(t, err)

	_, state, err := m.BeginAuthorization(name)
	require.NoError(t, err)

	m.CancelServer(name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = m.WaitForCallback(ctx, state)
	assert.Error(t, err)
}

func TestExchangeCodeRejectsUnknownState(t *testing.T) {
	m := newTestManager(t)
	_, err := m.ExchangeCode(context.Background(), "bogus-state", "some-code")
	assert.Error(t, err)
}

func TestAccessTokenRequiresAuthorizationFirst(t *testing.T) {
	m := newTestManager(t)
	regServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "abc123"})
	}))
	defer regServer.Close()
	_, err := m.EnsureRegistered(context.Background(), "github", DCRMetadata{RegistrationEndpoint: regServer.URL})
	require.NoError(t, err)

	_, err = m.AccessToken(context.Background(), "github")
	assert.Error(t, err)
}
