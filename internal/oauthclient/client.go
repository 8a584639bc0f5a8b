// Package oauthclient is the outbound OAuth client state machine the
// gateway drives on behalf of an aggregated server that answers 401.
// Every artifact -- DCR registration, PKCE verifier, token -- is
// persisted through the Session Store, so a gateway restart mid-flow
// resumes from durable state rather than losing it.
package oauthclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/sessionstore"
)

// State names the point an outbound server's OAuth client has reached.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
	StateAwaitingAuth State = "awaiting_auth"
	StateTokenized    State = "tokenized"
	StateRefreshing   State = "refreshing"
)

const rendezvousTimeout = 5 * time.Minute

// DCRMetadata is the subset of RFC8414 authorization-server metadata the
// client needs to register and authorize.
type DCRMetadata struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	Scopes                []string
	ResourceURL           string // RFC8707 audience binding
}

// RegisteredClient is the persisted result of dynamic client registration
// for one outbound server.
type RegisteredClient struct {
	ServerName            string   `json:"serverName"`
	ClientID              string   `json:"clientId"`
	ClientSecret          string   `json:"clientSecret,omitempty"`
	AuthorizationEndpoint string   `json:"authorizationEndpoint"`
	TokenEndpoint         string   `json:"tokenEndpoint"`
	RedirectURI           string   `json:"redirectUri"`
	Scopes                []string `json:"scopes"`
	ResourceURL           string   `json:"resourceUrl,omitempty"`
}

// tokenRecord is the persisted token for one outbound server.
type tokenRecord struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// pkceState binds an in-flight authorize request's state parameter to the
// server it belongs to and its PKCE verifier, TTL-bounded.
type pkceState struct {
	ServerName string `json:"serverName"`
	Verifier   string `json:"verifier"`
}

// stateRecord is the persisted CSRF state artifact. The callback endpoint
// checks the presented state against this record, so a forged or expired
// state is rejected even after a gateway restart mid-flow.
type stateRecord struct {
	ServerName string `json:"serverName"`
}

// CallbackResult is what the /oauth/callback endpoint hands a waiting
// WaitForCallback caller.
type CallbackResult struct {
	Code string
	Err  error
}

type waiter struct {
	serverName string
	ch         chan CallbackResult
}

// refreshCall is one in-flight token refresh; concurrent AccessToken
// callers needing a refresh for the same server wait on it instead of
// racing their own exchanges.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Manager drives the outbound OAuth client state machine for every
// aggregated server that requires authorization.
type Manager struct {
	store        *sessionstore.Store
	log          gwlog.Logger
	redirectBase string
	httpClient   *http.Client

	mu        sync.Mutex
	waiters   map[string]*waiter      // state -> rendezvous waiter
	refreshes map[string]*refreshCall // serverName -> in-flight refresh
}

// New creates a Manager. redirectBase must match the gateway's own
// /oauth/callback route prefix, e.g.
// "https://gateway.example.com/oauth/callback"; the per-server redirect
// URI appends "/{serverName}".
func New(store *sessionstore.Store, log gwlog.Logger, redirectBase string) *Manager {
	return &Manager{
		store:        store,
		log:          log,
		redirectBase: redirectBase,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		waiters:      make(map[string]*waiter),
		refreshes:    make(map[string]*refreshCall),
	}
}

func (m *Manager) redirectURIFor(serverName string) string {
	return m.redirectBase + "/" + serverName
}

// Discover fetches RFC8414 authorization-server metadata from serverURL's
// origin, the discovery path the MCP authorization spec prescribes for a
// server that answered 401.
func (m *Manager) Discover(ctx context.Context, serverURL string) (DCRMetadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return DCRMetadata{}, fmt.Errorf("parsing server url: %w", err)
	}
	wellKnown := u.Scheme + "://" + u.Host + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return DCRMetadata{}, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return DCRMetadata{}, fmt.Errorf("fetching %s: %w", wellKnown, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DCRMetadata{}, fmt.Errorf("fetching %s: status %d", wellKnown, resp.StatusCode)
	}

	var doc struct {
		AuthorizationEndpoint string   `json:"authorization_endpoint"`
		TokenEndpoint         string   `json:"token_endpoint"`
		RegistrationEndpoint  string   `json:"registration_endpoint"`
		ScopesSupported       []string `json:"scopes_supported"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return DCRMetadata{}, fmt.Errorf("decoding %s: %w", wellKnown, err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return DCRMetadata{}, fmt.Errorf("metadata at %s missing authorization or token endpoint", wellKnown)
	}
	return DCRMetadata{
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
		RegistrationEndpoint:  doc.RegistrationEndpoint,
		Scopes:                doc.ScopesSupported,
		ResourceURL:           serverURL,
	}, nil
}

// SeedRegistration persists a pre-configured client (the config's oauth
// block) for serverName, skipping dynamic registration entirely. Replaces
// any previously stored registration whose clientId differs.
func (m *Manager) SeedRegistration(serverName, clientID, clientSecret string, scopes []string, redirectURL string, meta DCRMetadata) error {
	var existing RegisteredClient
	if ok, _ := m.store.ReadInto(sessionstore.CategoryOutboundClient, serverName, &existing); ok && existing.ClientID == clientID {
		return nil
	}
	if redirectURL == "" {
		redirectURL = m.redirectURIFor(serverName)
	}
	if len(scopes) == 0 {
		scopes = meta.Scopes
	}
	reg := &RegisteredClient{
		ServerName:            serverName,
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
		RedirectURI:           redirectURL,
		Scopes:                scopes,
		ResourceURL:           meta.ResourceURL,
	}
	return m.store.Write(sessionstore.CategoryOutboundClient, serverName, reg, 0)
}

// State reports the current state machine position for serverName.
func (m *Manager) State(serverName string) State {
	var reg RegisteredClient
	ok, _ := m.store.ReadInto(sessionstore.CategoryOutboundClient, serverName, &reg)
	if !ok {
		return StateUnregistered
	}
	var tok tokenRecord
	ok, _ = m.store.ReadInto(sessionstore.CategoryOutboundTokens, serverName, &tok)
	if !ok {
		return StateRegistered
	}
	if time.Now().After(tok.ExpiresAt) && tok.RefreshToken != "" {
		return StateRefreshing
	}
	return StateTokenized
}

// registerRequestBody is the RFC7591 registration payload.
type registerRequestBody struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

type registerResponseBody struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// EnsureRegistered performs RFC7591 dynamic client registration for
// serverName if it hasn't already happened, persisting the result
// (Unregistered -> Registered).
func (m *Manager) EnsureRegistered(ctx context.Context, serverName string, meta DCRMetadata) (*RegisteredClient, error) {
	var existing RegisteredClient
	if ok, _ := m.store.ReadInto(sessionstore.CategoryOutboundClient, serverName, &existing); ok {
		return &existing, nil
	}
	if meta.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("%w: %s has no registration endpoint", gwerr.ErrInvalidRequest, serverName)
	}

	redirectURI := m.redirectURIFor(serverName)
	body, err := json.Marshal(registerRequestBody{
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: "none",
		Scope:                   joinScopes(meta.Scopes),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dynamic client registration for %s: %w", serverName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dynamic client registration for %s: status %d", serverName, resp.StatusCode)
	}
	var respBody registerResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return nil, fmt.Errorf("decoding registration response for %s: %w", serverName, err)
	}

	reg := &RegisteredClient{
		ServerName:            serverName,
		ClientID:              respBody.ClientID,
		ClientSecret:          respBody.ClientSecret,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
		RedirectURI:           redirectURI,
		Scopes:                meta.Scopes,
		ResourceURL:           meta.ResourceURL,
	}
	if err := m.store.Write(sessionstore.CategoryOutboundClient, serverName, reg, 0); err != nil {
		return nil, err
	}
	m.log.Infof("oauthclient: registered %s as clientId=%s", serverName, reg.ClientID)
	return reg, nil
}

func (m *Manager) oauth2Config(reg *RegisteredClient) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURL:  reg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  reg.AuthorizationEndpoint,
			TokenURL: reg.TokenEndpoint,
		},
		Scopes: reg.Scopes,
	}
}

// BeginAuthorization builds the authorization URL the caller should open
// for the user and registers a rendezvous waiter for the matching
// /oauth/callback delivery.
func (m *Manager) BeginAuthorization(serverName string) (authURL string, state string, err error) {
	var reg RegisteredClient
	ok, err := m.store.ReadInto(sessionstore.CategoryOutboundClient, serverName, &reg)
	if err != nil || !ok {
		return "", "", fmt.Errorf("%w: %s not registered", gwerr.ErrInvalidClient, serverName)
	}

	verifier := oauth2.GenerateVerifier()
	state = randomState()
	if err := m.store.Write(sessionstore.CategoryPKCEVerifier, state, pkceState{
		ServerName: serverName,
		Verifier:   verifier,
	}, 10*time.Minute); err != nil {
		return "", "", err
	}
	if err := m.store.Write(sessionstore.CategoryOutboundState, state, stateRecord{ServerName: serverName}, 10*time.Minute); err != nil {
		return "", "", err
	}

	config := m.oauth2Config(&reg)
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}
	if reg.ResourceURL != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", reg.ResourceURL))
	}

	m.mu.Lock()
	m.waiters[state] = &waiter{serverName: serverName, ch: make(chan CallbackResult, 1)}
	m.mu.Unlock()

	return config.AuthCodeURL(state, opts...), state, nil
}

// HandleCallback is mounted under the gateway's /oauth/callback/{server}
// route. It validates the presented state against the
// persisted state artifact, delivers the authorization code to whichever
// WaitForCallback call is waiting on that state, and renders a minimal
// human-facing response. serverName is the path segment the gateway
// extracted; it must match the server the state was minted for.
func (m *Manager) HandleCallback(w http.ResponseWriter, r *http.Request, serverName string) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")

	var result CallbackResult
	switch {
	case state == "":
		result = CallbackResult{Err: fmt.Errorf("missing state parameter")}
	case !m.stateMatches(state, serverName):
		result = CallbackResult{Err: fmt.Errorf("state does not match any pending authorization for %s", serverName)}
	case code == "":
		msg := "missing authorization code"
		if errParam := query.Get("error"); errParam != "" {
			msg = fmt.Sprintf("authorization server returned error: %s", errParam)
		}
		result = CallbackResult{Err: fmt.Errorf("%s", msg)}
	default:
		result = CallbackResult{Code: code}
	}

	m.mu.Lock()
	wt, ok := m.waiters[state]
	if ok {
		delete(m.waiters, state)
	}
	m.mu.Unlock()

	if ok {
		select {
		case wt.ch <- result:
		default:
		}
	} else {
		m.log.Warnf("oauthclient: callback for unknown or expired state")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if result.Err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "authorization failed: %v", result.Err)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Authorization successful, you may close this window.")
}

// stateMatches reports whether the persisted state artifact exists and
// was minted for serverName.
func (m *Manager) stateMatches(state, serverName string) bool {
	var rec stateRecord
	ok, _ := m.store.ReadInto(sessionstore.CategoryOutboundState, state, &rec)
	return ok && rec.ServerName == serverName
}

// WaitForCallback blocks until the rendezvous for state resolves or the
// context/rendezvous timeout elapses.
func (m *Manager) WaitForCallback(ctx context.Context, state string) (string, error) {
	m.mu.Lock()
	wt, ok := m.waiters[state]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no pending authorization for state")
	}

	timeout := time.NewTimer(rendezvousTimeout)
	defer timeout.Stop()

	select {
	case res := <-wt.ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Code, nil
	case <-ctx.Done():
		m.cancelWaiter(state)
		return "", fmt.Errorf("%w: authorization wait", gwerr.ErrCancelled)
	case <-timeout.C:
		m.cancelWaiter(state)
		return "", fmt.Errorf("%w: authorization not completed within %s", gwerr.ErrTimeout, rendezvousTimeout)
	}
}

// CancelServer releases every pending rendezvous belonging to serverName,
// used when its spec entry is removed from config mid-flow. Subsequent
// callbacks for those states are rejected as unknown.
func (m *Manager) CancelServer(serverName string) {
	m.mu.Lock()
	var states []string
	for state, wt := range m.waiters {
		if wt.serverName == serverName {
			states = append(states, state)
			select {
			case wt.ch <- CallbackResult{Err: fmt.Errorf("%w: %s", gwerr.ErrUnknownServer, serverName)}:
			default:
			}
			delete(m.waiters, state)
		}
	}
	m.mu.Unlock()
	for _, state := range states {
		_, _ = m.store.Delete(sessionstore.CategoryPKCEVerifier, state)
		_, _ = m.store.Delete(sessionstore.CategoryOutboundState, state)
	}
}

func (m *Manager) cancelWaiter(state string) {
	m.mu.Lock()
	delete(m.waiters, state)
	m.mu.Unlock()
}

// ExchangeCode completes the authorization code grant (AwaitingAuth ->
// Tokenized), validating the PKCE verifier bound to state and persisting
// the resulting token.
func (m *Manager) ExchangeCode(ctx context.Context, state, code string) (string, error) {
	var pkce pkceState
	ok, err := m.store.ReadInto(sessionstore.CategoryPKCEVerifier, state, &pkce)
	if err != nil || !ok {
		return "", fmt.Errorf("%w: unknown or expired state", gwerr.ErrInvalidGrant)
	}
	_, _ = m.store.Delete(sessionstore.CategoryPKCEVerifier, state)
	_, _ = m.store.Delete(sessionstore.CategoryOutboundState, state)

	var reg RegisteredClient
	ok, err = m.store.ReadInto(sessionstore.CategoryOutboundClient, pkce.ServerName, &reg)
	if err != nil || !ok {
		return "", fmt.Errorf("%w: %s not registered", gwerr.ErrInvalidClient, pkce.ServerName)
	}

	config := m.oauth2Config(&reg)
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(pkce.Verifier)}
	if reg.ResourceURL != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", reg.ResourceURL))
	}

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return "", fmt.Errorf("token exchange failed for %s: %w", pkce.ServerName, err)
	}
	if err := m.saveToken(pkce.ServerName, token); err != nil {
		return "", err
	}
	m.log.Infof("oauthclient: authorized %s", pkce.ServerName)
	return pkce.ServerName, nil
}

func (m *Manager) saveToken(serverName string, token *oauth2.Token) error {
	rec := tokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
	}
	// A provider that omits expires_in leaves Expiry zero; the token then
	// expires after the store's default TTL.
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = time.Now().Add(sessionstore.CategoryOutboundTokens.DefaultTTL)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = sessionstore.CategoryOutboundTokens.DefaultTTL
	}
	return m.store.Write(sessionstore.CategoryOutboundTokens, serverName, rec, ttl)
}

// AccessToken returns a valid bearer token for serverName, transparently
// refreshing it via the refresh_token grant when it is near or past
// expiry.
func (m *Manager) AccessToken(ctx context.Context, serverName string) (string, error) {
	var reg RegisteredClient
	ok, err := m.store.ReadInto(sessionstore.CategoryOutboundClient, serverName, &reg)
	if err != nil || !ok {
		return "", fmt.Errorf("%w: %s not registered", gwerr.ErrInvalidClient, serverName)
	}
	var rec tokenRecord
	ok, err = m.store.ReadInto(sessionstore.CategoryOutboundTokens, serverName, &rec)
	if err != nil || !ok {
		return "", fmt.Errorf("%w: %s has no token, authorization required", gwerr.ErrUnauthorized, serverName)
	}

	if time.Now().Before(rec.ExpiresAt.Add(-10 * time.Second)) {
		return rec.AccessToken, nil
	}
	if rec.RefreshToken == "" {
		return "", fmt.Errorf("%w: %s token expired and has no refresh token", gwerr.ErrUnauthorized, serverName)
	}

	// Coalesce concurrent refreshes for the same server into one exchange.
	m.mu.Lock()
	if call, inflight := m.refreshes[serverName]; inflight {
		m.mu.Unlock()
		<-call.done
		return call.token, call.err
	}
	call := &refreshCall{done: make(chan struct{})}
	m.refreshes[serverName] = call
	m.mu.Unlock()

	call.token, call.err = m.refresh(ctx, serverName, &reg, rec)
	close(call.done)

	m.mu.Lock()
	delete(m.refreshes, serverName)
	m.mu.Unlock()

	return call.token, call.err
}

func (m *Manager) refresh(ctx context.Context, serverName string, reg *RegisteredClient, rec tokenRecord) (string, error) {
	config := m.oauth2Config(reg)
	source := config.TokenSource(ctx, &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Expiry:       rec.ExpiresAt,
	})
	refreshed, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token for %s: %w", serverName, err)
	}
	if err := m.saveToken(serverName, refreshed); err != nil {
		return "", err
	}
	m.log.Infof("oauthclient: refreshed token for %s", serverName)
	return refreshed.AccessToken, nil
}

// Revoke drops the stored token for serverName, forcing re-authorization
// on next use.
func (m *Manager) Revoke(serverName string) error {
	_, err := m.store.Delete(sessionstore.CategoryOutboundTokens, serverName)
	return err
}

func randomState() string {
	return oauth2.GenerateVerifier()
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
