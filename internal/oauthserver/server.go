// Package oauthserver is the inbound OAuth 2.1 Authorization Server the
// gateway optionally terminates for inbound agents. All artifacts are
// persisted through the Session Store so the AS survives restarts and
// TTLs are enforced in one place.
package oauthserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/sessionstore"
)

// ClientRegistration is the RFC7591 dynamic-registration result. The
// issuedAt tag keeps the field clear of the store envelope's own
// createdAt bookkeeping key.
type ClientRegistration struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	RedirectURIs []string  `json:"redirectUris"`
	Scope        string    `json:"scope"`
	GrantTypes   []string  `json:"grantTypes"`
	CreatedAt    time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// AuthRequest is the short-lived record created at /authorize.
type AuthRequest struct {
	ID            string   `json:"id"`
	ClientID      string   `json:"clientId"`
	RedirectURI   string   `json:"redirectUri"`
	CodeChallenge string   `json:"codeChallenge,omitempty"`
	State         string   `json:"state,omitempty"`
	Resource      string   `json:"resource,omitempty"`
	Scopes        []string `json:"scopes"`
}

// AuthCode is issued upon consent, single-use, TTL 60s.
type AuthCode struct {
	Code          string   `json:"code"`
	ClientID      string   `json:"clientId"`
	RedirectURI   string   `json:"redirectUri"`
	Resource      string   `json:"resource,omitempty"`
	Scopes        []string `json:"scopes"`
	CodeChallenge string   `json:"codeChallenge,omitempty"`
}

// AccessTokenBinding is recorded when a token is issued.
type AccessTokenBinding struct {
	ClientID  string    `json:"clientId"`
	Resource  string    `json:"resource,omitempty"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

const (
	authRequestTTL   = 10 * time.Minute
	authCodeTTL      = 60 * time.Second
	defaultTokenTTL  = 24 * time.Hour
	defaultClientTTL = 30 * 24 * time.Hour
)

// Server is the inbound Authorization Server.
type Server struct {
	store    *sessionstore.Store
	log      gwlog.Logger
	tokenTTL time.Duration
}

func New(store *sessionstore.Store, log gwlog.Logger, tokenTTL time.Duration) *Server {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &Server{store: store, log: log, tokenTTL: tokenTTL}
}

// RegisterRequest mirrors the subset of RFC7591 metadata the gateway
// accepts.
type RegisterRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
	GrantTypes              []string `json:"grant_types"`
}

// Register performs dynamic client registration.
func (s *Server) Register(req RegisterRequest) (*ClientRegistration, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: redirect_uris required", gwerr.ErrInvalidRequest)
	}
	now := time.Now()
	reg := &ClientRegistration{
		ClientID:     randomToken(16),
		RedirectURIs: req.RedirectURIs,
		Scope:        req.Scope,
		GrantTypes:   req.GrantTypes,
		CreatedAt:    now,
		ExpiresAt:    now.Add(defaultClientTTL),
	}
	if req.TokenEndpointAuthMethod != "none" {
		reg.ClientSecret = randomToken(32)
	}
	if err := s.store.Write(sessionstore.CategoryClientRegistration, reg.ClientID, reg, defaultClientTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrServerError, err)
	}
	return reg, nil
}

func (s *Server) getClient(clientID string) (*ClientRegistration, error) {
	var reg ClientRegistration
	ok, err := s.store.ReadInto(sessionstore.CategoryClientRegistration, clientID, &reg)
	if err != nil || !ok {
		return nil, gwerr.ErrInvalidClient
	}
	return &reg, nil
}

// AuthorizeRequest is the parsed /authorize query.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Resource            string
	Scopes              []string
}

// Authorize validates the request and creates an AuthRequest, returning its
// id so the caller can redirect to a consent page parameterized by it.
func (s *Server) Authorize(req AuthorizeRequest) (authRequestID string, err error) {
	reg, err := s.getClient(req.ClientID)
	if err != nil {
		return "", err
	}
	if !containsString(reg.RedirectURIs, req.RedirectURI) {
		return "", fmt.Errorf("%w: redirect_uri not registered", gwerr.ErrInvalidRequest)
	}
	if req.ResponseType != "code" {
		return "", fmt.Errorf("%w: response_type must be code", gwerr.ErrInvalidRequest)
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		return "", fmt.Errorf("%w: only S256 code_challenge_method supported", gwerr.ErrInvalidRequest)
	}

	ar := AuthRequest{
		ID:            uuid.NewString(),
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		State:         req.State,
		Resource:      req.Resource,
		Scopes:        req.Scopes,
	}
	if err := s.store.Write(sessionstore.CategoryAuthRequest, ar.ID, ar, authRequestTTL); err != nil {
		return "", fmt.Errorf("%w: %v", gwerr.ErrServerError, err)
	}
	return ar.ID, nil
}

// ConsentResult is the outcome of the human-facing consent step.
type ConsentResult struct {
	Approved      bool
	GrantedScopes []string // subset of AuthRequest.Scopes
}

// ConsentOutcome carries everything the caller needs to build the
// redirect response.
type ConsentOutcome struct {
	RedirectURI string
	Code        string // set iff approved
	State       string
	Denied      bool
}

// Consent completes an AuthRequest. Approved: mints a
// single-use AuthCode bound to the granted scopes and deletes the
// AuthRequest. Denied: signals the caller to redirect with
// error=access_denied. Both outcomes are audited via the logger.
func (s *Server) Consent(authRequestID string, result ConsentResult) (*ConsentOutcome, error) {
	var ar AuthRequest
	ok, err := s.store.ReadInto(sessionstore.CategoryAuthRequest, authRequestID, &ar)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: unknown or expired auth request", gwerr.ErrInvalidRequest)
	}
	defer s.store.Delete(sessionstore.CategoryAuthRequest, authRequestID)

	if !result.Approved {
		s.log.Infof("oauthserver: consent denied clientId=%s", ar.ClientID)
		return &ConsentOutcome{RedirectURI: ar.RedirectURI, State: ar.State, Denied: true}, nil
	}

	code := AuthCode{
		Code:          randomToken(24),
		ClientID:      ar.ClientID,
		RedirectURI:   ar.RedirectURI,
		Resource:      ar.Resource,
		Scopes:        result.GrantedScopes,
		CodeChallenge: ar.CodeChallenge,
	}
	if err := s.store.Write(sessionstore.CategoryAuthCode, code.Code, code, authCodeTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrServerError, err)
	}
	s.log.Infof("oauthserver: consent approved clientId=%s scopes=%v", ar.ClientID, result.GrantedScopes)
	return &ConsentOutcome{RedirectURI: ar.RedirectURI, Code: code.Code, State: ar.State}, nil
}

// TokenRequest is the parsed POST /token body.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

// TokenResponse is the bearer token issuance result.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// Token exchanges a single-use AuthCode for a bearer token.
// The code is deleted whether the exchange succeeds or fails, enforcing
// single-use under concurrent exchange attempts.
func (s *Server) Token(req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return nil, fmt.Errorf("%w", gwerr.ErrUnsupportedGrantType)
	}

	var code AuthCode
	ok, err := s.store.ReadInto(sessionstore.CategoryAuthCode, req.Code, &code)
	if err != nil {
		return nil, fmt.Errorf("%w", gwerr.ErrServerError)
	}
	// Delete first: only one concurrent exchanger can win the race to
	// observe ok=true before the file disappears out from under the rest.
	removed, _ := s.store.Delete(sessionstore.CategoryAuthCode, req.Code)
	if !ok || !removed {
		return nil, fmt.Errorf("%w: code already used or expired", gwerr.ErrInvalidGrant)
	}

	if code.ClientID != req.ClientID || code.RedirectURI != req.RedirectURI {
		return nil, fmt.Errorf("%w: client or redirect_uri mismatch", gwerr.ErrInvalidGrant)
	}
	if code.CodeChallenge != "" {
		if req.CodeVerifier == "" || !verifyPKCE(code.CodeChallenge, req.CodeVerifier) {
			return nil, fmt.Errorf("%w: PKCE verification failed", gwerr.ErrInvalidGrant)
		}
	}

	token := randomToken(32)
	binding := AccessTokenBinding{
		ClientID:  code.ClientID,
		Resource:  code.Resource,
		Scopes:    code.Scopes,
		ExpiresAt: time.Now().Add(s.tokenTTL),
	}
	if err := s.store.Write(sessionstore.CategoryInboundSession, "tok_"+token, binding, s.tokenTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerr.ErrServerError, err)
	}

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokenTTL.Seconds()),
		Scope:       joinScopes(code.Scopes),
	}, nil
}

// Verify returns the AccessTokenBinding for a bearer token, or
// invalid_token.
func (s *Server) Verify(token string) (*AccessTokenBinding, error) {
	var binding AccessTokenBinding
	ok, err := s.store.ReadInto(sessionstore.CategoryInboundSession, "tok_"+token, &binding)
	if err != nil || !ok {
		return nil, fmt.Errorf("invalid_token")
	}
	if time.Now().After(binding.ExpiresAt) {
		return nil, fmt.Errorf("invalid_token")
	}
	return &binding, nil
}

func verifyPKCE(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
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
