package gateway

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/mcpserver"
	"github.com/1mcp-go/gateway/internal/oauthserver"
	"github.com/1mcp-go/gateway/internal/transport"
)

// sseStream is one GET /sse (or GET /) long-lived connection: every
// message the gateway needs to push to this client (responses and
// notifications alike) is serialized as an SSE "message" event.
type sseStream struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	flush  http.Flusher
	closed chan struct{}
}

func (s *sseStream) write(env transport.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return fmt.Errorf("sse stream closed")
	default:
	}
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", env); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

// runHTTP serves the inbound SSE/streamable-HTTP surface plus the
// inbound Authorization Server, the outbound OAuth callback route, and
// the health endpoint.
func (g *Gateway) runHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/", g.originGuard(http.HandlerFunc(g.handleSSEOpen)))
	mux.Handle("/sse", g.originGuard(http.HandlerFunc(g.handleSSEOpen)))
	mux.Handle("/messages", g.originGuard(http.HandlerFunc(g.handleMessages)))

	mux.HandleFunc("/oauth/callback/", g.handleOAuthCallback)

	mux.HandleFunc("/register", g.handleASRegister)
	mux.HandleFunc("/authorize", g.handleASAuthorize)
	mux.HandleFunc("/consent", g.handleASConsent)
	mux.HandleFunc("/token", g.handleASToken)

	var handler http.Handler = mux
	if g.rec.AuthEnabled && g.rec.AuthToken != "" {
		handler = g.authenticationMiddleware(mux)
	}

	addr := net.JoinHostPort(g.rec.Host, strconv.Itoa(g.rec.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	g.log.Infof("gateway: serving HTTP on %s", addr)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.mu.RLock()
	healthy := g.healthy
	g.mu.RUnlock()
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

// handleSSEOpen opens a persistent SSE stream for one inbound session,
// minting the session from the request's preset/tags/expression query
// parameters, then announces the companion POST endpoint the client must
// use to send requests, matching the classic MCP SSE transport handshake.
func (g *Gateway) handleSSEOpen(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := g.sessionsMgr.CreateSession(r.Context(), sessionRequestFromQuery(r.URL.Query()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stream := &sseStream{w: w, flush: flusher, closed: make(chan struct{})}
	is := g.registerSession(sess, stream.write)
	defer g.unregisterSession(is.id)
	defer close(stream.closed)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", sess.ID)
	flusher.Flush()

	<-r.Context().Done()
}

func sessionRequestFromQuery(q url.Values) mcpserver.SessionRequest {
	req := mcpserver.SessionRequest{
		Preset:     q.Get("preset"),
		Expression: q.Get("filter"),
		TagsAND:    q.Get("tagMode") == "and",
	}
	if tags := q.Get("tags"); tags != "" {
		req.Tags = strings.Split(tags, ",")
	}
	return req
}

// handleMessages accepts one JSON-RPC request addressed to an existing SSE
// session and delivers its response over that session's SSE stream,
// replying 202 Accepted here (the classic MCP SSE transport's split
// between the POST acknowledgment and the actual result).
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	g.mu.RLock()
	is, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var req rpcEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		go g.handleClientNotification(req, is)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// The request context dies the moment this handler returns 202; the
	// dispatched operation must keep running until its own timeout.
	go func() {
		resp := g.handle(g.lifecycleCtx(), is, req)
		env, err := json.Marshal(resp)
		if err != nil {
			g.log.Warnf("gateway: marshaling response for session %s: %v", sessionID, err)
			return
		}
		if err := is.deliver(env); err != nil {
			g.log.Warnf("gateway: delivering response to session %s: %v", sessionID, err)
		}
	}()
}

// handleOAuthCallback serves /oauth/callback/{serverName}: the rendezvous
// delivery route for the outbound OAuth dance. A callback for a server
// the gateway no longer tracks (removed by reload mid-flow) is rejected.
func (g *Gateway) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	serverName := strings.TrimPrefix(r.URL.Path, "/oauth/callback/")
	if serverName == "" || strings.Contains(serverName, "/") {
		http.Error(w, "missing server name", http.StatusNotFound)
		return
	}
	if g.outboundMgr.Get(serverName) == nil {
		http.Error(w, "unknown_server", http.StatusNotFound)
		return
	}
	g.oauthClient.HandleCallback(w, r, serverName)
}

func (g *Gateway) handleASRegister(w http.ResponseWriter, r *http.Request) {
	var req oauthserver.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	reg, err := g.asServer.Register(req)
	if err != nil {
		writeASError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (g *Gateway) handleASAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := g.asServer.Authorize(oauthserver.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Resource:            q.Get("resource"),
		Scopes:              strings.Fields(q.Get("scope")),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/consent?authRequestId="+id, http.StatusFound)
}

func (g *Gateway) handleASConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	outcome, err := g.asServer.Consent(r.Form.Get("authRequestId"), oauthserver.ConsentResult{
		Approved:      r.Form.Get("approve") == "true",
		GrantedScopes: strings.Fields(r.Form.Get("scope")),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	redirectURI := outcome.RedirectURI
	if outcome.Denied {
		http.Redirect(w, r, redirectURI+"?error=access_denied&state="+url.QueryEscape(outcome.State), http.StatusFound)
		return
	}
	http.Redirect(w, r, redirectURI+"?code="+url.QueryEscape(outcome.Code)+"&state="+url.QueryEscape(outcome.State), http.StatusFound)
}

func (g *Gateway) handleASToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	resp, err := g.asServer.Token(oauthserver.TokenRequest{
		GrantType:    r.Form.Get("grant_type"),
		Code:         r.Form.Get("code"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		ClientID:     r.Form.Get("client_id"),
		CodeVerifier: r.Form.Get("code_verifier"),
	})
	if err != nil {
		writeASError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeASError maps an Authorization Server failure onto the RFC6749 JSON
// error body and HTTP status (400/401/500).
func writeASError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	code := "server_error"
	for _, sentinel := range []error{
		gwerr.ErrInvalidRequest, gwerr.ErrInvalidClient, gwerr.ErrInvalidGrant,
		gwerr.ErrUnauthorizedClient, gwerr.ErrUnsupportedGrantType, gwerr.ErrInvalidScope,
	} {
		if errors.Is(err, sentinel) {
			code = sentinel.Error()
			break
		}
	}
	switch code {
	case "invalid_client":
		status = http.StatusUnauthorized
	case "server_error":
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": code, "error_description": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isAllowedOrigin allows only localhost/127.0.0.1 origins, guarding
// against DNS-rebinding attacks against the inbound HTTP surface.
func isAllowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// originGuard rejects cross-origin browser requests while passing through
// non-browser clients that send no Origin header at all.
func (g *Gateway) originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isAllowedOrigin(origin) {
			http.Error(w, "Forbidden: Invalid Origin header", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// openRoute reports whether path is reachable without a bearer token: the health check, the
// Authorization Server endpoints a client must use to obtain a token in
// the first place, and the outbound OAuth rendezvous callback a remote
// authorization server redirects the user's browser to.
func openRoute(path string) bool {
	switch path {
	case "/health", "/register", "/authorize", "/consent", "/token":
		return true
	}
	return strings.HasPrefix(path, "/oauth/callback/")
}

// authenticationMiddleware requires a bearer token on every non-open
// route: either the shared gateway token from the startup record or a
// token the inbound Authorization Server issued.
func (g *Gateway) authenticationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openRoute(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		const bearerPrefix = "Bearer "
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="1mcp"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(authHeader, bearerPrefix)
		authenticated := subtle.ConstantTimeCompare([]byte(token), []byte(g.rec.AuthToken)) == 1
		if !authenticated {
			if _, err := g.asServer.Verify(token); err == nil {
				authenticated = true
			}
		}
		if !authenticated {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GenerateAuthToken mints a gateway bearer token: fixed-length,
// lowercase letters and digits, drawn from crypto/rand.
func GenerateAuthToken() (string, error) {
	const length = 50
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	charsetLen := big.NewInt(int64(len(charset)))
	for i := range b {
		n, err := cryptorand.Int(cryptorand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("generating auth token: %w", err)
		}
		b[i] = charset[n.Int64()]
	}
	return string(b), nil
}
