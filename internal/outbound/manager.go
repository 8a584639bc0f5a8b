// Package outbound owns one live connection per configured server spec,
// probes its capabilities concurrently, and retries with backoff on
// failure.
package outbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/transport"
)

// Status is a connection's lifecycle position.
type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusAwaitingOAuth Status = "awaiting_oauth"
	StatusFailed        Status = "failed"
	StatusClosed        Status = "closed"
)

const (
	baseBackoff = time.Second
	maxRetries  = 5 // N_MAX: D_n = min(D0*2^n, D0*2^N_MAX)
)

// ServerSpec is the static description of one outbound server.
type ServerSpec struct {
	Name      string
	Tags      []string
	Kind      string        // "stdio" | "http" | "sse"
	Timeout   time.Duration // operation-level default; 0 means the gateway default
	Stdio     transport.StdioSpec
	URL       string
	Headers   map[string]string
	OAuth     *OAuthSpec
	DependsOn []string // for circular-dependency detection
}

// OAuthSpec is an http/sse server's optional pre-configured OAuth client.
// When nil, the outbound OAuth subsystem falls back to dynamic client
// registration on the first 401.
type OAuthSpec struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	RedirectURL  string
}

// Probe fetches one server's capability snapshot over a live transport. It
// is supplied by the caller (typically the mcpserver/capabilities wiring)
// so this package stays free of an MCP client SDK dependency.
type Probe func(ctx context.Context, tr transport.Transport) (ProbeResult, error)

// ProbeResult is what a successful probe returns; concretely this wraps
// capabilities.Snapshot, but outbound doesn't import capabilities to keep
// the dependency direction one-way (capabilities depends on nothing,
// outbound depends on transport only).
type ProbeResult struct {
	Tools             int
	Prompts           int
	Resources         int
	ResourceTemplates int
	Raw               any
}

// Connection tracks one server's live transport and status.
type Connection struct {
	Spec   ServerSpec
	mu     sync.Mutex
	status Status
	tr     transport.Transport
	err    error
	result ProbeResult
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Transport returns the live transport, or nil if not connected.
func (c *Connection) Transport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr
}

func (c *Connection) Result() ProbeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Fail records err and settles the connection in StatusFailed, used by
// the OAuth orchestration when the authorization dance cannot complete.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	c.status = StatusFailed
	c.err = err
	c.mu.Unlock()
}

func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Manager owns the full set of outbound connections.
type Manager struct {
	log   gwlog.Logger
	dial  func(spec ServerSpec) (transport.Transport, error)
	probe Probe

	mu    sync.RWMutex
	conns map[string]*Connection
}

func New(log gwlog.Logger, dial func(ServerSpec) (transport.Transport, error), probe Probe) *Manager {
	return &Manager{log: log, dial: dial, probe: probe, conns: make(map[string]*Connection)}
}

// checkCircularDependencies walks each spec's DependsOn graph and reports
// the first cycle found.
func checkCircularDependencies(specs []ServerSpec) error {
	byName := make(map[string]ServerSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(specs))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("%w: %v -> %s", gwerr.ErrCircularDependency, path, name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, s := range specs {
		if err := visit(s.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

// ConnectAll connects and probes every spec concurrently. One spec's
// backoff never blocks another's attempt.
func (m *Manager) ConnectAll(ctx context.Context, specs []ServerSpec) error {
	if err := checkCircularDependencies(specs); err != nil {
		return err
	}

	m.mu.Lock()
	for _, spec := range specs {
		if _, exists := m.conns[spec.Name]; !exists {
			m.conns[spec.Name] = &Connection{Spec: spec, status: StatusConnecting}
		}
	}
	m.mu.Unlock()

	// The group is a completion barrier only. Attempts run against the
	// caller's ctx, not the group's derived one: transports outlive this
	// call, and the derived context is cancelled as soon as Wait returns.
	var errs errgroup.Group
	for _, spec := range specs {
		spec := spec
		errs.Go(func() error {
			m.connectWithRetry(ctx, spec)
			return nil
		})
	}
	return errs.Wait()
}

// connectWithRetry implements the exponential backoff schedule D_n =
// min(D0 * 2^n, D0 * 2^N_MAX): one first attempt plus up to maxRetries
// retries.
func (m *Manager) connectWithRetry(ctx context.Context, spec ServerSpec) {
	conn := m.get(spec.Name)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		tr, err := m.dial(spec)
		if err == nil {
			if startErr := tr.Start(ctx); startErr == nil {
				result, probeErr := m.probe(ctx, tr)
				if probeErr == nil {
					if st, ok := tr.(*transport.StdioTransport); ok {
						st.ResetRestartCount()
					}
					conn.mu.Lock()
					conn.tr = tr
					conn.result = result
					conn.status = StatusConnected
					conn.err = nil
					conn.mu.Unlock()
					go m.watchDisconnect(conn, tr)
					return
				}
				err = probeErr
				if err == transport.ErrUnauthorizedResponse {
					conn.setStatus(StatusAwaitingOAuth)
					conn.mu.Lock()
					conn.err = err
					conn.mu.Unlock()
					return
				}
			} else {
				err = startErr
			}
		}

		conn.mu.Lock()
		conn.err = err
		conn.mu.Unlock()

		if attempt == maxRetries {
			break
		}
		delay := backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			conn.setStatus(StatusClosed)
			return
		}
	}

	m.log.Warnf("outbound: %s failed to connect after %d attempts: %v", spec.Name, maxRetries+1, conn.Err())
	conn.setStatus(StatusFailed)
}

// watchDisconnect marks the connection closed when its transport drops
// out from under it (child exit past the restart budget, SSE stream
// loss). The tr identity check keeps a stale watcher from clobbering a
// connection that has since been given a fresh transport.
func (m *Manager) watchDisconnect(conn *Connection, tr transport.Transport) {
	<-tr.Closed()
	conn.mu.Lock()
	if conn.status == StatusConnected && conn.tr == tr {
		conn.status = StatusClosed
		conn.err = fmt.Errorf("transport disconnected")
		m.log.Warnf("outbound: %s transport disconnected", conn.Spec.Name)
	}
	conn.mu.Unlock()
}

func backoffDelay(attempt int) time.Duration {
	capped := attempt
	if capped > maxRetries {
		capped = maxRetries
	}
	return baseBackoff * time.Duration(1<<uint(capped))
}

func (m *Manager) get(name string) *Connection {
	m.mu.RLock()
	c, ok := m.conns[name]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[name]; ok {
		return c
	}
	c = &Connection{Spec: ServerSpec{Name: name}, status: StatusConnecting}
	m.conns[name] = c
	return c
}

// GetAll returns a snapshot of every tracked connection.
func (m *Manager) GetAll() map[string]*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Connection, len(m.conns))
	for k, v := range m.conns {
		out[k] = v
	}
	return out
}

// Get returns the connection for serverName, or nil.
func (m *Manager) Get(serverName string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[serverName]
}

// ExecuteOptions tunes one Execute call: a best-effort retry budget for
// untyped send failures and an optional capability guard checked before
// anything is sent.
type ExecuteOptions struct {
	RetryCount         int
	RetryDelay         time.Duration // default 1s when RetryCount > 0
	RequiredCapability string        // "tools" | "prompts" | "resources", empty = no guard
}

// Execute sends env over serverName's transport with no retries.
func (m *Manager) Execute(ctx context.Context, serverName string, env transport.Envelope) error {
	return m.ExecuteWithOptions(ctx, serverName, env, ExecuteOptions{})
}

// ExecuteWithOptions sends env over serverName's transport, guarding on
// the connection being live and the required capability being advertised,
// retrying untyped send failures up to opts.RetryCount times. A fired
// cancellation between retries returns Cancelled, not the send error.
func (m *Manager) ExecuteWithOptions(ctx context.Context, serverName string, env transport.Envelope, opts ExecuteOptions) error {
	conn := m.Get(serverName)
	if conn == nil {
		return fmt.Errorf("%w: %s", gwerr.ErrUnknownServer, serverName)
	}
	if conn.Status() != StatusConnected {
		return fmt.Errorf("%w: %s is %s", gwerr.ErrClientNotConnected, serverName, conn.Status())
	}
	if err := m.checkCapability(conn, opts.RequiredCapability); err != nil {
		return err
	}
	tr := conn.Transport()
	if tr == nil {
		return fmt.Errorf("%w: %s", gwerr.ErrClientNotConnected, serverName)
	}

	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %s", gwerr.ErrCancelled, serverName)
			}
		}
		if lastErr = tr.Send(ctx, env); lastErr == nil {
			return nil
		}
		m.log.Warnf("outbound: send to %s failed (attempt %d): %v", serverName, attempt+1, lastErr)
	}
	return lastErr
}

func (m *Manager) checkCapability(conn *Connection, capability string) error {
	if capability == "" {
		return nil
	}
	result := conn.Result()
	ok := true
	switch capability {
	case "tools":
		ok = result.Tools > 0
	case "prompts":
		ok = result.Prompts > 0
	case "resources":
		ok = result.Resources > 0 || result.ResourceTemplates > 0
	}
	if !ok {
		return fmt.Errorf("%w: %s does not advertise %s", gwerr.ErrCapabilityMissing, conn.Spec.Name, capability)
	}
	return nil
}

// Close shuts down every tracked connection's transport.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.conns {
		if tr := c.Transport(); tr != nil {
			if err := tr.Close(); err != nil {
				m.log.Warnf("outbound: closing %s: %v", name, err)
			}
		}
		c.setStatus(StatusClosed)
	}
}

// ReloadDiff is the set of changes between two config snapshots.
type ReloadDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

// DiffSpecs computes the reload diff the hot-reload path applies: a
// server is Changed when its normalized value (kind, url, headers, tags,
// timeout, or stdio command/args) differs between the two snapshots.
func DiffSpecs(oldSpecs, newSpecs []ServerSpec) ReloadDiff {
	oldByName := make(map[string]ServerSpec, len(oldSpecs))
	for _, s := range oldSpecs {
		oldByName[s.Name] = s
	}
	newByName := make(map[string]ServerSpec, len(newSpecs))
	for _, s := range newSpecs {
		newByName[s.Name] = s
	}

	var diff ReloadDiff
	for name, n := range newByName {
		o, existed := oldByName[name]
		if !existed {
			diff.Added = append(diff.Added, name)
			continue
		}
		if specChanged(o, n) {
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range oldByName {
		if _, stillExists := newByName[name]; !stillExists {
			diff.Removed = append(diff.Removed, name)
		}
	}
	return diff
}

func specChanged(a, b ServerSpec) bool {
	if a.Kind != b.Kind || a.URL != b.URL || a.Timeout != b.Timeout {
		return true
	}
	if !stringSlicesEqual(a.Tags, b.Tags) {
		return true
	}
	if len(a.Headers) != len(b.Headers) {
		return true
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return true
		}
	}
	if a.Stdio.Command != b.Stdio.Command || !stringSlicesEqual(a.Stdio.Args, b.Stdio.Args) {
		return true
	}
	return false
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ApplyReload disconnects removed/changed servers and reconnects
// added/changed ones, idempotently: reapplying the
// same diff twice leaves the connection set unchanged.
func (m *Manager) ApplyReload(ctx context.Context, diff ReloadDiff, newSpecs []ServerSpec) error {
	byName := make(map[string]ServerSpec, len(newSpecs))
	for _, s := range newSpecs {
		byName[s.Name] = s
	}

	for _, name := range append(append([]string{}, diff.Removed...), diff.Changed...) {
		m.mu.Lock()
		conn, ok := m.conns[name]
		if ok {
			delete(m.conns, name)
		}
		m.mu.Unlock()
		if ok {
			if tr := conn.Transport(); tr != nil {
				_ = tr.Close()
			}
		}
	}

	var toConnect []ServerSpec
	for _, name := range append(append([]string{}, diff.Added...), diff.Changed...) {
		if spec, ok := byName[name]; ok {
			toConnect = append(toConnect, spec)
		}
	}
	if len(toConnect) == 0 {
		return nil
	}
	return m.ConnectAll(ctx, toConnect)
}
