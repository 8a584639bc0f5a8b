// Package gateway is the process-scoped aggregate that wires the session
// store, OAuth subsystems, transport layer, outbound connection manager,
// capability aggregator, inbound session manager, notification bridge,
// and config/preset layer into one running gateway: a single struct
// constructed once by main and passed explicitly, no package-level state.
package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/1mcp-go/gateway/internal/capabilities"
	"github.com/1mcp-go/gateway/internal/gwconfig"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/mcpserver"
	"github.com/1mcp-go/gateway/internal/notify"
	"github.com/1mcp-go/gateway/internal/oauthclient"
	"github.com/1mcp-go/gateway/internal/oauthserver"
	"github.com/1mcp-go/gateway/internal/outbound"
	"github.com/1mcp-go/gateway/internal/sessionstore"
)

// StartupRecord is the contract the CLI hands the core: everything main
// needs to build a Gateway, with no dependency on argument parsing.
type StartupRecord struct {
	Transport          string // "stdio" | "sse" | "http"
	Host               string
	Port               int
	ConfigPath         string
	SessionStoragePath string
	AuthEnabled        bool
	AuthToken          string
	LogLevel           string
	PublicBaseURL      string // used to build the outbound OAuth redirect_uri
}

// Gateway is the single aggregate owning every subsystem handle. Nothing
// here is a package-level singleton; main constructs exactly one and
// threads it through.
type Gateway struct {
	rec StartupRecord
	log gwlog.Logger

	store       *sessionstore.Store
	presets     *gwconfig.PresetStore
	watcher     *gwconfig.Watcher
	aggregator  *capabilities.Aggregator
	outboundMgr *outbound.Manager
	sessionsMgr *mcpserver.Manager
	bridge      *notify.Bridge
	asServer    *oauthserver.Server
	oauthClient *oauthclient.Manager

	correlator *correlator

	mu       sync.RWMutex
	runCtx   context.Context // set by Run; parents every transport's lifetime
	sessions map[string]*inboundSession
	healthy  bool
}

// New wires every subsystem handle. It does not start I/O; call Run to
// do that.
func New(rec StartupRecord, log gwlog.Logger) (*Gateway, error) {
	if rec.ConfigPath == "" {
		rec.ConfigPath = defaultConfigPath()
	}
	if rec.SessionStoragePath == "" {
		rec.SessionStoragePath = filepath.Join(defaultConfigDir(), "sessions")
	}

	store, err := sessionstore.New(rec.SessionStoragePath, log.With("component", "sessionstore"))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	presetDBPath := filepath.Join(defaultConfigDir(), "presets.db")
	presets, err := gwconfig.OpenPresetStore(presetDBPath)
	if err != nil {
		store.Shutdown()
		return nil, fmt.Errorf("opening preset store: %w", err)
	}

	aggregator := capabilities.NewAggregator(log.With("component", "capabilities"), nil)

	g := &Gateway{
		rec:        rec,
		log:        log,
		store:      store,
		presets:    presets,
		aggregator: aggregator,
		sessions:   make(map[string]*inboundSession),
	}

	g.oauthClient = oauthclient.New(store, log.With("component", "oauthclient"), g.redirectURI())
	g.asServer = oauthserver.New(store, log.With("component", "oauthserver"), 24*time.Hour)
	g.bridge = notify.New(log.With("component", "notify"), g.deliverNotification)
	g.outboundMgr = outbound.New(log.With("component", "outbound"), g.dial, g.probe)
	g.sessionsMgr = mcpserver.New(store, aggregator, g.outboundMgr, presets, log.With("component", "mcpserver"))
	g.correlator = newCorrelator(log.With("component", "correlator"), g.bridge)

	watcher, err := gwconfig.NewWatcher(rec.ConfigPath, log.With("component", "gwconfig"), g.onConfigChange)
	if err != nil {
		presets.Close()
		store.Shutdown()
		return nil, fmt.Errorf("loading config %s: %w", rec.ConfigPath, err)
	}
	g.watcher = watcher

	return g, nil
}

func (g *Gateway) redirectURI() string {
	base := g.rec.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", defaultHost(g.rec.Host), g.rec.Port)
	}
	return base + "/oauth/callback"
}

func defaultHost(h string) string {
	if h == "" {
		return "localhost"
	}
	return h
}

func defaultConfigDir() string {
	if dir := os.Getenv("ONE_MCP_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".1mcp"
	}
	return filepath.Join(home, ".config", "1mcp")
}

func defaultConfigPath() string {
	if p := os.Getenv("ONE_MCP_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultConfigDir(), "mcp-servers.json")
}

// Run connects every non-disabled outbound server, starts the config
// watcher, and serves the inbound transport until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	g.runCtx = ctx
	g.mu.Unlock()

	cfg := g.watcher.Current()
	specs := cfg.ToSpecs()

	if err := g.outboundMgr.ConnectAll(ctx, specs); err != nil {
		return fmt.Errorf("connecting outbound servers: %w", err)
	}
	g.publishConnected(specs)
	g.startPendingAuthorizations(ctx, specs)

	if err := g.watcher.Start(); err != nil {
		g.log.Warnf("gateway: config watcher failed to start: %v", err)
	}
	defer g.watcher.Stop()

	g.mu.Lock()
	g.healthy = true
	g.mu.Unlock()

	switch g.rec.Transport {
	case "stdio":
		return g.runStdio(ctx)
	default:
		return g.runHTTP(ctx)
	}
}

// lifecycleCtx is the context transports started outside Run's initial
// connect pass (reload, post-OAuth reconnect) are parented to, so they
// live until shutdown rather than until the operation that spawned them.
func (g *Gateway) lifecycleCtx() context.Context {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.runCtx != nil {
		return g.runCtx
	}
	return context.Background()
}

// Shutdown releases every subsystem's resources. Idempotent.
func (g *Gateway) Shutdown() {
	g.outboundMgr.Close()
	g.store.Shutdown()
	if g.presets != nil {
		_ = g.presets.Close()
	}
}

// publishConnected copies every newly Connected outbound's capability
// snapshot into the aggregator and starts a response/notification pump for
// its transport.
func (g *Gateway) publishConnected(specs []outbound.ServerSpec) {
	tagsByName := make(map[string][]string, len(specs))
	for _, s := range specs {
		tagsByName[s.Name] = s.Tags
	}
	for name, conn := range g.outboundMgr.GetAll() {
		if conn.Status() != outbound.StatusConnected {
			continue
		}
		snap, ok := conn.Result().Raw.(*capabilities.Snapshot)
		if !ok || snap == nil {
			continue
		}
		snap.Tags = tagsByName[name]
		g.aggregator.Publish(*snap)
		if tr := conn.Transport(); tr != nil {
			g.correlator.pump(name, tr)
		}
	}
}
