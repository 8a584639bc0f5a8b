// Package gwconfig is the JSON config layer (load, validate, watch with
// debounce, diff) plus the SQLite-backed preset store.
package gwconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/1mcp-go/gateway/internal/capabilities"
	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/outbound"
	"github.com/1mcp-go/gateway/internal/transport"
)

// DebounceInterval is the minimum quiet period after the last filesystem
// event before a reload fires.
const DebounceInterval = 150 * time.Millisecond

// defaultRestartDelay applies when a stdio entry enables restartOnExit but
// names no delay.
const defaultRestartDelay = 1000

// OAuthEntry is the optional outbound OAuth block on an http/sse server.
type OAuthEntry struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RedirectURL  string   `json:"redirectUrl,omitempty"`
}

// ServerEntry is one server's JSON config shape under "mcpServers". The
// entry's name is its key in the mcpServers object. Env values may be null
// to mean "inherit this variable from the parent environment if present".
type ServerEntry struct {
	Name             string             `json:"-"`
	Kind             string             `json:"kind"` // stdio | http | sse
	Disabled         bool               `json:"disabled,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Timeout          int                `json:"timeout,omitempty"` // ms
	Command          string             `json:"command,omitempty"`
	Args             []string           `json:"args,omitempty"`
	Cwd              string             `json:"cwd,omitempty"`
	Env              map[string]*string `json:"env,omitempty"`
	InheritParentEnv bool               `json:"inheritParentEnv,omitempty"`
	EnvFilter        []string           `json:"envFilter,omitempty"`
	RestartOnExit    bool               `json:"restartOnExit,omitempty"`
	MaxRestarts      *int               `json:"maxRestarts,omitempty"`
	RestartDelay     int                `json:"restartDelay,omitempty"` // ms
	URL              string             `json:"url,omitempty"`
	Headers          map[string]string  `json:"headers,omitempty"`
	OAuth            *OAuthEntry        `json:"oauth,omitempty"`
	DependsOn        []string           `json:"dependsOn,omitempty"`
}

// knownServerFields is the exhaustive key set of ServerEntry's JSON shape;
// anything else in a server object is ignored with a warning.
var knownServerFields = map[string]bool{
	"kind": true, "disabled": true, "tags": true, "timeout": true,
	"command": true, "args": true, "cwd": true, "env": true,
	"inheritParentEnv": true, "envFilter": true, "restartOnExit": true,
	"maxRestarts": true, "restartDelay": true, "url": true,
	"headers": true, "oauth": true, "dependsOn": true,
}

// Config is the gateway's parsed configuration: the mcpServers entries in
// name order, plus any unknown-field warnings collected during parsing.
type Config struct {
	Servers  []ServerEntry
	Warnings []string
}

type configDocument struct {
	MCPServers map[string]json.RawMessage `json:"mcpServers"`
}

// Load reads and validates a config document from path. The document is
// a single JSON object {"mcpServers": {"<name>": {...}, ...}}; unknown
// fields on a server entry are collected as warnings, not errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var doc configDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg := &Config{}
	names := make([]string, 0, len(doc.MCPServers))
	for name := range doc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := doc.MCPServers[name]
		var entry ServerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("parsing server %q: %w", name, err)
		}
		entry.Name = name

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err == nil {
			for key := range fields {
				if !knownServerFields[key] {
					cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("server %q: ignoring unknown field %q", name, key))
				}
			}
		}
		cfg.Servers = append(cfg.Servers, entry)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural invariants a well-formed config must
// satisfy: every server has a name and a recognized kind,
// stdio servers name a command, names are unique, and the reserved name
// separator never appears in a server name.
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if s.Name == "" {
			return fmt.Errorf("%w: server entry missing name", gwerr.ErrInvalidRequest)
		}
		if err := capabilities.ValidateServerName(s.Name); err != nil {
			return fmt.Errorf("%w: %v", gwerr.ErrInvalidRequest, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate server name %q", gwerr.ErrInvalidRequest, s.Name)
		}
		seen[s.Name] = true
		switch s.Kind {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("%w: stdio server %q missing command", gwerr.ErrInvalidRequest, s.Name)
			}
		case "http", "sse":
			if s.URL == "" {
				return fmt.Errorf("%w: %s server %q missing url", gwerr.ErrInvalidRequest, s.Kind, s.Name)
			}
		default:
			return fmt.Errorf("%w: server %q has unknown kind %q", gwerr.ErrInvalidRequest, s.Name, s.Kind)
		}
	}
	return nil
}

// ToSpecs converts the config's non-disabled servers into
// outbound.ServerSpec values for the Outbound Connection Manager. Env
// entries are ordered by name so ${VAR} substitution is deterministic.
func (c *Config) ToSpecs() []outbound.ServerSpec {
	specs := make([]outbound.ServerSpec, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Disabled {
			continue
		}

		envNames := make([]string, 0, len(s.Env))
		for name := range s.Env {
			envNames = append(envNames, name)
		}
		sort.Strings(envNames)
		entries := make([]transport.EnvEntry, 0, len(envNames))
		for _, name := range envNames {
			value := s.Env[name]
			entry := transport.EnvEntry{Name: name}
			if value != nil {
				entry.Value = *value
				entry.HasValue = true
			}
			entries = append(entries, entry)
		}

		restartDelay := s.RestartDelay
		if restartDelay <= 0 {
			restartDelay = defaultRestartDelay
		}

		spec := outbound.ServerSpec{
			Name:      s.Name,
			Tags:      s.Tags,
			Kind:      s.Kind,
			Timeout:   time.Duration(s.Timeout) * time.Millisecond,
			DependsOn: s.DependsOn,
			URL:       s.URL,
			Headers:   s.Headers,
			Stdio: transport.StdioSpec{
				Command:          s.Command,
				Args:             s.Args,
				Cwd:              s.Cwd,
				Env:              entries,
				InheritParentEnv: s.InheritParentEnv,
				EnvFilter:        s.EnvFilter,
				RestartOnExit:    s.RestartOnExit,
				MaxRestarts:      s.MaxRestarts,
				RestartDelay:     time.Duration(restartDelay) * time.Millisecond,
			},
		}
		if s.OAuth != nil {
			spec.OAuth = &outbound.OAuthSpec{
				ClientID:     s.OAuth.ClientID,
				ClientSecret: s.OAuth.ClientSecret,
				Scopes:       s.OAuth.Scopes,
				RedirectURL:  s.OAuth.RedirectURL,
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// OnChange is invoked with the previous and newly loaded config after a
// debounced reload. cfg is nil if the reload failed to load or validate;
// in that case the watcher keeps serving the last-known-good config.
type OnChange func(old, cfg *Config, err error)

// Watcher reloads Config from a file on every debounced filesystem
// change.
type Watcher struct {
	path string
	log  gwlog.Logger

	mu       sync.Mutex
	current  *Config
	fsw      *fsnotify.Watcher
	timer    *time.Timer
	stopCh   chan struct{}
	onChange OnChange
}

// NewWatcher loads path once, then returns a Watcher ready to Start. An
// unreadable or invalid file yields an empty snapshot and a logged error
// rather than a startup failure; a later valid write reloads normally.
func NewWatcher(path string, log gwlog.Logger, onChange OnChange) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		log.Errorf("gwconfig: %v, starting with no servers", err)
		cfg = &Config{}
	}
	for _, warning := range cfg.Warnings {
		log.Warnf("gwconfig: %s", warning)
	}
	return &Watcher{path: path, log: log, current: cfg, stopCh: make(chan struct{}), onChange: onChange}, nil
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching the config file's directory. fsnotify often
// misses atomic rename-based writes to the file itself, so the
// containing directory is watched instead.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watching config directory: %w", err)
	}
	w.fsw = fsw
	go w.run()
	return nil
}

func (w *Watcher) run() {
	target := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounceReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("gwconfig: watcher error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) debounceReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(DebounceInterval, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	old := w.current
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warnf("gwconfig: reload failed, keeping previous config: %v", err)
		if w.onChange != nil {
			w.onChange(old, nil, err)
		}
		return
	}
	for _, warning := range cfg.Warnings {
		w.log.Warnf("gwconfig: %s", warning)
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(old, cfg, nil)
	}
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
