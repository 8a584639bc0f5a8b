// Package mcpserver manages inbound sessions. Each inbound client gets a
// virtual MCP server scoped to a capability filter, minted from either a
// named preset, a tag expression, or legacy flat tags.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1mcp-go/gateway/internal/capabilities"
	"github.com/1mcp-go/gateway/internal/gwconfig"
	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/outbound"
	"github.com/1mcp-go/gateway/internal/sessionstore"
	"github.com/1mcp-go/gateway/internal/transport"
)

// SessionRequest is how a client asks to connect, carrying the three
// filter selectors in priority order: a named preset wins over an
// expression, which wins over legacy flat tags.
type SessionRequest struct {
	Preset     string
	Expression string
	Tags       []string
	TagsAND    bool
}

// sessionRecord is what's persisted to the session store for an inbound
// session. Creation time lives in the store envelope's own createdAt.
type sessionRecord struct {
	FilterMode string   `json:"filterMode"`
	Tags       []string `json:"tags,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// Session is one inbound client's virtual MCP server scope.
type Session struct {
	ID        string
	Filter    capabilities.Filter
	CreatedAt time.Time
}

// Manager owns inbound sessions, resolving their filters against the
// capability aggregator and routing their requests to the outbound
// connection manager.
type Manager struct {
	store       *sessionstore.Store
	aggregator  *capabilities.Aggregator
	outbound    *outbound.Manager
	presetStore *gwconfig.PresetStore
	log         gwlog.Logger
}

func New(store *sessionstore.Store, aggregator *capabilities.Aggregator, ob *outbound.Manager, presets *gwconfig.PresetStore, log gwlog.Logger) *Manager {
	return &Manager{store: store, aggregator: aggregator, outbound: ob, presetStore: presets, log: log}
}

// ResolveFilter applies the priority rule: preset name (if it resolves)
// overrides a tag expression, which overrides legacy flat tags, which
// falls back to capabilities.All. A preset that fails to load does not
// fail the session; it degrades to "all".
func (m *Manager) ResolveFilter(ctx context.Context, req SessionRequest) (capabilities.Filter, error) {
	if req.Preset != "" {
		if m.presetStore == nil {
			m.log.Warnf("mcpserver: preset %q requested but no preset store configured, using all servers", req.Preset)
			return capabilities.All, nil
		}
		preset, err := m.presetStore.Get(ctx, req.Preset)
		if err != nil {
			m.log.Warnf("mcpserver: preset %q failed to load, using all servers: %v", req.Preset, err)
			return capabilities.All, nil
		}
		switch preset.FilterMode {
		case "expr":
			return capabilities.ParseExpression(preset.Tags)
		case "and":
			return capabilities.NewTagFilter(splitTags(preset.Tags), true), nil
		default:
			return capabilities.NewTagFilter(splitTags(preset.Tags), false), nil
		}
	}
	if req.Expression != "" {
		return capabilities.ParseExpression(req.Expression)
	}
	if len(req.Tags) > 0 {
		return capabilities.NewTagFilter(req.Tags, req.TagsAND), nil
	}
	return capabilities.All, nil
}

// CreateSession mints a session id, resolves its filter, and persists the
// record. Ids are UUIDv4: unique and unguessable.
func (m *Manager) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	filter, err := m.ResolveFilter(ctx, req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now()
	rec := sessionRecord{Tags: req.Tags, Expression: req.Expression}
	switch {
	case req.Expression != "":
		rec.FilterMode = "expr"
	case req.TagsAND:
		rec.FilterMode = "and"
	default:
		rec.FilterMode = "or"
	}
	if err := m.store.Write(sessionstore.CategoryInboundSession, id, rec, 0); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	return &Session{ID: id, Filter: filter, CreatedAt: now}, nil
}

// View returns the aggregated capability surface scoped to sess's filter.
func (m *Manager) View(sess *Session) *capabilities.AggregatedCapabilities {
	return m.aggregator.View(sess.Filter)
}

// Close removes a session's persisted record.
func (m *Manager) Close(id string) error {
	_, err := m.store.Delete(sessionstore.CategoryInboundSession, id)
	return err
}

// RouteRequest dispatches one mangled-name-addressed call to the owning
// outbound server. mangledName is a tool or prompt name as the aggregator
// mangled it; RouteRequest resolves it through view.
func (m *Manager) RouteRequest(ctx context.Context, view *capabilities.AggregatedCapabilities, mangledName string, env transport.Envelope) error {
	serverName, _, ok := view.Resolve(mangledName)
	if !ok {
		return fmt.Errorf("%w: %s", gwerr.ErrCapabilityMissing, mangledName)
	}
	return m.outbound.Execute(ctx, serverName, env)
}

// RouteResourceRequest is RouteRequest's resource-URI-addressed sibling;
// mangled resource URIs preserve their "scheme://" prefix.
func (m *Manager) RouteResourceRequest(ctx context.Context, view *capabilities.AggregatedCapabilities, mangledURI string, env transport.Envelope) error {
	serverName, _, ok := view.ResolveResourceURI(mangledURI)
	if !ok {
		return fmt.Errorf("%w: %s", gwerr.ErrCapabilityMissing, mangledURI)
	}
	return m.outbound.Execute(ctx, serverName, env)
}

func splitTags(joined string) []string {
	var out []string
	cur := ""
	for _, r := range joined {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// JSONRPCError maps internal failures onto the JSON-RPC 2.0 error
// taxonomy the inbound wire uses.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TranslateError maps a sentinel error from gwerr to its JSON-RPC code.
// Messages are redacted before they cross the inbound wire: an upstream
// error may echo tokens or authorization headers back at us.
func TranslateError(err error) JSONRPCError {
	if err == nil {
		return JSONRPCError{}
	}
	msg := gwerr.Redact(err.Error())
	switch {
	case errors.Is(err, gwerr.ErrCapabilityMissing), errors.Is(err, gwerr.ErrUnknownServer):
		return JSONRPCError{Code: -32601, Message: msg} // Method not found
	case errors.Is(err, gwerr.ErrInvalidRequest), errors.Is(err, gwerr.ErrInvalidID):
		return JSONRPCError{Code: -32602, Message: msg} // Invalid params
	case errors.Is(err, gwerr.ErrUnauthorized):
		return JSONRPCError{Code: -32001, Message: msg} // server-defined: auth required
	case errors.Is(err, gwerr.ErrClientNotConnected):
		return JSONRPCError{Code: -32002, Message: msg} // server-defined: upstream unavailable
	case errors.Is(err, gwerr.ErrTimeout):
		return JSONRPCError{Code: -32003, Message: msg} // server-defined: timeout
	case errors.Is(err, gwerr.ErrCancelled):
		return JSONRPCError{Code: -32800, Message: msg} // request cancelled
	default:
		return JSONRPCError{Code: -32603, Message: msg} // Internal error
	}
}
