package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-go/gateway/internal/capabilities"
	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/mcpserver"
	"github.com/1mcp-go/gateway/internal/outbound"
)

// requestSeq generates unique ids for gateway-originated outbound
// requests (tools/call, resources/read, ...), independent of the
// inbound request's own id.
var requestSeq uint64

func nextRequestSeq() uint64 { return atomic.AddUint64(&requestSeq, 1) }

// toolCallParams/resourceReadParams/promptGetParams are the inbound
// argument shapes for the three dispatch-by-unmangling request kinds.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

type promptGetParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type completeParams struct {
	Ref struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
		URI  string `json:"uri,omitempty"`
	} `json:"ref"`
}

type setLevelParams struct {
	Level string `json:"level"`
}

// handle is the dispatch core: it routes one inbound JSON-RPC request
// addressed to is's aggregated view and returns a fully formed response
// envelope (never an error; failures are carried as a JSON-RPC error
// object so the inbound transport always has something to write back).
func (g *Gateway) handle(ctx context.Context, is *inboundSession, req rpcEnvelope) rpcEnvelope {
	resp := rpcEnvelope{JSONRPC: "2.0", ID: req.ID}

	result, err := g.dispatch(ctx, is, req)
	if err != nil {
		jerr := mcpserver.TranslateError(err)
		resp.Error = &rpcError{Code: jerr.Code, Message: jerr.Message}
		return resp
	}
	resp.Result = result
	return resp
}

// handleClientNotification forwards an inbound client notification (no
// id; e.g. notifications/roots/list_changed) to every Connected outbound
// admitted by is's filter. Drops and logs per-server on a disconnected
// outbound; one unreachable server does not stop delivery to the rest.
func (g *Gateway) handleClientNotification(env rpcEnvelope, is *inboundSession) {
	raw, err := json.Marshal(env)
	if err != nil {
		g.log.Warnf("gateway: marshaling client notification: %v", err)
		return
	}
	for name, conn := range g.outboundMgr.GetAll() {
		if conn.Status() != outbound.StatusConnected {
			continue
		}
		if !is.sess.Filter.Matches(conn.Spec.Tags) {
			continue
		}
		if err := g.forwardClientNotification(name, raw); err != nil {
			g.log.Warnf("gateway: forwarding client notification to %s: %v", name, err)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, is *inboundSession, req rpcEnvelope) (json.RawMessage, error) {
	switch req.Method {
	case "ping":
		return json.Marshal(map[string]any{})

	case "initialize":
		return g.handleInitialize(is)

	case "tools/list":
		view := g.sessionsMgr.View(is.sess)
		tools := append(append([]*mcp.Tool(nil), view.Tools...), capabilities.FindTool())
		return json.Marshal(toolsListResult{Tools: tools})

	case "resources/list":
		view := g.sessionsMgr.View(is.sess)
		return json.Marshal(resourcesListResult{Resources: view.Resources})

	case "resources/templates/list":
		view := g.sessionsMgr.View(is.sess)
		return json.Marshal(resourceTemplatesListResult{ResourceTemplates: view.ResourceTemplates})

	case "prompts/list":
		view := g.sessionsMgr.View(is.sess)
		return json.Marshal(promptsListResult{Prompts: view.Prompts})

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrInvalidRequest, err)
		}
		if params.Name == capabilities.FindToolName {
			return g.callFindTool(is, params.Arguments)
		}
		return g.callUnmangled(ctx, is, params.Name, "tools/call", map[string]any{
			"name":      "", // replaced below once resolved
			"arguments": json.RawMessage(params.Arguments),
		}, func(local string, payload map[string]any) {
			payload["name"] = local
		})

	case "resources/read":
		var params resourceReadParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrInvalidRequest, err)
		}
		return g.readUnmangledResource(ctx, is, params.URI)

	case "prompts/get":
		var params promptGetParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrInvalidRequest, err)
		}
		return g.callUnmangled(ctx, is, params.Name, "prompts/get", map[string]any{
			"name":      "",
			"arguments": json.RawMessage(params.Arguments),
		}, func(local string, payload map[string]any) {
			payload["name"] = local
		})

	case "completion/complete":
		var params completeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrInvalidRequest, err)
		}
		return g.forwardCompletion(ctx, is, params)

	case "logging/setLevel", "logging/set_level":
		var params setLevelParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrInvalidRequest, err)
		}
		return g.broadcastSetLevel(ctx, is, params.Level)

	default:
		return nil, fmt.Errorf("%w: %s", gwerr.ErrCapabilityMissing, req.Method)
	}
}

// callFindTool serves capabilities.FindToolName locally instead of
// dispatching to an outbound: it's a gateway-native tool searching the
// session's own aggregated view.
func (g *Gateway) callFindTool(is *inboundSession, rawArgs json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, fmt.Errorf("%w: %v", gwerr.ErrInvalidRequest, err)
		}
	}
	if args.Query == "" {
		return nil, fmt.Errorf("%w: query parameter is required", gwerr.ErrInvalidRequest)
	}

	view := g.sessionsMgr.View(is.sess)
	matches := view.Find(args.Query, args.Limit)

	payload, err := json.Marshal(map[string]any{
		"query":         args.Query,
		"total_matches": len(matches),
		"matches":       matches,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(payload)}},
	})
}

func (g *Gateway) handleInitialize(is *inboundSession) (json.RawMessage, error) {
	view := g.sessionsMgr.View(is.sess)
	caps := serverCapabilities{Tools: map[string]any{}} // FindToolName is always advertised
	if len(view.Prompts) > 0 {
		caps.Prompts = map[string]any{}
	}
	if len(view.Resources) > 0 || len(view.ResourceTemplates) > 0 {
		caps.Resources = map[string]any{}
	}
	if view.LoggingCapable {
		caps.Logging = map[string]any{}
	}
	return json.Marshal(initializeResult{
		ProtocolVersion: "2025-06-18",
		ServerInfo:      implementation{Name: "1mcp", Version: "1.0.0"},
		Capabilities:    caps,
		Instructions:    view.Instructions,
	})
}

// callUnmangled resolves a mangled tool/prompt/ref name to its owning
// server and local name, rewrites payload to address the local name, and
// performs a correlated request/response round trip.
func (g *Gateway) callUnmangled(ctx context.Context, is *inboundSession, mangled, method string, payload map[string]any, setLocal func(local string, payload map[string]any)) (json.RawMessage, error) {
	view := g.sessionsMgr.View(is.sess)
	serverName, local, ok := view.Resolve(mangled)
	if !ok {
		return nil, fmt.Errorf("%w: %s", gwerr.ErrCapabilityMissing, mangled)
	}
	if setLocal != nil {
		setLocal(local, payload)
	}
	return g.execUnmangled(ctx, serverName, method, payload)
}

// forwardCompletion routes completion/complete by whichever ref field is
// present (a mangled prompt name or a mangled resource URI), rewriting
// that one field to its local form and forwarding the rest of the ref
// unchanged to the origin server.
func (g *Gateway) forwardCompletion(ctx context.Context, is *inboundSession, params completeParams) (json.RawMessage, error) {
	view := g.sessionsMgr.View(is.sess)

	var serverName string
	ref := map[string]any{"type": params.Ref.Type}
	switch {
	case params.Ref.Name != "":
		name, local, ok := view.Resolve(params.Ref.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", gwerr.ErrCapabilityMissing, params.Ref.Name)
		}
		serverName = name
		ref["name"] = local
	case params.Ref.URI != "":
		name, local, ok := view.ResolveResourceURI(params.Ref.URI)
		if !ok {
			return nil, fmt.Errorf("%w: %s", gwerr.ErrCapabilityMissing, params.Ref.URI)
		}
		serverName = name
		ref["uri"] = local
	default:
		return nil, fmt.Errorf("%w: completion/complete ref missing name and uri", gwerr.ErrInvalidRequest)
	}

	return g.execUnmangled(ctx, serverName, "completion/complete", map[string]any{"ref": ref})
}

func (g *Gateway) readUnmangledResource(ctx context.Context, is *inboundSession, mangledURI string) (json.RawMessage, error) {
	view := g.sessionsMgr.View(is.sess)
	serverName, localURI, ok := view.ResolveResourceURI(mangledURI)
	if !ok {
		return nil, fmt.Errorf("%w: %s", gwerr.ErrCapabilityMissing, mangledURI)
	}
	return g.execUnmangled(ctx, serverName, "resources/read", map[string]any{"uri": localURI})
}

// defaultOpTimeout applies to dispatched operations whose spec carries no
// timeout of its own.
const defaultOpTimeout = 30 * time.Second

func (g *Gateway) execUnmangled(ctx context.Context, serverName, method string, params map[string]any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	timeout := defaultOpTimeout
	if conn := g.outboundMgr.Get(serverName); conn != nil && conn.Spec.Timeout > 0 {
		timeout = conn.Spec.Timeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, _ := json.Marshal(fmt.Sprintf("%s-%d", serverName, nextRequestSeq()))
	result, err := g.RequestResponse(opCtx, serverName, rpcEnvelope{
		JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// broadcastSetLevel forwards logging/setLevel to every Connected outbound
// selected by the session's filter, collecting the first error but
// attempting every server.
func (g *Gateway) broadcastSetLevel(ctx context.Context, is *inboundSession, level string) (json.RawMessage, error) {
	var firstErr error
	for name, conn := range g.outboundMgr.GetAll() {
		if conn.Status() != outbound.StatusConnected {
			continue
		}
		if !is.sess.Filter.Matches(conn.Spec.Tags) {
			continue
		}
		if _, err := g.execUnmangled(ctx, name, "logging/setLevel", map[string]any{"level": level}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("logging/setLevel to %s: %w", name, err)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return json.Marshal(map[string]any{})
}
