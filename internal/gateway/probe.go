package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-go/gateway/internal/capabilities"
	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/outbound"
	"github.com/1mcp-go/gateway/internal/transport"
)

// probeTimeout bounds every individual list* round-trip during the
// connect-time capability probe.
const probeTimeout = 10 * time.Second

// dial builds the transport variant named by spec.Kind, attaching the
// outbound OAuth token provider to HTTP/SSE transports.
func (g *Gateway) dial(spec outbound.ServerSpec) (transport.Transport, error) {
	switch spec.Kind {
	case "stdio":
		stdioSpec := spec.Stdio
		if stdioSpec.RestartDelay <= 0 {
			stdioSpec.RestartDelay = time.Second
		}
		return transport.NewStdioTransport(stdioSpec, g.log.With("server", spec.Name)), nil
	case "http":
		tr := transport.NewHTTPTransport(spec.URL, spec.Headers)
		g.attachOutboundAuth(tr, spec.Name)
		return tr, nil
	case "sse":
		tr := transport.NewSSETransport(spec.URL, spec.Headers)
		g.attachOutboundAuth(tr.HTTPTransport, spec.Name)
		return tr, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", gwerr.ErrInvalidRequest, spec.Kind)
	}
}

// attachOutboundAuth wires a per-request bearer token provider that
// transparently refreshes through the outbound OAuth client once a server
// has completed authorization. Before any token exists the provider
// returns an empty token rather than an error, so the first unauthorized
// request reaches the server and its 401 drives the AwaitingOAuth
// transition.
func (g *Gateway) attachOutboundAuth(tr *transport.HTTPTransport, serverName string) {
	tr.AuthProvider = func(ctx context.Context) (string, error) {
		token, err := g.oauthClient.AccessToken(ctx, serverName)
		if err != nil {
			return "", nil
		}
		return token, nil
	}
}

// probe performs the MCP initialize handshake plus capability listing
// over a freshly-started transport. It is independent of
// capabilities.Aggregator wiring at the type level (outbound.Manager
// never imports capabilities) but returns a *capabilities.Snapshot in
// ProbeResult.Raw for the caller (Gateway) to publish.
func (g *Gateway) probe(ctx context.Context, tr transport.Transport) (outbound.ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	initResult, err := roundTrip[initializeResult](ctx, tr, "initialize", initializeParams{
		ProtocolVersion: "2025-06-18",
		ClientInfo:      implementation{Name: "1mcp", Version: "1.0.0"},
		Capabilities:    map[string]any{},
	})
	if err != nil {
		return outbound.ProbeResult{}, err
	}
	if initResult.ServerInfo.Name == "1mcp" {
		return outbound.ProbeResult{}, gwerr.ErrCircularDependency
	}
	if err := sendNotification(ctx, tr, "notifications/initialized", nil); err != nil {
		g.log.Warnf("gateway: sending initialized notification failed: %v", err)
	}

	snap := &capabilities.Snapshot{Instructions: initResult.Instructions}

	if initResult.Capabilities.Tools != nil {
		if list, err := roundTrip[toolsListResult](ctx, tr, "tools/list", nil); err == nil {
			snap.Tools = list.Tools
		}
	}
	if initResult.Capabilities.Prompts != nil {
		if list, err := roundTrip[promptsListResult](ctx, tr, "prompts/list", nil); err == nil {
			snap.Prompts = list.Prompts
		}
	}
	if initResult.Capabilities.Resources != nil {
		if list, err := roundTrip[resourcesListResult](ctx, tr, "resources/list", nil); err == nil {
			snap.Resources = list.Resources
		}
		if list, err := roundTrip[resourceTemplatesListResult](ctx, tr, "resources/templates/list", nil); err == nil {
			snap.ResourceTemplates = list.ResourceTemplates
		}
	}
	snap.LoggingCapable = initResult.Capabilities.Logging != nil

	return outbound.ProbeResult{
		Tools:             len(snap.Tools),
		Prompts:           len(snap.Prompts),
		Resources:         len(snap.Resources),
		ResourceTemplates: len(snap.ResourceTemplates),
		Raw:               snap,
	}, nil
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      implementation `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type serverCapabilities struct {
	Tools     map[string]any `json:"tools,omitempty"`
	Prompts   map[string]any `json:"prompts,omitempty"`
	Resources map[string]any `json:"resources,omitempty"`
	Logging   map[string]any `json:"logging,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      implementation     `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

type toolsListResult struct {
	Tools []*mcp.Tool `json:"tools"`
}

type promptsListResult struct {
	Prompts []*mcp.Prompt `json:"prompts"`
}

type resourcesListResult struct {
	Resources []*mcp.Resource `json:"resources"`
}

type resourceTemplatesListResult struct {
	ResourceTemplates []*mcp.ResourceTemplate `json:"resourceTemplates"`
}

// rpcEnvelope is the wire shape every outbound request/response/
// notification is encoded/decoded through.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func sendNotification(ctx context.Context, tr transport.Transport, method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	env, err := json.Marshal(rpcEnvelope{JSONRPC: "2.0", Method: method, Params: paramsJSON})
	if err != nil {
		return err
	}
	return tr.Send(ctx, env)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// roundTrip sends one request over tr and blocks for the matching response
// on tr.Incoming(), used only during connect-time probing where no other
// reader is competing for the channel.
func roundTrip[T any](ctx context.Context, tr transport.Transport, method string, params any) (T, error) {
	var zero T
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return zero, err
	}
	id, _ := json.Marshal("probe-1")
	req := rpcEnvelope{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}
	data, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}
	if err := tr.Send(ctx, data); err != nil {
		return zero, err
	}

	for {
		select {
		case raw, ok := <-tr.Incoming():
			if !ok {
				return zero, fmt.Errorf("transport closed while awaiting %s response", method)
			}
			var env rpcEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			if len(env.ID) == 0 {
				continue // a notification arrived ahead of our response; ignore during probe
			}
			if env.Error != nil {
				if env.Error.Code == 401 {
					return zero, transport.ErrUnauthorizedResponse
				}
				return zero, fmt.Errorf("%s: %s", method, env.Error.Message)
			}
			var result T
			if len(env.Result) > 0 {
				if err := json.Unmarshal(env.Result, &result); err != nil {
					return zero, fmt.Errorf("decoding %s result: %w", method, err)
				}
			}
			return result, nil
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %s", gwerr.ErrTimeout, method)
		}
	}
}
