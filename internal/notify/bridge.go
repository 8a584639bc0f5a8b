// Package notify forwards MCP notifications bidirectionally between an
// inbound session and the outbound servers it aggregates, annotating
// provenance on every forwarded message.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/1mcp-go/gateway/internal/capabilities"
	"github.com/1mcp-go/gateway/internal/gwlog"
)

// Direction names which side of a session a notification crossed.
type Direction string

const (
	FromServer Direction = "server"
	FromClient Direction = "client"
)

// Sink receives a forwarded, provenance-annotated notification.
type Sink func(dir Direction, serverName string, payload json.RawMessage)

// Bridge hands notifications crossing between the inbound sessions and
// the outbound servers to a single sink. There is no queue: if the
// destination has disconnected, the notification is dropped and logged
// at warn.
type Bridge struct {
	log  gwlog.Logger
	sink Sink
}

func New(log gwlog.Logger, sink Sink) *Bridge {
	return &Bridge{log: log, sink: sink}
}

// ForwardFromServer delivers a notification that originated at an
// outbound server to the inbound session, tagging it with the server's
// name so the client can tell which backend it came from.
func (b *Bridge) ForwardFromServer(serverName string, payload json.RawMessage, connected bool) {
	if !connected {
		b.log.Warnf("notify: dropping server notification from %s, session disconnected", serverName)
		return
	}
	b.sink(FromServer, serverName, payload)
}

// ForwardFromClient delivers a notification that originated at the
// inbound client (e.g. roots/list_changed) to one outbound server.
func (b *Bridge) ForwardFromClient(serverName string, payload json.RawMessage, connected bool) error {
	if !connected {
		b.log.Warnf("notify: dropping client notification to %s, server disconnected", serverName)
		return fmt.Errorf("server %s not connected", serverName)
	}
	b.sink(FromClient, serverName, payload)
	return nil
}

// rewriteRule rewrites the params fields of one known notification kind
// that identify items by name/URI, so the identifier a client sees is the
// mangled one it can resolve back through the aggregator.
type rewriteRule func(serverName string, params map[string]json.RawMessage)

func mangleStringField(params map[string]json.RawMessage, field string, mangle func(server, local string) string, serverName string) {
	raw, ok := params[field]
	if !ok {
		return
	}
	var local string
	if err := json.Unmarshal(raw, &local); err != nil || local == "" {
		return
	}
	mangled, err := json.Marshal(mangle(serverName, local))
	if err != nil {
		return
	}
	params[field] = mangled
}

// rewriteRules maps notification method -> rewriting rule. Kinds with no
// identifying fields (list_changed, initialized, cancelled, progress,
// logging/message) need no entry.
var rewriteRules = map[string]rewriteRule{
	"notifications/resources/updated": func(serverName string, params map[string]json.RawMessage) {
		mangleStringField(params, "uri", capabilities.MangleResourceURI, serverName)
	},
}

// Annotate wraps a raw JSON-RPC notification's params with exactly one
// provenance field, without disturbing the rest of the envelope:
// outbound->inbound gains "server", inbound->outbound gains "client".
// For outbound->inbound kinds whose params identify known items, the
// identifying name/URI is re-mangled to the owning server's namespace.
func Annotate(dir Direction, serverName string, payload json.RawMessage) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("annotating notification: %w", err)
	}
	var params map[string]json.RawMessage
	if raw, ok := generic["params"]; ok {
		_ = json.Unmarshal(raw, &params)
	}
	if params == nil {
		params = map[string]json.RawMessage{}
	}
	serverJSON, _ := json.Marshal(serverName)
	if dir == FromServer {
		params["server"] = serverJSON
		var method string
		if raw, ok := generic["method"]; ok {
			_ = json.Unmarshal(raw, &method)
		}
		if rule, ok := rewriteRules[method]; ok {
			rule(serverName, params)
		}
	} else {
		params["client"] = serverJSON
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	generic["params"] = paramsJSON

	return json.Marshal(generic)
}
