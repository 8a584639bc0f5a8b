package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-go/gateway/internal/capabilities"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/mcpserver"
	"github.com/1mcp-go/gateway/internal/notify"
	"github.com/1mcp-go/gateway/internal/outbound"
	"github.com/1mcp-go/gateway/internal/transport"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("ONE_MCP_CONFIG_DIR", dir)
	configPath := filepath.Join(dir, "mcp-servers.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"mcpServers": {}}`), 0o644))

	g, err := New(StartupRecord{
		Transport:          "stdio",
		ConfigPath:         configPath,
		SessionStoragePath: filepath.Join(dir, "sessions"),
	}, gwlog.New(nil, gwlog.LevelError))
	require.NoError(t, err)
	t.Cleanup(g.Shutdown)
	return g
}

func testSession(t *testing.T, g *Gateway, deliver func(transport.Envelope) error) *inboundSession {
	t.Helper()
	if deliver == nil {
		deliver = func(transport.Envelope) error { return nil }
	}
	sess := &mcpserver.Session{ID: "test-session", Filter: capabilities.All, CreatedAt: time.Now()}
	is := g.registerSession(sess, deliver)
	t.Cleanup(func() { g.unregisterSession(is.id) })
	return is
}

func mustID(t *testing.T, n int) json.RawMessage {
	t.Helper()
	id, err := json.Marshal(n)
	require.NoError(t, err)
	return id
}

func TestHandlePingRespondsLocally(t *testing.T) {
	g := newTestGateway(t)
	is := testSession(t, g, nil)

	resp := g.handle(context.Background(), is, rpcEnvelope{
		JSONRPC: "2.0", ID: mustID(t, 1), Method: "ping",
	})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestHandleInitializeAdvertisesAggregatedCapabilities(t *testing.T) {
	g := newTestGateway(t)
	g.aggregator.Publish(capabilities.Snapshot{
		ServerName:     "echo",
		Tools:          []*mcp.Tool{{Name: "ping"}},
		LoggingCapable: true,
		Instructions:   "echo things",
	})
	is := testSession(t, g, nil)

	resp := g.handle(context.Background(), is, rpcEnvelope{
		JSONRPC: "2.0", ID: mustID(t, 1), Method: "initialize",
	})
	require.Nil(t, resp.Error)

	var result initializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "1mcp", result.ServerInfo.Name)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.NotNil(t, result.Capabilities.Logging)
	assert.Contains(t, result.Instructions, "echo")
}

func TestHandleToolsListManglesAndIncludesFindTool(t *testing.T) {
	g := newTestGateway(t)
	g.aggregator.Publish(capabilities.Snapshot{
		ServerName: "echo",
		Tools:      []*mcp.Tool{{Name: "ping"}},
	})
	is := testSession(t, g, nil)

	resp := g.handle(context.Background(), is, rpcEnvelope{
		JSONRPC: "2.0", ID: mustID(t, 1), Method: "tools/list",
	})
	require.Nil(t, resp.Error)

	var result toolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "echo_1mcp_ping")
	assert.Contains(t, names, capabilities.FindToolName)
}

func TestHandleToolsCallToDisconnectedServerFails(t *testing.T) {
	g := newTestGateway(t)
	// The aggregator knows the tool, but the outbound manager has no
	// connection for its server.
	g.aggregator.Publish(capabilities.Snapshot{
		ServerName: "echo",
		Tools:      []*mcp.Tool{{Name: "ping"}},
	})
	is := testSession(t, g, nil)

	params, _ := json.Marshal(map[string]any{"name": "echo_1mcp_ping"})
	resp := g.handle(context.Background(), is, rpcEnvelope{
		JSONRPC: "2.0", ID: mustID(t, 1), Method: "tools/call", Params: params,
	})
	require.NotNil(t, resp.Error)
}

func TestHandleUnknownToolNameFails(t *testing.T) {
	g := newTestGateway(t)
	is := testSession(t, g, nil)

	params, _ := json.Marshal(map[string]any{"name": "ghost_1mcp_tool"})
	resp := g.handle(context.Background(), is, rpcEnvelope{
		JSONRPC: "2.0", ID: mustID(t, 1), Method: "tools/call", Params: params,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestFindToolSearchesAggregatedView(t *testing.T) {
	g := newTestGateway(t)
	g.aggregator.Publish(capabilities.Snapshot{
		ServerName: "weather",
		Tools:      []*mcp.Tool{{Name: "forecast", Description: "Seven day forecast"}},
	})
	is := testSession(t, g, nil)

	args, _ := json.Marshal(map[string]any{"query": "forecast"})
	params, _ := json.Marshal(map[string]any{"name": capabilities.FindToolName, "arguments": json.RawMessage(args)})
	resp := g.handle(context.Background(), is, rpcEnvelope{
		JSONRPC: "2.0", ID: mustID(t, 1), Method: "tools/call", Params: params,
	})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "weather_1mcp_forecast")
}

func TestDeliverNotificationFansOutToMatchingSessions(t *testing.T) {
	g := newTestGateway(t)

	var mu sync.Mutex
	var received []string
	testSession(t, g, func(env transport.Envelope) error {
		mu.Lock()
		received = append(received, string(env))
		mu.Unlock()
		return nil
	})

	payload := json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`)
	g.deliverNotification(notify.FromServer, "echo", payload)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Contains(t, received[0], `"server":"echo"`)
	assert.Contains(t, received[0], `"progress":1`)
}

func TestCorrelatorMatchesResponsesAndForwardsNotifications(t *testing.T) {
	g := newTestGateway(t)

	var mu sync.Mutex
	var notified []string
	testSession(t, g, func(env transport.Envelope) error {
		mu.Lock()
		notified = append(notified, string(env))
		mu.Unlock()
		return nil
	})

	waiter := g.correlator.register("echo", `"req-1"`)
	g.correlator.route("echo", transport.Envelope(`{"jsonrpc":"2.0","id":"req-1","result":{"ok":true}}`))

	select {
	case env := <-waiter:
		assert.Contains(t, string(env), `"ok":true`)
	default:
		t.Fatal("response was not routed to the registered waiter")
	}

	g.correlator.route("echo", transport.Envelope(`{"jsonrpc":"2.0","method":"notifications/logging/message","params":{"level":"info"}}`))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Contains(t, notified[0], `"server":"echo"`)
}

func TestAffectedTagSetsChangedUsesUnionOfOldAndNew(t *testing.T) {
	oldSpecs := []outbound.ServerSpec{{Name: "a", Kind: "http", URL: "http://a1", Tags: []string{"web"}}}
	newSpecs := []outbound.ServerSpec{{Name: "a", Kind: "http", URL: "http://a2", Tags: []string{"api"}}}
	diff := outbound.DiffSpecs(oldSpecs, newSpecs)
	require.Equal(t, []string{"a"}, diff.Changed)

	sets := affectedTagSets(oldSpecs, newSpecs, diff)
	require.Len(t, sets, 1)
	assert.ElementsMatch(t, []string{"web", "api"}, sets[0])
}

// A session filtered to a removed server's tags must still receive the
// list_changed notifications, even though the connection manager has
// already forgotten that server by broadcast time.
func TestBroadcastListChangedReachesSessionScopedToRemovedServer(t *testing.T) {
	g := newTestGateway(t)

	sess := &mcpserver.Session{
		ID:        "scoped",
		Filter:    capabilities.NewTagFilter([]string{"backend"}, false),
		CreatedAt: time.Now(),
	}
	var mu sync.Mutex
	var got []string
	is := g.registerSession(sess, func(env transport.Envelope) error {
		mu.Lock()
		got = append(got, string(env))
		mu.Unlock()
		return nil
	})
	defer g.unregisterSession(is.id)

	oldSpecs := []outbound.ServerSpec{{Name: "db", Kind: "stdio", Tags: []string{"backend"}}}
	diff := outbound.DiffSpecs(oldSpecs, nil)
	require.Equal(t, []string{"db"}, diff.Removed)

	g.broadcastListChanged(affectedTagSets(oldSpecs, nil, diff))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "tools/list_changed")
	assert.Contains(t, got[1], "resources/list_changed")
	assert.Contains(t, got[2], "prompts/list_changed")
}

func TestGenerateAuthTokenShapeAndUniqueness(t *testing.T) {
	a, err := GenerateAuthToken()
	require.NoError(t, err)
	b, err := GenerateAuthToken()
	require.NoError(t, err)
	assert.Len(t, a, 50)
	assert.NotEqual(t, a, b)
	for _, r := range a {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		assert.True(t, ok, fmt.Sprintf("unexpected rune %q", r))
	}
}
