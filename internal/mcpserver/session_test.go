package mcpserver

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-go/gateway/internal/capabilities"
	"github.com/1mcp-go/gateway/internal/gwconfig"
	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/outbound"
	"github.com/1mcp-go/gateway/internal/sessionstore"
	"github.com/1mcp-go/gateway/internal/transport"
)

func testLogger() gwlog.Logger { return gwlog.New(nil, gwlog.LevelError) }

func newTestManager(t *testing.T) (*Manager, *capabilities.Aggregator, *outbound.Manager) {
	t.Helper()
	store, err := sessionstore.New(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(store.Shutdown)

	presets, err := gwconfig.OpenPresetStore(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	t.Cleanup(func() { presets.Close() })

	agg := capabilities.NewAggregator(testLogger(), nil)
	ob := outbound.New(testLogger(),
		func(outbound.ServerSpec) (transport.Transport, error) {
			return nil, fmt.Errorf("no dialer configured in test")
		},
		nil,
	)

	return New(store, agg, ob, presets, testLogger()), agg, ob
}

func TestResolveFilterPriorityPresetOverExpressionOverTags(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.presetStore.Upsert(ctx, "my-preset", "or", "backend"))

	filter, err := m.ResolveFilter(ctx, SessionRequest{
		Preset:     "my-preset",
		Expression: "frontend",
		Tags:       []string{"legacy"},
	})
	require.NoError(t, err)
	assert.True(t, filter.Matches([]string{"backend"}))
	assert.False(t, filter.Matches([]string{"frontend"}))
}

func TestResolveFilterMissingPresetFallsBackToAll(t *testing.T) {
	m, _, _ := newTestManager(t)
	filter, err := m.ResolveFilter(context.Background(), SessionRequest{Preset: "does-not-exist"})
	require.NoError(t, err)
	assert.True(t, filter.Matches([]string{"anything"}))
}

func TestResolveFilterFallsBackToExpressionThenTags(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	filter, err := m.ResolveFilter(ctx, SessionRequest{Expression: "a AND b"})
	require.NoError(t, err)
	assert.True(t, filter.Matches([]string{"a", "b"}))

	filter, err = m.ResolveFilter(ctx, SessionRequest{Tags: []string{"x"}})
	require.NoError(t, err)
	assert.True(t, filter.Matches([]string{"x"}))
}

func TestCreateSessionPersistsAndIsUnique(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s1, err := m.CreateSession(ctx, SessionRequest{Tags: []string{"a"}})
	require.NoError(t, err)
	s2, err := m.CreateSession(ctx, SessionRequest{Tags: []string{"a"}})
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)

	require.NoError(t, m.Close(s1.ID))
}

func TestRouteRequestResolvesAndExecutes(t *testing.T) {
	m, agg, ob := newTestManager(t)

	agg.Publish(capabilities.Snapshot{
		ServerName: "echo",
		Tools:      []*mcp.Tool{{Name: "ping"}},
	})

	// Register "echo" in the outbound manager but let its dial fail, so
	// RouteRequest's Resolve step succeeds while Execute still reports the
	// server as not connected -- proving routing used Resolve correctly
	// rather than stopping at "capability missing". The short-lived
	// context aborts the retry backoff quickly instead of waiting out the
	// full multi-second schedule.
	connectCtx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, ob.ConnectAll(connectCtx, []outbound.ServerSpec{{Name: "echo"}}))

	sess := &Session{Filter: capabilities.All}
	view := m.View(sess)

	err := m.RouteRequest(context.Background(), view, "echo_1mcp_ping", transport.Envelope(`{}`))
	assert.ErrorIs(t, err, gwerr.ErrClientNotConnected)
}

func TestRouteRequestUnknownCapability(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := &Session{Filter: capabilities.All}
	view := m.View(sess)
	err := m.RouteRequest(context.Background(), view, "ghost_1mcp_tool", transport.Envelope(`{}`))
	assert.ErrorIs(t, err, gwerr.ErrCapabilityMissing)
}

func TestTranslateErrorMapsToJSONRPCCodes(t *testing.T) {
	assert.Equal(t, -32601, TranslateError(gwerr.ErrCapabilityMissing).Code)
	assert.Equal(t, -32602, TranslateError(gwerr.ErrInvalidRequest).Code)
	assert.Equal(t, -32001, TranslateError(gwerr.ErrUnauthorized).Code)
	assert.Equal(t, -32603, TranslateError(fmt.Errorf("boom")).Code)
}

func TestTranslateErrorRedactsSensitiveSubstrings(t *testing.T) {
	err := fmt.Errorf("upstream rejected Authorization: Bearer sk-live-12345")
	jerr := TranslateError(err)
	assert.NotContains(t, jerr.Message, "sk-live-12345")
	assert.Contains(t, jerr.Message, "[REDACTED]")
}
