package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-go/gateway/internal/gwlog"
)

func TestForwardFromServerDropsWhenDisconnected(t *testing.T) {
	var delivered []Direction
	b := New(gwlog.New(nil, gwlog.LevelError), func(dir Direction, _ string, _ json.RawMessage) {
		delivered = append(delivered, dir)
	})

	b.ForwardFromServer("echo", json.RawMessage(`{}`), false)
	assert.Empty(t, delivered)

	b.ForwardFromServer("echo", json.RawMessage(`{}`), true)
	assert.Equal(t, []Direction{FromServer}, delivered)
}

func TestForwardFromClientReturnsErrorWhenDisconnected(t *testing.T) {
	b := New(gwlog.New(nil, gwlog.LevelError), func(Direction, string, json.RawMessage) {})
	err := b.ForwardFromClient("echo", json.RawMessage(`{}`), false)
	assert.Error(t, err)
	assert.NoError(t, b.ForwardFromClient("echo", json.RawMessage(`{}`), true))
}

func TestAnnotatePreservesExistingParamsAndAddsProvenance(t *testing.T) {
	in := json.RawMessage(`{"method":"notifications/progress","params":{"progress":5}}`)
	out, err := Annotate(FromServer, "weather", in)
	require.NoError(t, err)

	var decoded struct {
		Method string `json:"method"`
		Params struct {
			Progress int    `json:"progress"`
			Server   string `json:"server"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "notifications/progress", decoded.Method)
	assert.Equal(t, 5, decoded.Params.Progress)
	assert.Equal(t, "weather", decoded.Params.Server)
}

func TestAnnotateRemanglesResourceUpdatedURI(t *testing.T) {
	in := json.RawMessage(`{"method":"notifications/resources/updated","params":{"uri":"file:///tmp/a.txt"}}`)
	out, err := Annotate(FromServer, "files", in)
	require.NoError(t, err)

	var decoded struct {
		Params struct {
			URI    string `json:"uri"`
			Server string `json:"server"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "file://files_1mcp_/tmp/a.txt", decoded.Params.URI)
	assert.Equal(t, "files", decoded.Params.Server)
}

func TestAnnotateHandlesMissingParams(t *testing.T) {
	in := json.RawMessage(`{"method":"notifications/initialized"}`)
	out, err := Annotate(FromClient, "weather", in)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"client":"weather"`)
}
