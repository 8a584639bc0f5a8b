package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-go/gateway/internal/gwlog"
)

// TestStdioTransportRestartPolicy: a child that exits abnormally is
// respawned up to maxRestarts times, then settles.
func TestStdioTransportRestartPolicy(t *testing.T) {
	max := 2
	spec := StdioSpec{
		Command:       "sh",
		Args:          []string{"-c", "exit 1"},
		RestartOnExit: true,
		MaxRestarts:   &max,
		RestartDelay:  10 * time.Millisecond,
	}
	tr := NewStdioTransport(spec, gwlog.New(nil, gwlog.LevelError))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, tr.Start(ctx))

	select {
	case <-tr.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not settle into closed after exhausting restarts")
	}

	assert.Equal(t, max, tr.RestartCount())
}

func TestStdioTransportResetRestartCount(t *testing.T) {
	tr := NewStdioTransport(StdioSpec{}, gwlog.New(nil, gwlog.LevelError))
	tr.mu.Lock()
	tr.restartCount = 3
	tr.mu.Unlock()

	tr.ResetRestartCount()
	assert.Equal(t, 0, tr.RestartCount())
}

func TestStdioTransportCloseIsNotTreatedAsCrash(t *testing.T) {
	spec := StdioSpec{
		Command:       "sh",
		Args:          []string{"-c", "sleep 5"},
		RestartOnExit: true,
		RestartDelay:  10 * time.Millisecond,
	}
	tr := NewStdioTransport(spec, gwlog.New(nil, gwlog.LevelError))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Start(ctx))
	require.NoError(t, tr.Close())

	select {
	case <-tr.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not report closed after Close")
	}
	assert.Equal(t, 0, tr.RestartCount())
}

func TestSSETransportHandshakeAndRoundTrip(t *testing.T) {
	msgCh := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		msgCh <- string(body)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewSSETransport(srv.URL+"/sse", nil)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	req := Envelope(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NoError(t, tr.Send(context.Background(), req))

	select {
	case env := <-tr.Incoming():
		assert.JSONEq(t, string(req), string(env))
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived over the event stream")
	}
}

func TestSSETransportSurfacesUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL, nil)
	assert.ErrorIs(t, tr.Start(context.Background()), ErrUnauthorizedResponse)
}
