package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/1mcp-go/gateway/internal/mcpserver"
	"github.com/1mcp-go/gateway/internal/transport"
)

// stdioSessionID is the fixed session id used for the single inbound
// stdio transport: unlike SSE/HTTP there is exactly one client and no
// sessionId query parameter to mint one from.
const stdioSessionID = "stdio"

// runStdio serves a single inbound MCP session over this process's
// stdin/stdout, one newline-delimited JSON-RPC message per line. The
// dispatch core stays plain Go structs rather than the MCP SDK's server
// runtime so payloads pass through byte-identically.
func (g *Gateway) runStdio(ctx context.Context) error {
	filter, err := g.sessionsMgr.ResolveFilter(ctx, mcpserver.SessionRequest{})
	if err != nil {
		return fmt.Errorf("resolving stdio session filter: %w", err)
	}
	sess := &mcpserver.Session{ID: stdioSessionID, Filter: filter, CreatedAt: time.Now()}

	var outMu sync.Mutex
	deliver := func(env transport.Envelope) error {
		outMu.Lock()
		defer outMu.Unlock()
		_, err := fmt.Fprintf(os.Stdout, "%s\n", env)
		return err
	}

	is := g.registerSession(sess, deliver)
	defer g.unregisterSession(is.id)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var req rpcEnvelope
			if err := json.Unmarshal(line, &req); err != nil {
				g.log.Warnf("gateway: malformed stdio request: %v", err)
				continue
			}
			if len(req.ID) == 0 {
				go g.handleClientNotification(req, is)
				continue
			}
			go func(req rpcEnvelope) {
				resp := g.handle(ctx, is, req)
				env, err := json.Marshal(resp)
				if err != nil {
					g.log.Warnf("gateway: marshaling stdio response: %v", err)
					return
				}
				if err := deliver(env); err != nil {
					g.log.Warnf("gateway: writing stdio response: %v", err)
				}
			}(req)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if err := scanner.Err(); err != nil && err != io.EOF {
			return fmt.Errorf("reading stdin: %w", err)
		}
		return nil
	}
}
