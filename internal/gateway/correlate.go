package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
	"github.com/1mcp-go/gateway/internal/notify"
	"github.com/1mcp-go/gateway/internal/outbound"
	"github.com/1mcp-go/gateway/internal/transport"
)

// correlator demultiplexes each outbound transport's single Incoming()
// channel into JSON-RPC responses (matched by id, for RequestResponse
// callers) and notifications (no id, forwarded through the Notification
// Bridge), since outbound.Manager.Execute is fire-and-forget.
type correlator struct {
	log    gwlog.Logger
	bridge *notify.Bridge

	mu       sync.Mutex
	inflight map[string]map[string]chan transport.Envelope // serverName -> id -> waiter
	pumped   map[string]transport.Transport                // serverName -> transport being pumped
}

func newCorrelator(log gwlog.Logger, bridge *notify.Bridge) *correlator {
	return &correlator{
		log:      log,
		bridge:   bridge,
		inflight: make(map[string]map[string]chan transport.Envelope),
		pumped:   make(map[string]transport.Transport),
	}
}

// pump starts (once per transport) a goroutine reading tr.Incoming()
// until the transport disconnects, routing each envelope to a waiting
// RequestResponse caller or the Notification Bridge. A reconnected
// server's fresh transport replaces the old entry; the superseded pump
// exits on its own transport's Closed signal.
func (c *correlator) pump(serverName string, tr transport.Transport) {
	c.mu.Lock()
	if c.pumped[serverName] == tr {
		c.mu.Unlock()
		return
	}
	c.pumped[serverName] = tr
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			if c.pumped[serverName] == tr {
				delete(c.pumped, serverName)
			}
			c.mu.Unlock()
		}()
		for {
			select {
			case env, ok := <-tr.Incoming():
				if !ok {
					return
				}
				c.route(serverName, env)
			case <-tr.Closed():
				return
			}
		}
	}()
}

func (c *correlator) route(serverName string, env transport.Envelope) {
	var head struct {
		ID     json.RawMessage `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
	}
	if err := json.Unmarshal(env, &head); err != nil {
		c.log.Warnf("gateway: discarding malformed message from %s: %v", serverName, err)
		return
	}

	if len(head.ID) > 0 && head.Method == "" {
		if waiter, ok := c.takeWaiter(serverName, string(head.ID)); ok {
			waiter <- env
			return
		}
		c.log.Warnf("gateway: response from %s matched no inflight request, dropping", serverName)
		return
	}

	c.bridge.ForwardFromServer(serverName, env, true)
}

func (c *correlator) register(serverName, id string) chan transport.Envelope {
	ch := make(chan transport.Envelope, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters, ok := c.inflight[serverName]
	if !ok {
		waiters = make(map[string]chan transport.Envelope)
		c.inflight[serverName] = waiters
	}
	waiters[id] = ch
	return ch
}

func (c *correlator) takeWaiter(serverName, id string) (chan transport.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters, ok := c.inflight[serverName]
	if !ok {
		return nil, false
	}
	ch, ok := waiters[id]
	if ok {
		delete(waiters, id)
	}
	return ch, ok
}

func (c *correlator) cancel(serverName, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if waiters, ok := c.inflight[serverName]; ok {
		delete(waiters, id)
	}
}

// RequestResponse sends req to serverName and blocks for the envelope
// whose id matches, or returns an error on ctx cancellation or transport
// failure. outboundMgr.Execute is used for the actual send so retry/
// reconnect semantics stay centralized in the Outbound Connection Manager.
func (g *Gateway) RequestResponse(ctx context.Context, serverName string, req rpcEnvelope) (json.RawMessage, error) {
	if len(req.ID) == 0 {
		return nil, fmt.Errorf("%w: request/response correlation requires an id", gwerr.ErrInvalidRequest)
	}
	waiter := g.correlator.register(serverName, string(req.ID))

	data, err := json.Marshal(req)
	if err != nil {
		g.correlator.cancel(serverName, string(req.ID))
		return nil, err
	}
	if err := g.outboundMgr.Execute(ctx, serverName, data); err != nil {
		g.correlator.cancel(serverName, string(req.ID))
		return nil, err
	}

	select {
	case env := <-waiter:
		var resp rpcEnvelope
		if err := json.Unmarshal(env, &resp); err != nil {
			return nil, fmt.Errorf("decoding response from %s: %w", serverName, err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", serverName, gwerr.Redact(resp.Error.Message))
		}
		return resp.Result, nil
	case <-ctx.Done():
		g.correlator.cancel(serverName, string(req.ID))
		// Tell the outbound to stop working on the request; the
		// notification is best-effort, the caller's result is not.
		if conn := g.outboundMgr.Get(serverName); conn != nil && conn.Status() == outbound.StatusConnected {
			params, _ := json.Marshal(map[string]json.RawMessage{"requestId": req.ID})
			_ = sendNotification(context.Background(), conn.Transport(), "notifications/cancelled", json.RawMessage(params))
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %s", gwerr.ErrCancelled, serverName)
		}
		return nil, fmt.Errorf("%w: %s", gwerr.ErrTimeout, serverName)
	}
}
