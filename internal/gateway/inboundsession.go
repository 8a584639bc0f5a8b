package gateway

import (
	"context"
	"encoding/json"

	"github.com/1mcp-go/gateway/internal/mcpserver"
	"github.com/1mcp-go/gateway/internal/notify"
	"github.com/1mcp-go/gateway/internal/outbound"
	"github.com/1mcp-go/gateway/internal/transport"
)

// inboundSession pairs a mcpserver.Session (its resolved capability filter)
// with a delivery function that pushes a server-initiated message back to
// whatever inbound transport the client is attached to (SSE writer or
// stdio stdout writer).
type inboundSession struct {
	id      string
	sess    *mcpserver.Session
	deliver func(env transport.Envelope) error
}

// registerSession adds a newly created session to the broadcast set so
// outbound notifications can reach it.
func (g *Gateway) registerSession(sess *mcpserver.Session, deliver func(transport.Envelope) error) *inboundSession {
	is := &inboundSession{id: sess.ID, sess: sess, deliver: deliver}
	g.mu.Lock()
	g.sessions[sess.ID] = is
	g.mu.Unlock()
	return is
}

// unregisterSession removes a closed session from the broadcast set and its
// persisted record.
func (g *Gateway) unregisterSession(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
	if err := g.sessionsMgr.Close(id); err != nil {
		g.log.Warnf("gateway: closing session %s: %v", id, err)
	}
}

// sessionsForBroadcast returns every live inbound session whose filter
// admits serverName's tags, used to fan out one outbound notification to
// every session that can see that server.
func (g *Gateway) sessionsForBroadcast(serverName string) []*inboundSession {
	var tags []string
	if conn := g.outboundMgr.Get(serverName); conn != nil {
		tags = conn.Spec.Tags
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*inboundSession, 0, len(g.sessions))
	for _, is := range g.sessions {
		if is.sess.Filter.Matches(tags) {
			out = append(out, is)
		}
	}
	return out
}

// deliverNotification is the notify.Sink the Notification Bridge calls.
// It stamps exactly one provenance field onto payload, then delivers in
// the direction the notification is traveling: an outbound
// server's notification fans out to every session whose filter currently
// admits serverName, a client's notification goes over serverName's live
// transport.
func (g *Gateway) deliverNotification(dir notify.Direction, serverName string, payload json.RawMessage) {
	annotated, err := notify.Annotate(dir, serverName, payload)
	if err != nil {
		g.log.Warnf("gateway: failed to annotate notification from %s: %v", serverName, err)
		return
	}

	if dir == notify.FromClient {
		conn := g.outboundMgr.Get(serverName)
		if conn == nil || conn.Status() != outbound.StatusConnected {
			g.log.Warnf("gateway: dropping client notification, %s not connected", serverName)
			return
		}
		if err := conn.Transport().Send(context.Background(), annotated); err != nil {
			g.log.Warnf("gateway: sending client notification to %s: %v", serverName, err)
		}
		return
	}

	for _, is := range g.sessionsForBroadcast(serverName) {
		if err := is.deliver(annotated); err != nil {
			g.log.Warnf("gateway: delivering notification to session %s: %v", is.id, err)
		}
	}
}

// forwardClientNotification routes an inbound client notification (e.g.
// notifications/roots/list_changed) to one outbound server via the
// Notification Bridge. The dispatch layer calls it once for each
// connected outbound server the session's filter admits.
func (g *Gateway) forwardClientNotification(serverName string, payload json.RawMessage) error {
	conn := g.outboundMgr.Get(serverName)
	connected := conn != nil && conn.Status() == outbound.StatusConnected
	return g.bridge.ForwardFromClient(serverName, payload, connected)
}
