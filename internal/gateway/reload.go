package gateway

import (
	"encoding/json"

	"github.com/1mcp-go/gateway/internal/gwconfig"
	"github.com/1mcp-go/gateway/internal/outbound"
)

// onConfigChange is the gwconfig.OnChange callback: it diffs the old and
// new server lists, applies the diff to the outbound connection manager,
// republishes capability snapshots, and notifies every affected inbound
// session. An unchanged snapshot is a no-op: no disconnects, no
// list_changed notifications.
func (g *Gateway) onConfigChange(old, cfg *gwconfig.Config, err error) {
	if err != nil {
		g.log.Warnf("gateway: config reload failed, keeping previous config: %v", err)
		return
	}

	oldSpecs := old.ToSpecs()
	newSpecs := cfg.ToSpecs()
	diff := outbound.DiffSpecs(oldSpecs, newSpecs)
	if len(diff.Added) == 0 && len(diff.Removed) == 0 && len(diff.Changed) == 0 {
		return
	}

	// Transports started by the reload are parented to the gateway's run
	// context, not a reload-scoped one: a child process spawned here must
	// outlive this call.
	ctx := g.lifecycleCtx()

	// Capture affected tag sets before the manager forgets the removed
	// entries: a session scoped to a removed server's tags must still be
	// told its view changed, and a changed server must notify sessions
	// matching its old tags as well as its new ones.
	affectedTags := affectedTagSets(oldSpecs, newSpecs, diff)

	for _, name := range append(append([]string{}, diff.Removed...), diff.Changed...) {
		g.aggregator.Retract(name)
	}
	g.cancelAuthorizations(append(append([]string{}, diff.Removed...), diff.Changed...))

	if err := g.outboundMgr.ApplyReload(ctx, diff, newSpecs); err != nil {
		g.log.Warnf("gateway: applying config reload: %v", err)
	}

	g.publishConnected(newSpecs)
	g.startPendingAuthorizations(ctx, newSpecs)

	g.broadcastListChanged(affectedTags)
}

// affectedTagSets collects one tag set per server the diff touches:
// removed servers contribute their old tags, added servers their new
// ones, and changed servers the union of both.
func affectedTagSets(oldSpecs, newSpecs []outbound.ServerSpec, diff outbound.ReloadDiff) [][]string {
	oldByName := make(map[string]outbound.ServerSpec, len(oldSpecs))
	for _, s := range oldSpecs {
		oldByName[s.Name] = s
	}
	newByName := make(map[string]outbound.ServerSpec, len(newSpecs))
	for _, s := range newSpecs {
		newByName[s.Name] = s
	}

	out := make([][]string, 0, len(diff.Added)+len(diff.Removed)+len(diff.Changed))
	for _, name := range diff.Removed {
		out = append(out, oldByName[name].Tags)
	}
	for _, name := range diff.Added {
		out = append(out, newByName[name].Tags)
	}
	for _, name := range diff.Changed {
		union := append(append([]string{}, oldByName[name].Tags...), newByName[name].Tags...)
		out = append(out, union)
	}
	return out
}

// broadcastListChanged sends the three MCP list_changed notifications to
// every inbound session whose filter admits at least one affected tag
// set, since a session may be unaware a server it could see was removed
// or reconnected with a different capability set.
func (g *Gateway) broadcastListChanged(affectedTags [][]string) {
	g.mu.RLock()
	sessions := make([]*inboundSession, 0, len(g.sessions))
	for _, is := range g.sessions {
		sessions = append(sessions, is)
	}
	g.mu.RUnlock()

	for _, method := range []string{
		"notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed",
	} {
		env, err := json.Marshal(rpcEnvelope{JSONRPC: "2.0", Method: method})
		if err != nil {
			continue
		}
		for _, is := range sessions {
			if !sessionSeesAny(is, affectedTags) {
				continue
			}
			if err := is.deliver(env); err != nil {
				g.log.Warnf("gateway: broadcasting %s to session %s: %v", method, is.id, err)
			}
		}
	}
}

// sessionSeesAny reports whether is's filter admits any of the affected
// servers' tag sets, i.e. whether its aggregated view could have changed.
func sessionSeesAny(is *inboundSession, affectedTags [][]string) bool {
	for _, tags := range affectedTags {
		if is.sess.Filter.Matches(tags) {
			return true
		}
	}
	return false
}
