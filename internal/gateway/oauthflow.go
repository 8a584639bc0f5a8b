package gateway

import (
	"context"
	"fmt"

	"github.com/1mcp-go/gateway/internal/outbound"
)

// startPendingAuthorizations launches the outbound OAuth dance for every
// connection that settled in AwaitingOAuth after a connect pass. Each
// dance runs in its own goroutine so one server's five-minute rendezvous
// wait never blocks another's.
func (g *Gateway) startPendingAuthorizations(ctx context.Context, specs []outbound.ServerSpec) {
	byName := make(map[string]outbound.ServerSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	for name, conn := range g.outboundMgr.GetAll() {
		if conn.Status() != outbound.StatusAwaitingOAuth {
			continue
		}
		spec, ok := byName[name]
		if !ok {
			continue
		}
		go g.authorizeOutbound(ctx, spec)
	}
}

// authorizeOutbound drives one server through the outbound OAuth state
// machine: discover metadata, register (seeded from the config's oauth
// block when present), surface the authorization URL, await the callback
// rendezvous, exchange the code, then retry the handshake immediately.
func (g *Gateway) authorizeOutbound(ctx context.Context, spec outbound.ServerSpec) {
	conn := g.outboundMgr.Get(spec.Name)
	if conn == nil {
		return
	}

	if err := g.runAuthorization(ctx, spec); err != nil {
		g.log.Warnf("gateway: authorization for %s failed: %v", spec.Name, err)
		conn.Fail(err)
		return
	}

	// Retry the handshake immediately, with the fresh token attached.
	if err := g.outboundMgr.ConnectAll(ctx, []outbound.ServerSpec{spec}); err != nil {
		g.log.Warnf("gateway: reconnect after authorization for %s failed: %v", spec.Name, err)
		return
	}
	g.publishConnected([]outbound.ServerSpec{spec})
	g.log.Infof("gateway: %s authorized and connected", spec.Name)
}

func (g *Gateway) runAuthorization(ctx context.Context, spec outbound.ServerSpec) error {
	meta, err := g.oauthClient.Discover(ctx, spec.URL)
	if err != nil {
		return fmt.Errorf("discovering authorization metadata: %w", err)
	}
	if spec.OAuth != nil && len(spec.OAuth.Scopes) > 0 {
		meta.Scopes = spec.OAuth.Scopes
	}

	if spec.OAuth != nil && spec.OAuth.ClientID != "" {
		err = g.oauthClient.SeedRegistration(spec.Name, spec.OAuth.ClientID, spec.OAuth.ClientSecret, spec.OAuth.Scopes, spec.OAuth.RedirectURL, meta)
	} else {
		_, err = g.oauthClient.EnsureRegistered(ctx, spec.Name, meta)
	}
	if err != nil {
		return err
	}

	authURL, state, err := g.oauthClient.BeginAuthorization(spec.Name)
	if err != nil {
		return err
	}
	g.log.Infof("gateway: %s requires authorization, open %s", spec.Name, authURL)

	code, err := g.oauthClient.WaitForCallback(ctx, state)
	if err != nil {
		return err
	}
	if _, err := g.oauthClient.ExchangeCode(ctx, state, code); err != nil {
		return err
	}
	return nil
}

// cancelAuthorizations releases pending rendezvous waits for servers that
// were removed or changed by a reload, so their callbacks are rejected
// thereafter.
func (g *Gateway) cancelAuthorizations(names []string) {
	for _, name := range names {
		g.oauthClient.CancelServer(name)
	}
}
