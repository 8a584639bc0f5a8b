package capabilities

import (
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-go/gateway/internal/gwlog"
)

// Snapshot is the capability surface of one Connected outbound server, as
// published by the Outbound Connection Manager. It is the
// unit the Aggregator reads under its read lock.
type Snapshot struct {
	ServerName        string
	Tags              []string
	Tools             []*mcp.Tool
	Prompts           []*mcp.Prompt
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
	LoggingCapable    bool
	Instructions      string
}

// TemplateEngine renders the aggregated "instructions" string for a
// session. It is an external collaborator; the core only calls
// it and falls back to a fixed enumeration on error.
type TemplateEngine interface {
	Render(data TemplateData) (string, error)
}

// TemplateData is the payload handed to the TemplateEngine.
type TemplateData struct {
	ServerNames          []string
	ToolCount            int
	ResourceCount        int
	PromptCount          int
	PerServerInstruction map[string]string
	FilterContext        string
}

// AggregatedCapabilities is the merged, mangled capability surface
// returned by View, for one inbound session's filter.
type AggregatedCapabilities struct {
	Tools             []*mcp.Tool
	Prompts           []*mcp.Prompt
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
	LoggingCapable    bool
	Instructions      string

	// mangledOwner maps every mangled tool/prompt/resource/template name
	// back to its owning server, for Resolve.
	mangledOwner map[string]string
}

// Aggregator merges outbound capability sets into per-session views.
type Aggregator struct {
	mu       sync.RWMutex
	snaps    map[string]Snapshot // serverName -> snapshot, Connected outbounds only
	log      gwlog.Logger
	template TemplateEngine
}

func NewAggregator(log gwlog.Logger, template TemplateEngine) *Aggregator {
	return &Aggregator{snaps: make(map[string]Snapshot), log: log, template: template}
}

// Publish installs or replaces the snapshot for serverName. Called by the
// Connection Manager whenever a connection reaches Connected, and removed
// (via Retract) on disconnect.
func (a *Aggregator) Publish(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps[s.ServerName] = s
}

// Retract removes serverName's snapshot, e.g. on disconnect or reload.
func (a *Aggregator) Retract(serverName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.snaps, serverName)
}

// View computes the aggregated, mangled capability set for filter, over a
// consistent snapshot taken under a short read lock. View itself does no
// I/O.
func (a *Aggregator) View(filter Filter) *AggregatedCapabilities {
	a.mu.RLock()
	selected := make([]Snapshot, 0, len(a.snaps))
	for _, s := range a.snaps {
		if filter.Matches(s.Tags) {
			selected = append(selected, s)
		}
	}
	a.mu.RUnlock()

	// Stable provenance order: sort by server name so output is
	// deterministic for a fixed snapshot.
	sort.Slice(selected, func(i, j int) bool { return selected[i].ServerName < selected[j].ServerName })

	out := &AggregatedCapabilities{mangledOwner: make(map[string]string)}
	seenNames := make(map[string]struct{})

	claim := func(mangled, serverName string) bool {
		if _, dup := seenNames[mangled]; dup {
			a.log.Warnf("capabilities: duplicate mangled name %q from %s dropped", mangled, serverName)
			return false
		}
		seenNames[mangled] = struct{}{}
		out.mangledOwner[mangled] = serverName
		return true
	}

	perServerInstr := make(map[string]string)
	var serverNames []string

	for _, s := range selected {
		serverNames = append(serverNames, s.ServerName)
		if s.Instructions != "" {
			perServerInstr[s.ServerName] = s.Instructions
		}
		if s.LoggingCapable {
			out.LoggingCapable = true
		}
		for _, t := range s.Tools {
			mangled := Mangle(s.ServerName, t.Name)
			if !claim(mangled, s.ServerName) {
				continue
			}
			clone := *t
			clone.Name = mangled
			out.Tools = append(out.Tools, &clone)
		}
		for _, p := range s.Prompts {
			mangled := Mangle(s.ServerName, p.Name)
			if !claim(mangled, s.ServerName) {
				continue
			}
			clone := *p
			clone.Name = mangled
			out.Prompts = append(out.Prompts, &clone)
		}
		for _, r := range s.Resources {
			mangled := MangleResourceURI(s.ServerName, r.URI)
			if !claim(mangled, s.ServerName) {
				continue
			}
			clone := *r
			clone.URI = mangled
			out.Resources = append(out.Resources, &clone)
		}
		for _, rt := range s.ResourceTemplates {
			mangled := MangleResourceURI(s.ServerName, rt.URITemplate)
			if !claim(mangled, s.ServerName) {
				continue
			}
			clone := *rt
			clone.URITemplate = mangled
			out.ResourceTemplates = append(out.ResourceTemplates, &clone)
		}
	}

	out.Instructions = a.renderInstructions(serverNames, perServerInstr, out)
	return out
}

func (a *Aggregator) renderInstructions(serverNames []string, perServer map[string]string, caps *AggregatedCapabilities) string {
	data := TemplateData{
		ServerNames:          serverNames,
		ToolCount:            len(caps.Tools),
		ResourceCount:        len(caps.Resources),
		PromptCount:          len(caps.Prompts),
		PerServerInstruction: perServer,
		FilterContext:        strings.Join(serverNames, ","),
	}
	if a.template != nil {
		if rendered, err := a.template.Render(data); err == nil {
			return rendered
		} else {
			a.log.Warnf("capabilities: template engine failed, using default formatter: %v", err)
		}
	}
	return defaultInstructions(serverNames, perServer)
}

// defaultInstructions enumerates servers and their instructions in
// provenance order, used when no TemplateEngine is configured or it
// fails.
func defaultInstructions(serverNames []string, perServer map[string]string) string {
	if len(serverNames) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Connected servers:\n")
	for _, name := range serverNames {
		b.WriteString("- ")
		b.WriteString(name)
		if instr, ok := perServer[name]; ok && instr != "" {
			b.WriteString(": ")
			b.WriteString(instr)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Resolve is the inverse of mangling: given a flat mangled name, returns
// the owning server and local name from the most recent View this
// AggregatedCapabilities came from.
func (c *AggregatedCapabilities) Resolve(mangled string) (serverName, localName string, ok bool) {
	owner, known := c.mangledOwner[mangled]
	if !known {
		return "", "", false
	}
	serverName, localName, ok = Unmangle(mangled)
	if !ok || serverName != owner {
		return "", "", false
	}
	return serverName, localName, true
}

// ResolveResourceURI is Resolve's counterpart for resource/template URIs.
func (c *AggregatedCapabilities) ResolveResourceURI(mangled string) (serverName, localURI string, ok bool) {
	owner, known := c.mangledOwner[mangled]
	if !known {
		return "", "", false
	}
	serverName, localURI, ok = UnmangleResourceURI(mangled)
	if !ok || serverName != owner {
		return "", "", false
	}
	return serverName, localURI, true
}
