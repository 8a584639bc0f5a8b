package capabilities

import (
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// FindToolName is the name of the synthetic, gateway-native search tool
// every aggregated view advertises alongside the outbound servers' own
// tools. It deliberately does not contain Separator, so it can never
// collide with a mangled "<serverName>_1mcp_<localName>" token.
const FindToolName = "1mcp_find"

// FindTool builds the synthetic tool description for FindToolName.
func FindTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        FindToolName,
		Description: "Search the tools, prompts, and resources currently aggregated by this gateway by name or description.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {
					Type:        "string",
					Description: "Search query matched case-insensitively against names and descriptions",
				},
				"limit": {
					Type:        "integer",
					Description: "Maximum number of results to return (default: 10)",
				},
			},
			Required: []string{"query"},
		},
	}
}

// FindMatch is one scored hit from Find.
type FindMatch struct {
	Kind        string `json:"kind"` // "tool" | "prompt" | "resource"
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Score       int    `json:"score"`
}

// Find searches c's aggregated, mangled capability names and descriptions
// for query, ranking exact matches highest, then substring matches in the
// name, then substring matches in the description.
func (c *AggregatedCapabilities) Find(query string, limit int) []FindMatch {
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(query))
	var matches []FindMatch

	score := func(name, desc string) (int, bool) {
		nameLower := strings.ToLower(name)
		descLower := strings.ToLower(desc)
		switch {
		case nameLower == q:
			return 100, true
		case strings.Contains(nameLower, q):
			return 50, true
		case desc != "" && strings.Contains(descLower, q):
			return 30, true
		default:
			return 0, false
		}
	}

	for _, t := range c.Tools {
		if s, ok := score(t.Name, t.Description); ok {
			matches = append(matches, FindMatch{Kind: "tool", Name: t.Name, Description: t.Description, Score: s})
		}
	}
	for _, p := range c.Prompts {
		if s, ok := score(p.Name, p.Description); ok {
			matches = append(matches, FindMatch{Kind: "prompt", Name: p.Name, Description: p.Description, Score: s})
		}
	}
	for _, r := range c.Resources {
		if s, ok := score(r.URI, r.Description); ok {
			matches = append(matches, FindMatch{Kind: "resource", Name: r.URI, Description: r.Description, Score: s})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
