// Package capabilities merges outbound capability sets into a
// per-session aggregated view, with deterministic name
// mangling.
package capabilities

import (
	"fmt"
	"regexp"
	"strings"
)

// Separator is the literal token mangled names are joined with. It is
// chosen so that it cannot occur inside a valid server name, making the
// first occurrence the unambiguous split point.
const Separator = "_1mcp_"

// ServerNamePattern is the allowed alphabet for server (and local) names.
var ServerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateServerName rejects any server name that contains the mangling
// separator, which would make mangling
// ambiguous. Enforced at config load.
func ValidateServerName(name string) error {
	if !ServerNamePattern.MatchString(name) {
		return fmt.Errorf("invalid server name %q: must match /[A-Za-z0-9_-]+/", name)
	}
	if strings.Contains(name, Separator) {
		return fmt.Errorf("invalid server name %q: must not contain %q", name, Separator)
	}
	return nil
}

// Mangle maps (serverName, localName) to a single flat token.
func Mangle(serverName, localName string) string {
	return serverName + Separator + localName
}

// Unmangle is the inverse of Mangle: split on the first occurrence of
// Separator. Greedy-first-match is safe because serverName never contains
// Separator (enforced by ValidateServerName), so the first occurrence of
// Separator is always the boundary the name was mangled at.
func Unmangle(mangled string) (serverName, localName string, ok bool) {
	idx := strings.Index(mangled, Separator)
	if idx < 0 {
		return "", "", false
	}
	return mangled[:idx], mangled[idx+len(Separator):], true
}

// MangleResourceURI mangles only the opaque local portion of a resource
// URI, preserving any scheme prefix up to "://" if present, otherwise
// treating the whole string as the local portion.
func MangleResourceURI(serverName, uri string) string {
	if idx := strings.Index(uri, "://"); idx >= 0 {
		scheme, rest := uri[:idx+3], uri[idx+3:]
		return scheme + Mangle(serverName, rest)
	}
	return Mangle(serverName, uri)
}

// UnmangleResourceURI is the inverse of MangleResourceURI.
func UnmangleResourceURI(mangled string) (serverName, localURI string, ok bool) {
	if idx := strings.Index(mangled, "://"); idx >= 0 {
		scheme, rest := mangled[:idx+3], mangled[idx+3:]
		server, local, ok := Unmangle(rest)
		if !ok {
			return "", "", false
		}
		return server, scheme + local, true
	}
	return Unmangle(mangled)
}
