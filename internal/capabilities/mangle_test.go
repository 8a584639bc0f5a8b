package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManglingBijection(t *testing.T) {
	pairs := [][2]string{
		{"echo", "ping"},
		{"capability-server", "reflect_tool"},
		{"a1", "b2"},
		{"svc_one", "svc_two"},
	}
	mangledSet := make(map[string]struct{})
	for _, p := range pairs {
		require.NoError(t, ValidateServerName(p[0]))
		mangled := Mangle(p[0], p[1])
		_, dup := mangledSet[mangled]
		assert.False(t, dup, "mangle must be injective: %q", mangled)
		mangledSet[mangled] = struct{}{}

		server, local, ok := Unmangle(mangled)
		require.True(t, ok)
		assert.Equal(t, p[0], server)
		assert.Equal(t, p[1], local)
	}
}

func TestValidateServerNameRejectsSeparator(t *testing.T) {
	err := ValidateServerName("foo_1mcp_bar")
	assert.Error(t, err)
}

func TestValidateServerNameRejectsBadChars(t *testing.T) {
	for _, bad := range []string{"foo/bar", "foo bar", "foo.bar", ""} {
		assert.Error(t, ValidateServerName(bad), bad)
	}
}

func TestUnmangleNoSeparator(t *testing.T) {
	_, _, ok := Unmangle("plain-name")
	assert.False(t, ok)
}

func TestMangleResourceURIPreservesScheme(t *testing.T) {
	mangled := MangleResourceURI("files", "file:///tmp/a.txt")
	assert.Equal(t, "file://files"+Separator+"/tmp/a.txt", mangled)

	server, local, ok := UnmangleResourceURI(mangled)
	require.True(t, ok)
	assert.Equal(t, "files", server)
	assert.Equal(t, "file:///tmp/a.txt", local)
}

func TestMangleResourceURINoScheme(t *testing.T) {
	mangled := MangleResourceURI("files", "opaque-local")
	server, local, ok := UnmangleResourceURI(mangled)
	require.True(t, ok)
	assert.Equal(t, "files", server)
	assert.Equal(t, "opaque-local", local)
}
