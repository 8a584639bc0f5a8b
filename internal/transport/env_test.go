package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeEnvWhitelistMode(t *testing.T) {
	parent := map[string]string{
		"NODE_ENV":   "x",
		"HOME":       "/h",
		"SECRET_KEY": "y",
		"OTHER":      "z",
	}
	env := ComputeEnv(true, []string{"NODE_*", "HOME", "!SECRET_*"}, nil, parent)

	assert.Equal(t, "x", env["NODE_ENV"])
	assert.Equal(t, "/h", env["HOME"])
	_, hasSecret := env["SECRET_KEY"]
	assert.False(t, hasSecret)
	_, hasOther := env["OTHER"]
	assert.False(t, hasOther, "unmatched names dropped in whitelist mode")
}

func TestComputeEnvNoFilterKeepsEverythingWhenInherited(t *testing.T) {
	parent := map[string]string{"NODE_ENV": "x", "OTHER": "z"}
	env := ComputeEnv(true, nil, nil, parent)
	assert.Equal(t, "x", env["NODE_ENV"])
	assert.Equal(t, "z", env["OTHER"])
}

func TestComputeEnvWithoutInheritOnlyBaseline(t *testing.T) {
	parent := map[string]string{"NODE_ENV": "x", "PATH": "/usr/bin"}
	env := ComputeEnv(false, nil, nil, parent)
	_, hasNodeEnv := env["NODE_ENV"]
	assert.False(t, hasNodeEnv)
}

func TestComputeEnvOverlayBareNameInheritsFromParent(t *testing.T) {
	parent := map[string]string{"FOO": "from-parent"}
	env := ComputeEnv(false, nil, []EnvEntry{{Name: "FOO", HasValue: false}}, parent)
	assert.Equal(t, "from-parent", env["FOO"])
}

func TestComputeEnvOverlayBareNameAbsentFromParentStaysUnset(t *testing.T) {
	parent := map[string]string{}
	env := ComputeEnv(false, nil, []EnvEntry{{Name: "MISSING", HasValue: false}}, parent)
	_, ok := env["MISSING"]
	assert.False(t, ok)
}

func TestComputeEnvOverlaySubstitution(t *testing.T) {
	parent := map[string]string{"HOME": "/home/gw"}
	entries := []EnvEntry{
		{Name: "HOME", HasValue: false},
		{Name: "CONFIG_DIR", Value: "${HOME}/.config", HasValue: true},
	}
	env := ComputeEnv(true, nil, entries, parent)
	assert.Equal(t, "/home/gw/.config", env["CONFIG_DIR"])
}

func TestComputeEnvSubstitutionMissingVarLeftLiteral(t *testing.T) {
	entries := []EnvEntry{{Name: "X", Value: "${NOT_SET}", HasValue: true}}
	env := ComputeEnv(false, nil, entries, map[string]string{})
	assert.Equal(t, "${NOT_SET}", env["X"])
}

func TestToSliceSortedFormat(t *testing.T) {
	out := ToSlice(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"A=1", "B=2"}, out)
}
