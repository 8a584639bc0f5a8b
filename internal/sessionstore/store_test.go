package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, gwlog.New(nil, gwlog.LevelError))
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type payload struct {
		Foo string `json:"foo"`
	}
	require.NoError(t, s.Write(CategoryOutboundState, "abc123", payload{Foo: "bar"}, time.Minute))

	var got payload
	ok, err := s.ReadInto(CategoryOutboundState, "abc123", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bar", got.Foo)
}

func TestRecordOnDiskShapeIsFlat(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(CategoryAuthCode, "flat", map[string]string{"foo": "bar"}, time.Minute))

	data, err := os.ReadFile(filepath.Join(s.dir, "auth_code_flat.json"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "bar", doc["foo"])
	assert.Contains(t, doc, "expires")
	assert.Contains(t, doc, "createdAt")
	assert.NotContains(t, doc, "payload")
}

func TestDeleteThenReadReturnsNil(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write(CategoryAuthCode, "code1", map[string]string{"a": "b"}, time.Minute))

	removed, err := s.Delete(CategoryAuthCode, "code1")
	require.NoError(t, err)
	assert.True(t, removed)

	rec, err := s.Read(CategoryAuthCode, "code1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInvalidIDNeverTouchesDisk(t *testing.T) {
	s := newTestStore(t)
	for _, bad := range []string{"../escape", "a/b", "has space", "NUL\x00byte", ""} {
		err := s.Write(CategoryAuthCode, bad, map[string]string{}, time.Minute)
		require.ErrorIs(t, err, gwerr.ErrInvalidID)
	}

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepRemovesExpiredAndMalformed(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Write(CategoryAuthCode, "expired", map[string]string{}, time.Millisecond))
	require.NoError(t, s.Write(CategoryAuthCode, "fresh", map[string]string{}, time.Hour))

	// Advance the clock past "expired"'s TTL but not "fresh"'s.
	s.now = func() time.Time { return fixed.Add(time.Second) }

	// Malformed JSON file, written directly (bypassing Write).
	badPath := filepath.Join(s.dir, "auth_code_broken.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o600))

	// A record with no "expires" field must survive the sweep.
	noExpiryPath := filepath.Join(s.dir, "auth_code_noexpiry.json")
	require.NoError(t, os.WriteFile(noExpiryPath, []byte(`{"foo":"bar","createdAt":1}`), 0o600))

	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n) // expired + broken

	_, err = os.Stat(filepath.Join(s.dir, "auth_code_expired.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(badPath)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(s.dir, "auth_code_fresh.json"))
	assert.NoError(t, err)
	_, err = os.Stat(noExpiryPath)
	assert.NoError(t, err)
}

func TestShutdownIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.Shutdown()
	assert.NotPanics(t, s.Shutdown)
}
