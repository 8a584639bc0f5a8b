// Package sessionstore is a file-backed, TTL-indexed store for OAuth
// artifacts. Every record is a flat JSON
// file named "<prefix><id>.json" under a configured directory; writes are
// atomic via write-to-temp + rename so a concurrent sweep or reader never
// observes a half-written file.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/1mcp-go/gateway/internal/gwerr"
	"github.com/1mcp-go/gateway/internal/gwlog"
)

// idPattern is the full validity rule for ids: letters,
// digits, underscore, dot, dash, length <= 128.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

const maxIDLength = 128

// Category is a named record kind, each with its own filename prefix and
// default TTL.
type Category struct {
	Prefix     string
	DefaultTTL time.Duration
}

// Inbound tokens and client registrations share the "session_" prefix
// with different default TTLs; their id namespaces never collide.
var (
	CategoryAuthCode           = Category{Prefix: "auth_code_", DefaultTTL: 60 * time.Second}
	CategoryAuthRequest        = Category{Prefix: "auth_req_", DefaultTTL: 10 * time.Minute}
	CategoryInboundSession     = Category{Prefix: "session_", DefaultTTL: 24 * time.Hour}
	CategoryClientRegistration = Category{Prefix: "session_", DefaultTTL: 30 * 24 * time.Hour}
	CategoryOutboundClient     = Category{Prefix: "client_", DefaultTTL: 30 * 24 * time.Hour}
	CategoryOutboundTokens     = Category{Prefix: "tokens_", DefaultTTL: time.Hour}
	CategoryPKCEVerifier       = Category{Prefix: "verifier_", DefaultTTL: 10 * time.Minute}
	CategoryOutboundState      = Category{Prefix: "state_", DefaultTTL: 10 * time.Minute}
)

// sweepInterval is the cooperative sweep cadence.
const sweepInterval = 5 * time.Minute

// Record is a decoded store entry: the caller's payload plus the
// bookkeeping fields. On disk the three are one flat JSON object,
// `{…payload, "expires": epochMs, "createdAt": epochMs}`.
type Record struct {
	Payload   json.RawMessage
	Expires   int64
	CreatedAt int64
}

// Store is the Session Store.
type Store struct {
	dir    string
	log    gwlog.Logger
	now    func() time.Time
	mu     sync.Mutex // guards closed
	stopCh chan struct{}
	stopWg sync.WaitGroup
	closed bool
}

// New creates a Store rooted at dir, creating it if necessary, and starts
// the background sweeper.
func New(dir string, log gwlog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session storage directory: %w", err)
	}
	s := &Store{dir: dir, log: log, now: time.Now, stopCh: make(chan struct{})}
	s.stopWg.Add(1)
	go s.sweepLoop()
	return s, nil
}

func validateID(id string) error {
	if len(id) == 0 || len(id) > maxIDLength || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", gwerr.ErrInvalidID, id)
	}
	return nil
}

func (s *Store) path(cat Category, id string) string {
	return filepath.Join(s.dir, cat.Prefix+id+".json")
}

// Write persists value under category/id with the given TTL (0 means use
// the category's DefaultTTL). Writes are atomic: a temp file is written
// and fsynced, then renamed over the final path.
func (s *Store) Write(cat Category, id string, value any, ttl time.Duration) error {
	if err := validateID(id); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cat.DefaultTTL
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling record: %w", err)
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(payload, &flat); err != nil {
		return fmt.Errorf("record payload must be a JSON object: %w", err)
	}
	now := s.now()
	flat["expires"], _ = json.Marshal(now.Add(ttl).UnixMilli())
	flat["createdAt"], _ = json.Marshal(now.UnixMilli())
	data, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("marshalling record envelope: %w", err)
	}

	final := s.path(cat, id)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Read decodes the record at category/id, or returns (nil, nil) if it is
// absent, unreadable, or malformed. Read does not check expiry; callers may
// inspect Record.Expires themselves. I/O errors are swallowed and logged
// rather than returned, since a missing record and a read failure are
// handled identically by callers.
func (s *Store) Read(cat Category, id string) (*Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(cat, id))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnf("sessionstore: read %s%s: %v", cat.Prefix, id, err)
		}
		return nil, nil
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		s.log.Warnf("sessionstore: malformed record %s%s: %v", cat.Prefix, id, err)
		return nil, nil
	}
	var rec Record
	if raw, ok := flat["expires"]; ok {
		_ = json.Unmarshal(raw, &rec.Expires)
		delete(flat, "expires")
	}
	if raw, ok := flat["createdAt"]; ok {
		_ = json.Unmarshal(raw, &rec.CreatedAt)
		delete(flat, "createdAt")
	}
	rec.Payload, err = json.Marshal(flat)
	if err != nil {
		return nil, nil
	}
	return &rec, nil
}

// ReadInto is a convenience wrapper decoding the payload into out.
func (s *Store) ReadInto(cat Category, id string, out any) (bool, error) {
	rec, err := s.Read(cat, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if err := json.Unmarshal(rec.Payload, out); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete removes the record at category/id. Returns true iff a file was
// removed.
func (s *Store) Delete(cat Category, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	err := os.Remove(s.path(cat, id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Sweep scans the directory, removing files whose expiry has passed and
// files that are not valid JSON. Files lacking an "expires" field are
// kept. Returns the count removed.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading session storage directory: %w", err)
	}
	now := s.now().UnixMilli()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		full := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var rec struct {
			Expires *int64 `json:"expires"`
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			if rmErr := os.Remove(full); rmErr == nil {
				removed++
			}
			continue
		}
		if rec.Expires != nil && *rec.Expires < now {
			if rmErr := os.Remove(full); rmErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) sweepLoop() {
	defer s.stopWg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.Sweep(); err != nil {
				s.log.Warnf("sessionstore: sweep failed: %v", err)
			} else if n > 0 {
				s.log.Debugf("sessionstore: swept %d expired/invalid records", n)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Shutdown stops the periodic sweeper. Idempotent.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stopCh)
	s.stopWg.Wait()
}
