package array

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Session is the credential handle produced by login: the vendor token
// header value plus the session cookies the array set alongside it.
type Session struct {
	Token       string          `json:"token"`
	Cookies     []SessionCookie `json:"cookies,omitempty"`
	ValidatedAt time.Time       `json:"validated_at"`
}

// SessionCookie is the persisted subset of http.Cookie.
type SessionCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Path  string `json:"path,omitempty"`
}

// HTTPCookies converts persisted cookies back to http cookies.
func (s *Session) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path})
	}
	return out
}

// SessionStore persists a credential handle between runs.
type SessionStore interface {
	Load() (*Session, error)
	Save(*Session) error
	Clear() error
}

// FileStore keeps the session in a 0600 JSON file under a 0700 directory.
// Writes go through a temp file + rename so concurrent runs never observe
// a partially written handle.
type FileStore struct {
	Dir string
}

func (f *FileStore) path() string {
	return filepath.Join(f.Dir, "session.json")
}

// Load reads the cached session. A missing cache is (nil, nil).
func (f *FileStore) Load() (*Session, error) {
	data, err := os.ReadFile(f.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session cache: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt cache is treated as absent; login will replace it.
		return nil, nil
	}
	if s.Token == "" {
		return nil, nil
	}
	return &s, nil
}

// Save writes the session with restrictive permissions.
func (f *FileStore) Save(s *Session) error {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("create session cache dir: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(f.Dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	return os.Rename(tmpName, f.path())
}

// Clear removes the cached session.
func (f *FileStore) Clear() error {
	err := os.Remove(f.path())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryStore holds the session for the lifetime of one process. Used by
// --no-session-cache runs and by tests.
type MemoryStore struct {
	session *Session
}

// Load returns the in-memory session.
func (m *MemoryStore) Load() (*Session, error) { return m.session, nil }

// Save stores the session in memory.
func (m *MemoryStore) Save(s *Session) error { m.session = s; return nil }

// Clear drops the in-memory session.
func (m *MemoryStore) Clear() error { m.session = nil; return nil }
