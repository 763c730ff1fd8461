package session

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/m4xw311/fuzz/errors"
)

// Store holds sessions by id. With a directory set, sessions are written as
// JSON files and loaded back on first access.
type Store struct {
	dir      string
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates a store. An empty dir keeps sessions in memory only.
func NewStore(dir string) *Store {
	return &Store{dir: dir, sessions: make(map[string]*Session)}
}

// Get returns the session with the given id, creating or loading it.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s, nil
	}
	s := New(id)
	if st.dir != "" {
		loaded, err := st.load(id)
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			s = loaded
		}
	}
	s.store = st
	st.sessions[id] = s
	return s, nil
}

// Clear empties the history of session id, in memory and on disk. The
// dropped session is detached under its lock, so a turn still holding it
// can neither write it back nor be mistaken for the live conversation.
func (st *Store) Clear(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	st.mu.Unlock()

	if ok {
		s.Lock()
		defer s.Unlock()
		s.Clear()
		s.detached = true
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if ok && st.sessions[id] == s {
		delete(st.sessions, id)
	}
	if st.dir == "" {
		return nil
	}
	if err := os.Remove(st.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "could not remove session file")
	}
	return nil
}

// IDs lists the sessions currently held in memory.
func (st *Store) IDs() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Save writes the current session state to disk. It is a no-op for
// in-memory stores. The caller holds the session lock.
func (s *Session) Save() error {
	if s.detached || s.store == nil || s.store.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.store.dir, 0755); err != nil {
		return errors.Wrapf(err, "could not create session directory")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return os.WriteFile(s.store.path(s.Name), data, 0644)
}

func (st *Store) load(id string) (*Session, error) {
	path := st.path(id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	s.Name = id
	return &s, nil
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, url.PathEscape(id)+".json")
}
