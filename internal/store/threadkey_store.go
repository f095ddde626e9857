package store

import (
	"path/filepath"
	"sort"
	"sync"

	"threadkx/internal/domain"
)

const threadKeysFile = "thread_keys.json.enc"

// ThreadKeyFileStore persists thread keys in one encrypted file.
type ThreadKeyFileStore struct {
	dir string
	kr  *Keyring
	mu  sync.Mutex
}

// NewThreadKeyFileStore returns a ThreadKeyFileStore rooted at dir.
func NewThreadKeyFileStore(dir string, kr *Keyring) *ThreadKeyFileStore {
	return &ThreadKeyFileStore{dir: dir, kr: kr}
}

func (s *ThreadKeyFileStore) path() string { return filepath.Join(s.dir, threadKeysFile) }

func (s *ThreadKeyFileStore) load() (map[domain.ThreadID]domain.ThreadKey, error) {
	m := map[domain.ThreadID]domain.ThreadKey{}
	if _, err := readSealed(s.path(), s.kr, &m); err != nil {
		return nil, err
	}
	for id, k := range m {
		k.ThreadID = id
		m[id] = k
	}
	return m, nil
}

// LoadThreadKey returns the key of thread id.
func (s *ThreadKeyFileStore) LoadThreadKey(id domain.ThreadID) (domain.ThreadKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return domain.ThreadKey{}, false, err
	}
	k, ok := m[id]
	return k, ok, nil
}

// SaveThreadKey stores key, replacing any previous record for its thread.
func (s *ThreadKeyFileStore) SaveThreadKey(key domain.ThreadKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	m[key.ThreadID] = key
	return writeSealed(s.path(), s.kr, m)
}

// SaveThreadKeyIfAbsent stores key only if its thread has no key yet.
func (s *ThreadKeyFileStore) SaveThreadKeyIfAbsent(key domain.ThreadKey) (domain.ThreadKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return domain.ThreadKey{}, false, err
	}
	if existing, ok := m[key.ThreadID]; ok {
		return existing, false, nil
	}
	m[key.ThreadID] = key
	if err := writeSealed(s.path(), s.kr, m); err != nil {
		return domain.ThreadKey{}, false, err
	}
	return key, true, nil
}

// MergeThreadKeys upserts keys, leaving records of other threads untouched.
func (s *ThreadKeyFileStore) MergeThreadKeys(keys []domain.ThreadKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	for _, k := range keys {
		m[k.ThreadID] = k
	}
	return writeSealed(s.path(), s.kr, m)
}

// ListThreadKeys returns every stored key ordered by thread id.
func (s *ThreadKeyFileStore) ListThreadKeys() ([]domain.ThreadKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ThreadKey, 0, len(m))
	for _, k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

// DeleteThreadKey removes the key of thread id.
func (s *ThreadKeyFileStore) DeleteThreadKey(id domain.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return nil
	}
	delete(m, id)
	return writeSealed(s.path(), s.kr, m)
}

// Compile-time assertion that ThreadKeyFileStore implements domain.ThreadKeyStore.
var _ domain.ThreadKeyStore = (*ThreadKeyFileStore)(nil)
