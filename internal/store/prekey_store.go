package store

import (
	"path/filepath"
	"sync"

	"threadkx/internal/domain"
)

const opkSecretsFile = "opk_secrets.json.enc"

// PrekeyFileStore persists the one-time prekey pairs of this device. Every
// operation is a locked read-modify-write of a single encrypted file, which
// makes check-then-delete in UsePrekey atomic.
type PrekeyFileStore struct {
	dir string
	kr  *Keyring
	mu  sync.Mutex
}

// NewPrekeyFileStore returns a PrekeyFileStore rooted at dir.
func NewPrekeyFileStore(dir string, kr *Keyring) *PrekeyFileStore {
	return &PrekeyFileStore{dir: dir, kr: kr}
}

func (s *PrekeyFileStore) path() string { return filepath.Join(s.dir, opkSecretsFile) }

func (s *PrekeyFileStore) load() (map[domain.PrekeyID]domain.OnePrekeyPair, error) {
	m := map[domain.PrekeyID]domain.OnePrekeyPair{}
	if _, err := readSealed(s.path(), s.kr, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SavePrekeys merges the provided pairs into the store.
func (s *PrekeyFileStore) SavePrekeys(pairs []domain.OnePrekeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	for _, p := range pairs {
		m[p.ID] = p
	}
	return writeSealed(s.path(), s.kr, m)
}

// UsePrekey calls fn with the secret half of id and deletes it if fn
// succeeds. A failing fn leaves the secret in place.
func (s *PrekeyFileStore) UsePrekey(
	id domain.PrekeyID,
	fn func(secret domain.X25519Private) error,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return false, err
	}
	p, ok := m[id]
	if !ok {
		return false, nil
	}
	if err := fn(p.Secret); err != nil {
		return true, err
	}
	delete(m, id)
	return true, writeSealed(s.path(), s.kr, m)
}

// HasPrekey reports whether the secret half of id is still present.
func (s *PrekeyFileStore) HasPrekey(id domain.PrekeyID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := m[id]
	return ok, nil
}

// CountPrekeys returns the number of unconsumed local secrets.
func (s *PrekeyFileStore) CountPrekeys() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(m), nil
}

// WipePrekeys removes every local prekey secret.
func (s *PrekeyFileStore) WipePrekeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(s.path())
}

// Compile-time assertion that PrekeyFileStore implements domain.PrekeyStore.
var _ domain.PrekeyStore = (*PrekeyFileStore)(nil)
