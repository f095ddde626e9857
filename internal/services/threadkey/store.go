package threadkey

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"threadkx/internal/crypto"
	"threadkx/internal/domain"
	"threadkx/internal/domain/types"
)

// linkVersion is the version of exported device link payloads.
const linkVersion = 1

// EventKind says what happened to a thread key.
type EventKind int

const (
	EventSet EventKind = iota
	EventWiped
)

// Event is delivered to subscribers after every write.
type Event struct {
	ThreadID domain.ThreadID
	Kind     EventKind
}

// Config configures a Store.
type Config struct {
	Keys domain.ThreadKeyStore
	Now  func() time.Time
	Log  slog.Logger
}

// Store is the single source of truth for whether a thread is usable. Keys
// only disappear through Wipe.
type Store struct {
	cfg Config
	log slog.Logger

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// New returns a thread key store.
func New(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Store{cfg: cfg, log: log, subs: make(map[int]func(Event))}
}

// Subscribe registers fn to be called after every key write. fn runs on the
// writer's goroutine and must not block. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify(ev Event) {
	s.subsMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) Get(id domain.ThreadID) (domain.ThreadKey, bool, error) {
	return s.cfg.Keys.LoadThreadKey(id)
}

// Has reports whether id has a key. Read errors count as no key.
func (s *Store) Has(id domain.ThreadID) bool {
	_, ok, err := s.cfg.Keys.LoadThreadKey(id)
	if err != nil {
		s.log.Errorf("Unable to load key of thread %s: %v", id, err)
		return false
	}
	return ok
}

// Ensure returns the key of id, creating and persisting a random one when
// none exists. created reports whether this call created it.
func (s *Store) Ensure(id domain.ThreadID) (domain.ThreadKey, bool, error) {
	raw, err := crypto.RandomBytes(32)
	if err != nil {
		return domain.ThreadKey{}, false, err
	}
	k := domain.ThreadKey{ThreadID: id, CreatedAt: s.cfg.Now().UnixMilli(), Version: 1}
	copy(k.Key[:], raw)

	stored, created, err := s.cfg.Keys.SaveThreadKeyIfAbsent(k)
	if err != nil {
		return domain.ThreadKey{}, false, err
	}
	if created {
		s.log.Infof("Created key for thread %s", id)
		s.notify(Event{ThreadID: id, Kind: EventSet})
	}
	return stored, created, nil
}

// Set stores the base64 key encoded for id, replacing any existing key.
// Keys that do not decode to exactly 32 bytes are rejected.
func (s *Store) Set(id domain.ThreadID, encoded string, createdAt int64, version int) error {
	if id == "" {
		return fmt.Errorf("%w: empty thread id", domain.ErrInvalidThreadKey)
	}
	key, err := types.ParseSymmetricKey(encoded)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidThreadKey, err)
	}
	if createdAt == 0 {
		createdAt = s.cfg.Now().UnixMilli()
	}
	if version <= 0 {
		version = 1
	}
	err = s.cfg.Keys.SaveThreadKey(domain.ThreadKey{
		ThreadID:  id,
		Key:       key,
		CreatedAt: createdAt,
		Version:   version,
	})
	if err != nil {
		return err
	}
	s.log.Debugf("Stored key for thread %s", id)
	s.notify(Event{ThreadID: id, Kind: EventSet})
	return nil
}

// Import merges a device link payload into the store. Threads missing from
// the payload keep their keys; invalid entries are skipped. It returns the
// number of keys written.
func (s *Store) Import(payload json.RawMessage) (int, error) {
	var p domain.DeviceLinkPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fmt.Errorf("%w: device link payload: %w", domain.ErrImportFailed, err)
	}
	now := s.cfg.Now().UnixMilli()
	keys := make([]domain.ThreadKey, 0, len(p.Keys))
	for id, raw := range p.Keys {
		k, err := decodeLinkEntry(id, raw)
		if err != nil {
			s.log.Warnf("Skipping key of thread %s in device link payload: %v", id, err)
			continue
		}
		if k.CreatedAt == 0 {
			k.CreatedAt = now
		}
		keys = append(keys, k)
	}
	if len(p.Keys) > 0 && len(keys) == 0 {
		return 0, fmt.Errorf("%w: no valid keys in device link payload", domain.ErrImportFailed)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.cfg.Keys.MergeThreadKeys(keys); err != nil {
		return 0, err
	}
	s.log.Infof("Imported %d thread keys from a linked device", len(keys))
	for _, k := range keys {
		s.notify(Event{ThreadID: k.ThreadID, Kind: EventSet})
	}
	return len(keys), nil
}

// decodeLinkEntry accepts either a full thread key object or a bare base64
// key string.
func decodeLinkEntry(id domain.ThreadID, raw json.RawMessage) (domain.ThreadKey, error) {
	if id == "" {
		return domain.ThreadKey{}, domain.ErrInvalidThreadKey
	}
	var encoded string
	var entry domain.ThreadKeyPayload
	if err := json.Unmarshal(raw, &encoded); err != nil {
		if err := json.Unmarshal(raw, &entry); err != nil {
			return domain.ThreadKey{}, err
		}
		encoded = entry.Key
	}
	key, err := types.ParseSymmetricKey(encoded)
	if err != nil {
		return domain.ThreadKey{}, fmt.Errorf("%w: %w", domain.ErrInvalidThreadKey, err)
	}
	version := entry.Version
	if version <= 0 {
		version = 1
	}
	return domain.ThreadKey{ThreadID: id, Key: key, CreatedAt: entry.CreatedAt, Version: version}, nil
}

// Export returns every local key as a device link payload.
func (s *Store) Export() (domain.DeviceLinkPayload, error) {
	keys, err := s.cfg.Keys.ListThreadKeys()
	if err != nil {
		return domain.DeviceLinkPayload{}, err
	}
	p := domain.DeviceLinkPayload{
		Version:    linkVersion,
		ExportedAt: s.cfg.Now().UnixMilli(),
		Keys:       make(map[domain.ThreadID]json.RawMessage, len(keys)),
	}
	for _, k := range keys {
		raw, err := json.Marshal(domain.ThreadKeyPayload{
			ThreadID:  k.ThreadID,
			Key:       k.Key.Encode(),
			CreatedAt: k.CreatedAt,
			Version:   k.Version,
		})
		if err != nil {
			return domain.DeviceLinkPayload{}, err
		}
		p.Keys[k.ThreadID] = raw
	}
	return p, nil
}

// Wipe deletes the key of id. This is the only way a thread leaves READY.
func (s *Store) Wipe(id domain.ThreadID) error {
	if err := s.cfg.Keys.DeleteThreadKey(id); err != nil {
		return err
	}
	s.log.Infof("Wiped key of thread %s", id)
	s.notify(Event{ThreadID: id, Kind: EventWiped})
	return nil
}

var _ domain.ThreadKeys = (*Store)(nil)
