package store

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"threadkx/internal/domain"
)

const (
	runtimePrefix  = "runtime/"
	keySharePrefix = "keyshare/"

	// KeyShareMaxAge bounds how long receipts and pending deliveries are
	// remembered.
	KeyShareMaxAge = 24 * time.Hour
)

// RuntimeDB keeps thread runtime records and key-share bookkeeping in a
// LevelDB database. Values are JSON.
type RuntimeDB struct {
	db  *leveldb.DB
	now func() time.Time

	// mu serializes read-modify-write updates.
	mu sync.Mutex
}

// OpenRuntimeDB opens (creating if needed) the database at path.
func OpenRuntimeDB(path string) (*RuntimeDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &RuntimeDB{db: db, now: time.Now}, nil
}

// NewMemRuntimeDB returns a RuntimeDB backed by memory only.
func NewMemRuntimeDB() (*RuntimeDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &RuntimeDB{db: db, now: time.Now}, nil
}

// SetClock overrides the time source used for pruning.
func (r *RuntimeDB) SetClock(now func() time.Time) { r.now = now }

// Close closes the underlying database.
func (r *RuntimeDB) Close() error { return r.db.Close() }

func (r *RuntimeDB) getJSON(key string, out any) (bool, error) {
	b, err := r.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

func (r *RuntimeDB) putJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(key), b, nil)
}

// LoadThreadRuntime returns the runtime record of thread id.
func (r *RuntimeDB) LoadThreadRuntime(id domain.ThreadID) (domain.ThreadRuntime, bool, error) {
	var rt domain.ThreadRuntime
	ok, err := r.getJSON(runtimePrefix+string(id), &rt)
	return rt, ok, err
}

// UpdateThreadRuntime applies fn to the record of id and persists it when fn
// reports a change.
func (r *RuntimeDB) UpdateThreadRuntime(
	id domain.ThreadID,
	fn func(rt *domain.ThreadRuntime) bool,
) (domain.ThreadRuntime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rt domain.ThreadRuntime
	if _, err := r.getJSON(runtimePrefix+string(id), &rt); err != nil {
		return rt, err
	}
	if !fn(&rt) {
		return rt, nil
	}
	rt.UpdatedAt = r.now()
	return rt, r.putJSON(runtimePrefix+string(id), rt)
}

// ListThreadRuntimes returns every stored runtime record.
func (r *RuntimeDB) ListThreadRuntimes() (map[domain.ThreadID]domain.ThreadRuntime, error) {
	out := make(map[domain.ThreadID]domain.ThreadRuntime)
	iter := r.db.NewIterator(util.BytesPrefix([]byte(runtimePrefix)), nil)
	for iter.Next() {
		var rt domain.ThreadRuntime
		if err := json.Unmarshal(iter.Value(), &rt); err != nil {
			iter.Release()
			return nil, err
		}
		id := domain.ThreadID(strings.TrimPrefix(string(iter.Key()), runtimePrefix))
		out[id] = rt
	}
	err := iter.Error()
	iter.Release()
	return out, err
}

// LoadKeyShare returns the pruned key-share state of thread id.
func (r *RuntimeDB) LoadKeyShare(id domain.ThreadID) (domain.KeyShareState, error) {
	var st domain.KeyShareState
	if _, err := r.getJSON(keySharePrefix+string(id), &st); err != nil {
		return st, err
	}
	r.normalize(&st)
	return st, nil
}

// UpdateKeyShare applies fn to the key-share state of thread id and persists
// the result.
func (r *RuntimeDB) UpdateKeyShare(
	id domain.ThreadID,
	fn func(st *domain.KeyShareState),
) (domain.KeyShareState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st domain.KeyShareState
	if _, err := r.getJSON(keySharePrefix+string(id), &st); err != nil {
		return st, err
	}
	r.normalize(&st)
	fn(&st)
	if len(st.Receipts) == 0 && len(st.Pending) == 0 {
		return st, r.db.Delete([]byte(keySharePrefix+string(id)), nil)
	}
	return st, r.putJSON(keySharePrefix+string(id), st)
}

func (r *RuntimeDB) normalize(st *domain.KeyShareState) {
	if st.Receipts == nil {
		st.Receipts = make(map[domain.DeviceID]time.Time)
	}
	if st.Pending == nil {
		st.Pending = make(map[domain.DeviceID]domain.KeySharePending)
	}
	st.Prune(r.now(), KeyShareMaxAge)
}

// Compile-time assertion that RuntimeDB implements domain.RuntimeStore.
var _ domain.RuntimeStore = (*RuntimeDB)(nil)
