package engine

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/luigitni/tokuwal/internal/pagecache"
)

// ErrKeyNotFound is returned by MapEffects.Get when key has no row in the
// file (out-of-scope fractal-tree lookup, stood in here by a plain map).
var ErrKeyNotFound = errors.New("engine: key not found")

// MapEffects is the concrete rollback.Effects this module ships: an
// in-memory, mutex-guarded map per open file standing in for the
// fractal-tree index the full engine would apply against (spec §1 "Out of
// scope... the fractal-tree index node format"). It is what Engine wires
// by default; a real deployment would swap it for an actual index.
type MapEffects struct {
	mu    sync.RWMutex
	rows  map[pagecache.FileNum]map[string][]byte
	files map[string]bool
}

// NewMapEffects returns an empty MapEffects.
func NewMapEffects() *MapEffects {
	return &MapEffects{
		rows:  map[pagecache.FileNum]map[string][]byte{},
		files: map[string]bool{},
	}
}

func (m *MapEffects) table(file pagecache.FileNum) map[string][]byte {
	t, ok := m.rows[file]
	if !ok {
		t = map[string][]byte{}
		m.rows[file] = t
	}
	return t
}

// Get returns the current value for key in file. The engine's own
// mutation helpers do not call it: Txn.Delete and Txn.Update take the
// pre-image they log (spec §4.8's redo-reconstructs-the-undo-chain
// requirement) from their caller as oldVal.
func (m *MapEffects) Get(file pagecache.FileNum, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.table(file)[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func (m *MapEffects) ApplyInsert(file pagecache.FileNum, key, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(file)[string(key)] = append([]byte(nil), val...)
	return nil
}

func (m *MapEffects) ApplyDelete(file pagecache.FileNum, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.table(file), string(key))
	return nil
}

func (m *MapEffects) ApplyUpdate(file pagecache.FileNum, key, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(file)[string(key)] = append([]byte(nil), msg...)
	return nil
}

// ApplyUpdateBroadcast applies msg to every row currently in file. It is
// the one Effects method whose cost is proportional to the dictionary's
// size rather than O(1), matching the original's "applies to every row"
// semantics (spec glossary "update message").
func (m *MapEffects) ApplyUpdateBroadcast(file pagecache.FileNum, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(file)
	for k := range t {
		t[k] = append([]byte(nil), msg...)
	}
	return nil
}

func (m *MapEffects) CreateFile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = true
	return nil
}

func (m *MapEffects) DeleteFile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func (m *MapEffects) RenameFile(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[oldName] {
		delete(m.files, oldName)
		m.files[newName] = true
	}
	return nil
}

// ChangeDescriptor is a no-op in this stand-in: descriptor bytes have no
// representation here since there is no real dictionary format to attach
// them to (out of scope per spec §1).
func (m *MapEffects) ChangeDescriptor(file pagecache.FileNum, descriptor []byte) error {
	return nil
}
