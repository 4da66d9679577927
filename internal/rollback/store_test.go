package rollback

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/xid"
)

// fakeEffects is an in-memory stand-in for the fractal-tree index that
// rollback apply would otherwise mutate; it records every call so tests
// can assert on commit/abort behavior without a real index.
type fakeEffects struct {
	rows    map[string][]byte
	files   map[string]bool
	descs   map[pagecache.FileNum][]byte
	calls   []string
}

func newFakeEffects() *fakeEffects {
	return &fakeEffects{rows: map[string][]byte{}, files: map[string]bool{}, descs: map[pagecache.FileNum][]byte{}}
}

func key(file pagecache.FileNum, k []byte) string { return fmt.Sprintf("%d:%s", file, k) }

func (f *fakeEffects) ApplyInsert(file pagecache.FileNum, k, v []byte) error {
	f.rows[key(file, k)] = v
	f.calls = append(f.calls, "insert")
	return nil
}
func (f *fakeEffects) ApplyDelete(file pagecache.FileNum, k []byte) error {
	delete(f.rows, key(file, k))
	f.calls = append(f.calls, "delete")
	return nil
}
func (f *fakeEffects) ApplyUpdate(file pagecache.FileNum, k, msg []byte) error {
	f.rows[key(file, k)] = msg
	f.calls = append(f.calls, "update")
	return nil
}
func (f *fakeEffects) ApplyUpdateBroadcast(file pagecache.FileNum, msg []byte) error {
	f.calls = append(f.calls, "broadcast")
	return nil
}
func (f *fakeEffects) CreateFile(name string) error { f.files[name] = true; return nil }
func (f *fakeEffects) DeleteFile(name string) error { delete(f.files, name); return nil }
func (f *fakeEffects) RenameFile(oldName, newName string) error {
	f.files[newName] = f.files[oldName]
	delete(f.files, oldName)
	return nil
}
func (f *fakeEffects) ChangeDescriptor(file pagecache.FileNum, d []byte) error {
	f.descs[file] = d
	return nil
}

func newTestStore(t *testing.T) (*Store, *pagecache.Cache) {
	t.Helper()
	dir := t.TempDir()
	cache, err := pagecache.New(dir, storage.PageSize, nil)
	require.NoError(t, err)
	store, err := Open(cache, nil)
	require.NoError(t, err)
	return store, cache
}

func TestSaveRollbackThenCommitForgetsEntries(t *testing.T) {
	store, _ := newTestStore(t)
	id := xid.RootTXNID(1)

	require.NoError(t, store.SaveRollback(id, &Insert{File: 1, Key: []byte("a"), Val: []byte("1")}))
	require.NoError(t, store.SaveRollback(id, &Insert{File: 1, Key: []byte("b"), Val: []byte("2")}))

	eff := newFakeEffects()
	require.NoError(t, Apply(store, id, xid.LSN(10), true, eff, nil))

	require.Empty(t, eff.calls, "commit should only forget insert/delete entries, never replay them")

	_, _, err := store.getAndPinRollbackLog(id)
	require.ErrorIs(t, err, ErrNoRollbackLog)
}

func TestSaveRollbackThenAbortUndoesEntries(t *testing.T) {
	store, _ := newTestStore(t)
	id := xid.RootTXNID(2)

	require.NoError(t, store.SaveRollback(id, &Insert{File: 1, Key: []byte("a"), Val: []byte("1")}))
	require.NoError(t, store.SaveRollback(id, &Delete{File: 1, Key: []byte("b"), Val: []byte("2")}))

	eff := newFakeEffects()
	eff.rows[key(1, []byte("a"))] = []byte("1")

	require.NoError(t, Apply(store, id, xid.LSN(11), false, eff, nil))

	_, stillThere := eff.rows[key(1, []byte("a"))]
	require.False(t, stillThere, "aborting an insert must delete the key back out")

	v, ok := eff.rows[key(1, []byte("b"))]
	require.True(t, ok, "aborting a delete must reinsert the old value")
	require.Equal(t, []byte("2"), v)
}

func TestApplyOnTransactionWithNoEntriesIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	id := xid.RootTXNID(99)
	eff := newFakeEffects()
	require.NoError(t, Apply(store, id, xid.ZeroLSN, true, eff, nil))
}

func TestSpillChainsANewNodeAndApplyWalksAllOfThem(t *testing.T) {
	store, _ := newTestStore(t)
	id := xid.RootTXNID(3)

	big := make([]byte, spillThreshold/2)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveRollback(id, &Insert{File: 1, Key: []byte{byte(i)}, Val: big}))
	}

	eff := newFakeEffects()
	require.NoError(t, Apply(store, id, xid.ZeroLSN, false, eff, nil))
	require.Len(t, eff.calls, 5, "abort must undo every entry across every spilled node")
}

func TestGiveBackBlockIsReusedByNextAllocation(t *testing.T) {
	store, _ := newTestStore(t)
	idA := xid.RootTXNID(4)
	idB := xid.RootTXNID(5)

	require.NoError(t, store.SaveRollback(idA, &Insert{File: 1, Key: []byte("x"), Val: []byte("1")}))
	before := store.nextBlk
	require.NoError(t, store.UnpinAndRemove(idA))

	require.NoError(t, store.SaveRollback(idB, &Insert{File: 1, Key: []byte("y"), Val: []byte("2")}))
	require.Equal(t, before, store.nextBlk, "the freed block should have been reused instead of growing the file")
}

func TestPromoteChildSplicesChainIntoParentAndApplyWalksBoth(t *testing.T) {
	store, _ := newTestStore(t)
	parent := xid.RootTXNID(8)
	child := xid.ChildTXNID(parent, 1)

	require.NoError(t, store.SaveRollback(parent, &Insert{File: 1, Key: []byte("p"), Val: []byte("1")}))
	require.NoError(t, store.SaveRollback(child, &Insert{File: 1, Key: []byte("c"), Val: []byte("2")}))

	require.NoError(t, store.PromoteChild(parent, child))

	_, _, err := store.getAndPinRollbackLog(child)
	require.ErrorIs(t, err, ErrNoRollbackLog, "child's own head should be forgotten once promoted")

	eff := newFakeEffects()
	require.NoError(t, Apply(store, parent, xid.ZeroLSN, false, eff, nil))
	require.Len(t, eff.calls, 2, "aborting the parent must also undo the promoted child's entries")
}

func TestVerifyHeadDetectsNoCorruption(t *testing.T) {
	store, _ := newTestStore(t)
	id := xid.RootTXNID(6)
	require.NoError(t, store.SaveRollback(id, &FileCreate{Name: "foo.tokudb"}))
	require.NoError(t, store.VerifyHead(id))
}

func TestProgressCallbackFiresAcrossManyEntries(t *testing.T) {
	store, _ := newTestStore(t)
	id := xid.RootTXNID(7)
	for i := 0; i < progressInterval+10; i++ {
		require.NoError(t, store.SaveRollback(id, &Insert{File: 1, Key: []byte{byte(i), byte(i >> 8)}, Val: []byte("v")}))
	}

	var ticks []int64
	eff := newFakeEffects()
	require.NoError(t, Apply(store, id, xid.ZeroLSN, false, eff, func(processed int64) {
		ticks = append(ticks, processed)
	}))
	require.NotEmpty(t, ticks)
}
