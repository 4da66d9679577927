package recovery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/rollback"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/txn"
	"github.com/luigitni/tokuwal/internal/txnmgr"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

// fakeEffects mirrors rollback's own test double: a map-backed stand-in
// for the fractal-tree index recovery replays into and rolls back
// against.
type fakeEffects struct {
	rows  map[string][]byte
	files map[string]bool
	calls []string
}

func newFakeEffects() *fakeEffects {
	return &fakeEffects{rows: map[string][]byte{}, files: map[string]bool{}}
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
func (f *fakeEffects) ChangeDescriptor(file pagecache.FileNum, d []byte) error { return nil }

// testEnv bundles a freshly opened writer/cache/rollback store/manager
// against a temp directory, standing in for what internal/engine would
// normally wire together before calling recovery.Run.
type testEnv struct {
	dir string
	w   *walog.Writer
	c   *pagecache.Cache
	rb  *rollback.Store
	mgr *txnmgr.Manager
	eff *fakeEffects
}

func openTestEnv(t *testing.T, dir string) *testEnv {
	t.Helper()
	w, err := walog.Open(dir, nil)
	require.NoError(t, err)
	c, err := pagecache.New(dir, storage.PageSize, nil)
	require.NoError(t, err)
	rb, err := rollback.Open(c, nil)
	require.NoError(t, err)
	mgr := txnmgr.New(w, rb, nil)
	return &testEnv{dir: dir, w: w, c: c, rb: rb, mgr: mgr, eff: newFakeEffects()}
}

// logInsert writes a CmdEnqInsert record the way internal/engine will:
// the data effect and the matching undo entry are pushed together, both
// carrying the same pre-image.
func logInsert(t *testing.T, env *testEnv, tx *txn.Transaction, file pagecache.FileNum, k, v []byte) {
	t.Helper()
	require.NoError(t, tx.MarkWrite())
	_, err := env.w.Append(walog.CmdEnqInsert, EncodeInsertBody(tx.ID(), file, k, v))
	require.NoError(t, err)
	require.NoError(t, env.eff.ApplyInsert(file, k, v))
	require.NoError(t, env.rb.SaveRollback(tx.ID(), &rollback.Insert{File: file, Key: k, Val: v}))
}

func TestRecoveryAbortsLiveTransactionLeftOpenAtCrash(t *testing.T) {
	dir := t.TempDir()

	env := openTestEnv(t, dir)
	tx, err := env.mgr.StartTxn(nil)
	require.NoError(t, err)
	logInsert(t, env, tx, 1, []byte("k"), []byte("new"))
	require.NoError(t, env.w.FlushIfNotSynced(env.w.LastLSN()))
	// Simulate a crash: no xcommit/xabort record is ever written, and the
	// writer/cache are abandoned without a clean shutdown record.
	require.NoError(t, env.w.Close())

	// Reopen against the same directory as a fresh process would.
	w2, err := walog.Open(dir, nil)
	require.NoError(t, err)
	c2, err := pagecache.New(dir, storage.PageSize, nil)
	require.NoError(t, err)
	rb2, err := rollback.Open(c2, nil)
	require.NoError(t, err)
	mgr2 := txnmgr.New(w2, rb2, nil)
	eff2 := newFakeEffects()

	result, err := Run(dir, w2, c2, rb2, mgr2, eff2, nil)
	require.NoError(t, err)
	require.True(t, result.RanAtAll)
	require.Len(t, result.RootsAborted, 1)
	require.Empty(t, result.RootsPrepared)

	_, ok := eff2.rows[key(1, []byte("k"))]
	require.False(t, ok, "recovery must redo the insert then undo it back out since the transaction never committed")
}

func TestRecoveryOnCleanlyCommittedLogAbortsNothing(t *testing.T) {
	dir := t.TempDir()

	env := openTestEnv(t, dir)
	tx, err := env.mgr.StartTxn(nil)
	require.NoError(t, err)
	logInsert(t, env, tx, 1, []byte("k"), []byte("new"))
	require.NoError(t, tx.Commit(env.eff, false))
	require.NoError(t, env.mgr.FinishTxn(tx))
	require.NoError(t, env.w.Close())

	w2, err := walog.Open(dir, nil)
	require.NoError(t, err)
	c2, err := pagecache.New(dir, storage.PageSize, nil)
	require.NoError(t, err)
	rb2, err := rollback.Open(c2, nil)
	require.NoError(t, err)
	mgr2 := txnmgr.New(w2, rb2, nil)
	eff2 := newFakeEffects()

	result, err := Run(dir, w2, c2, rb2, mgr2, eff2, nil)
	require.NoError(t, err)
	require.Empty(t, result.RootsAborted)
	require.Empty(t, result.RootsPrepared)

	v, ok := eff2.rows[key(1, []byte("k"))]
	require.True(t, ok)
	require.Equal(t, []byte("new"), v, "a committed transaction's redo must still take effect")
}

func TestRecoveryRestoresPreparedTransactionForCaller(t *testing.T) {
	dir := t.TempDir()

	env := openTestEnv(t, dir)
	tx, err := env.mgr.StartTxn(nil)
	require.NoError(t, err)
	logInsert(t, env, tx, 1, []byte("k"), []byte("new"))
	xaXid := xid.NewXAXid()
	require.NoError(t, tx.Prepare(xaXid))
	require.NoError(t, env.w.Close())

	w2, err := walog.Open(dir, nil)
	require.NoError(t, err)
	c2, err := pagecache.New(dir, storage.PageSize, nil)
	require.NoError(t, err)
	rb2, err := rollback.Open(c2, nil)
	require.NoError(t, err)
	mgr2 := txnmgr.New(w2, rb2, nil)
	eff2 := newFakeEffects()

	result, err := Run(dir, w2, c2, rb2, mgr2, eff2, nil)
	require.NoError(t, err)
	require.Empty(t, result.RootsAborted)
	require.Len(t, result.RootsPrepared, 1)
	require.Equal(t, txn.StatePreparing, result.RootsPrepared[0].State())
}

func TestAcquireLockRejectsConcurrentRun(t *testing.T) {
	dir := t.TempDir()
	f, err := AcquireLock(dir)
	require.NoError(t, err)
	defer ReleaseLock(dir, f)

	_, err = AcquireLock(dir)
	require.ErrorIs(t, err, ErrRecoveryInProgress)
}

func TestScanBackwardFindsNoCheckpointOnFreshLog(t *testing.T) {
	dir := t.TempDir()
	w, err := walog.Open(dir, nil)
	require.NoError(t, err)
	_, err = w.Append(walog.CmdComment, EncodeCommentBody("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	turn, err := scanBackward(dir)
	require.NoError(t, err)
	require.False(t, turn.found)
}

func TestScanBackwardLocatesMatchingCheckpointBracket(t *testing.T) {
	dir := t.TempDir()
	w, err := walog.Open(dir, nil)
	require.NoError(t, err)

	beginLSN, err := w.Append(walog.CmdBeginCheckpoint, nil)
	require.NoError(t, err)

	endBody := walog.NewRbuf(nil)
	endBody.WriteLSN(beginLSN)
	_, err = w.Append(walog.CmdEndCheckpoint, endBody.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	turn, err := scanBackward(dir)
	require.NoError(t, err)
	require.True(t, turn.found)
	require.Equal(t, beginLSN, turn.lsn)
}
