package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/rollback"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

type noopEffects struct{ deletedFiles []string }

func (n *noopEffects) ApplyInsert(pagecache.FileNum, []byte, []byte) error       { return nil }
func (n *noopEffects) ApplyDelete(pagecache.FileNum, []byte) error               { return nil }
func (n *noopEffects) ApplyUpdate(pagecache.FileNum, []byte, []byte) error       { return nil }
func (n *noopEffects) ApplyUpdateBroadcast(pagecache.FileNum, []byte) error      { return nil }
func (n *noopEffects) CreateFile(string) error                                  { return nil }
func (n *noopEffects) DeleteFile(name string) error                             { n.deletedFiles = append(n.deletedFiles, name); return nil }
func (n *noopEffects) RenameFile(string, string) error                          { return nil }
func (n *noopEffects) ChangeDescriptor(pagecache.FileNum, []byte) error         { return nil }

func setup(t *testing.T) (*walog.Writer, *rollback.Store) {
	t.Helper()
	dir := t.TempDir()
	w, err := walog.Open(dir, nil)
	require.NoError(t, err)

	cache, err := pagecache.New(t.TempDir(), storage.PageSize, nil)
	require.NoError(t, err)
	rb, err := rollback.Open(cache, nil)
	require.NoError(t, err)

	return w, rb
}

func TestReadOnlyCommitNeverLogsAnything(t *testing.T) {
	w, rb := setup(t)
	tx := New(xid.RootTXNID(1), xid.XIDS{}, nil, w.LastLSN(), rb, w, nil)

	require.True(t, tx.IsReadOnly())
	require.NoError(t, tx.Commit(&noopEffects{}, false))
	require.Equal(t, StateRetired, tx.State())
	require.Equal(t, xid.LSN(0), w.LastLSN(), "a read-only transaction must never append a log record")
}

func TestWriteThenCommitForgetsRollbackChain(t *testing.T) {
	w, rb := setup(t)
	tx := New(xid.RootTXNID(2), xid.XIDS{}, nil, w.LastLSN(), rb, w, nil)

	require.NoError(t, tx.SaveRollback(&rollback.Insert{File: 1, Key: []byte("a"), Val: []byte("1")}))
	require.False(t, tx.IsReadOnly())
	require.NoError(t, tx.Commit(&noopEffects{}, false))
	require.Equal(t, StateRetired, tx.State())
	require.Greater(t, int64(w.LastLSN()), int64(0))
}

func TestWriteThenAbortUndoesEffects(t *testing.T) {
	w, rb := setup(t)
	tx := New(xid.RootTXNID(3), xid.XIDS{}, nil, w.LastLSN(), rb, w, nil)

	require.NoError(t, tx.SaveRollback(&rollback.FileDelete{Name: "dropped.tokudb"}))
	eff := &noopEffects{}
	require.NoError(t, tx.Abort(eff))
	require.Equal(t, StateRetired, tx.State())
	require.Empty(t, eff.deletedFiles, "aborting a pending file delete must not actually delete it")
}

func TestCommitAppliesDeferredFileDelete(t *testing.T) {
	w, rb := setup(t)
	tx := New(xid.RootTXNID(4), xid.XIDS{}, nil, w.LastLSN(), rb, w, nil)

	require.NoError(t, tx.SaveRollback(&rollback.FileDelete{Name: "dropped.tokudb"}))
	eff := &noopEffects{}
	require.NoError(t, tx.Commit(eff, false))
	require.Equal(t, []string{"dropped.tokudb"}, eff.deletedFiles)
}

func TestNestedCommitPromotesToParentWithoutLogging(t *testing.T) {
	w, rb := setup(t)
	parent := New(xid.RootTXNID(5), xid.XIDS{}, nil, w.LastLSN(), rb, w, nil)
	child := New(xid.ChildTXNID(parent.ID(), 1), parent.XIDS(), parent, w.LastLSN(), rb, w, nil)

	require.NoError(t, child.SaveRollback(&rollback.Insert{File: 1, Key: []byte("c"), Val: []byte("2")}))
	before := w.LastLSN()
	require.NoError(t, child.Commit(nil, false))
	require.Equal(t, before, w.LastLSN(), "a nested commit must not log anything")
	require.Equal(t, StateRetired, child.State())
	require.False(t, parent.IsReadOnly(), "the child's first write must already have logged the parent's xbegin")

	eff := &noopEffects{}
	require.NoError(t, parent.Abort(eff))
}

func TestCommitWithOpenChildrenIsRejected(t *testing.T) {
	w, rb := setup(t)
	parent := New(xid.RootTXNID(6), xid.XIDS{}, nil, w.LastLSN(), rb, w, nil)
	_ = New(xid.ChildTXNID(parent.ID(), 1), parent.XIDS(), parent, w.LastLSN(), rb, w, nil)

	require.ErrorIs(t, parent.Commit(&noopEffects{}, false), ErrHasChildren)
}
