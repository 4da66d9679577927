package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/tokuwal/internal/chkpt"
)

func TestOpenCommitAndReopenSeesCommittedData(t *testing.T) {
	dir := t.TempDir()
	eff := NewMapEffects()

	e, err := Open(dir, eff, nil)
	require.NoError(t, err)

	tx, err := e.Begin(nil)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, []byte("k"), []byte("v1")))
	require.NoError(t, tx.Commit(false))

	require.NoError(t, e.Close())

	eff2 := NewMapEffects()
	e2, err := Open(dir, eff2, nil)
	require.NoError(t, err)
	defer e2.Close()

	v, err := eff2.Get(1, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestAbortedTransactionLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	eff := NewMapEffects()

	e, err := Open(dir, eff, nil)
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(nil)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, []byte("k"), []byte("v1")))
	require.NoError(t, tx.Abort())

	_, err = eff.Get(1, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCrashBeforeCommitIsUndoneOnReopen(t *testing.T) {
	dir := t.TempDir()
	eff := NewMapEffects()

	e, err := Open(dir, eff, nil)
	require.NoError(t, err)

	tx, err := e.Begin(nil)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, []byte("k"), []byte("uncommitted")))

	// Simulate a crash: no Commit/Abort/Close, the process is just gone.
	// Append already wrote the insert record (fsync happens on commit,
	// not on every append), so a second Engine opened against the same
	// directory must see it during recovery and roll it back, since no
	// xcommit record was ever written.

	eff2 := NewMapEffects()
	e2, err := Open(dir, eff2, nil)
	require.NoError(t, err)
	defer e2.Close()

	_, err = eff2.Get(1, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestNestedCommitPromotesIntoParentUndoOnParentAbort(t *testing.T) {
	dir := t.TempDir()
	eff := NewMapEffects()

	e, err := Open(dir, eff, nil)
	require.NoError(t, err)
	defer e.Close()

	parent, err := e.Begin(nil)
	require.NoError(t, err)

	child, err := e.Begin(parent)
	require.NoError(t, err)
	require.NoError(t, child.Put(1, []byte("k"), []byte("v1")))
	require.NoError(t, child.Commit(false))

	v, err := eff.Get(1, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, parent.Abort())

	_, err = eff.Get(1, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound, "a committed child's effect must unwind when its parent aborts")
}

func TestDeleteFileDefersUnlinkUntilCommit(t *testing.T) {
	dir := t.TempDir()
	eff := NewMapEffects()

	e, err := Open(dir, eff, nil)
	require.NoError(t, err)
	defer e.Close()

	creator, err := e.Begin(nil)
	require.NoError(t, err)
	num, err := creator.CreateFile("dict1")
	require.NoError(t, err)
	require.NoError(t, creator.Commit(false))

	tx, err := e.Begin(nil)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteFile(num, "dict1"))

	require.True(t, eff.files["dict1"], "file must still exist until the dropping transaction commits")

	require.NoError(t, tx.Commit(false))
	require.False(t, eff.files["dict1"], "file must be gone once the dropping transaction commits")
}

func TestExplicitCheckpointSucceeds(t *testing.T) {
	dir := t.TempDir()
	eff := NewMapEffects()

	e, err := Open(dir, eff, nil)
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(nil)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, []byte("k"), []byte("v1")))
	require.NoError(t, tx.Commit(false))

	require.NoError(t, e.Checkpoint(chkpt.CallerClient))
	require.Greater(t, e.Stats().TotalCheckpoints, uint64(0))
}
