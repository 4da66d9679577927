package txnmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/rollback"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/walog"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	w, err := walog.Open(t.TempDir(), nil)
	require.NoError(t, err)
	cache, err := pagecache.New(t.TempDir(), storage.PageSize, nil)
	require.NoError(t, err)
	rb, err := rollback.Open(cache, nil)
	require.NoError(t, err)
	return New(w, rb, nil)
}

func TestStartTxnAssignsDistinctRootIDs(t *testing.T) {
	m := newManager(t)
	a, err := m.StartTxn(nil)
	require.NoError(t, err)
	b, err := m.StartTxn(nil)
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
}

func TestNestedTxnSharesRootAncestry(t *testing.T) {
	m := newManager(t)
	root, err := m.StartTxn(nil)
	require.NoError(t, err)
	child, err := m.StartTxn(root)
	require.NoError(t, err)

	require.Equal(t, root.ID().RootID(), child.ID().RootID())

	got, err := m.RootTxnFromXID(child.ID())
	require.NoError(t, err)
	require.Equal(t, root.ID(), got.ID())
}

func TestFinishTxnRemovesFromLiveRootSet(t *testing.T) {
	m := newManager(t)
	root, err := m.StartTxn(nil)
	require.NoError(t, err)

	require.NoError(t, root.Commit(nil, false))
	require.NoError(t, m.FinishTxn(root))

	_, err = m.RootTxnFromXID(root.ID())
	require.ErrorIs(t, err, ErrUnknownTxn)
}

func TestOldestReferencedXIDTracksEarliestLiveSnapshot(t *testing.T) {
	m := newManager(t)
	a, err := m.StartTxn(nil)
	require.NoError(t, err)
	_, err = m.StartTxn(nil)
	require.NoError(t, err)

	require.Equal(t, a.ID(), m.OldestReferencedXID())
}

func TestSecondRootSnapshotSeesFirstAsLive(t *testing.T) {
	m := newManager(t)
	a, err := m.StartTxn(nil)
	require.NoError(t, err)
	b, err := m.StartTxn(nil)
	require.NoError(t, err)

	m.mu.Lock()
	snap := m.snapshots[b.ID().RootID()]
	m.mu.Unlock()
	require.Contains(t, snap.liveRoots, a.ID().RootID())
}
