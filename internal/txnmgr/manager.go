// Package txnmgr implements the transaction manager (spec §4.4,
// component C5): XID assignment, the live-root set, per-root MVCC
// snapshots, referenced-XID tuples used for garbage collection, and
// lookup by id (id2txn). It is the layer above txn.Transaction that
// every caller (the engine, recovery) actually talks to.
//
// Grounded on the teacher's buffer.Manager (a single mutex-guarded
// registry with a monotonically increasing allocation counter and a
// pin-counted table of live entries), generalized from buffer frames to
// transactions.
package txnmgr

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/rollback"
	"github.com/luigitni/tokuwal/internal/txn"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

// ErrUnknownTxn is returned by IDToTxn and Finish for an id the manager
// has no record of.
var ErrUnknownTxn = errors.New("txnmgr: unknown transaction id")

// refState is the terminal outcome recorded for a referenced-XID tuple
// once its owning transaction retires (spec §4.4 "referenced XID
// tuples").
type refState int

const (
	refLive refState = iota
	refCommitted
	refAborted
)

type refEntry struct {
	state    refState
	refcount int // number of live snapshots that still consider this xid relevant
	pins     int // PinLiveTxn/UnpinLiveTxn count; FinishTxn does not consult it
}

// snapshot is the set of root ids that were live when a root transaction
// began; every descendant of that root shares it by pointer (spec §4.4
// "snapshot set").
type snapshot struct {
	liveRoots []uint64
}

// Manager is the transaction manager: start_txn/finish_txn/id2txn and
// the bookkeeping needed for MVCC visibility and eventual garbage
// collection of old referenced xids.
type Manager struct {
	mu sync.Mutex

	writer *walog.Writer
	rb     *rollback.Store
	zl     *zap.SugaredLogger

	nextRoot uint64

	all       map[xid.TXNID]*txn.Transaction
	liveRoots map[uint64]*txn.Transaction
	snapshots map[uint64]*snapshot // by root id
	refs      map[uint64]*refEntry // by root id

	childCounters map[uint64]*atomic.Uint64 // per-root nested-id allocator
}

func New(writer *walog.Writer, rb *rollback.Store, zl *zap.SugaredLogger) *Manager {
	if zl == nil {
		zl = zap.NewNop().Sugar()
	}
	return &Manager{
		writer:        writer,
		rb:            rb,
		zl:            zl,
		nextRoot:      1,
		all:           map[xid.TXNID]*txn.Transaction{},
		liveRoots:     map[uint64]*txn.Transaction{},
		snapshots:     map[uint64]*snapshot{},
		refs:          map[uint64]*refEntry{},
		childCounters: map[uint64]*atomic.Uint64{},
	}
}

// StartTxn begins a new transaction. If parent is nil a fresh root id is
// assigned and a new MVCC snapshot of the current live-root set is
// taken; otherwise id is allocated under parent's root and the snapshot
// is shared with the whole family (spec §4.4 "start_txn").
func (m *Manager) StartTxn(parent *txn.Transaction) (*txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent == nil {
		rootID := m.nextRoot
		m.nextRoot++
		id := xid.RootTXNID(rootID)

		t := txn.New(id, xid.XIDS{}, nil, m.writer.LastLSN(), m.rb, m.writer, m.zl)

		snap := &snapshot{liveRoots: m.sortedLiveRoots()}
		m.snapshots[rootID] = snap
		for _, live := range snap.liveRoots {
			m.bumpRefLocked(live, 1)
		}
		m.refs[rootID] = &refEntry{state: refLive, refcount: 0}

		m.liveRoots[rootID] = t
		m.all[id] = t
		m.childCounters[rootID] = &atomic.Uint64{}
		return t, nil
	}

	rootID := parent.ID().RootID()
	counter, ok := m.childCounters[rootID]
	if !ok {
		return nil, errors.New("txnmgr: parent root has no child counter, was it started through this manager?")
	}
	childNum := counter.Add(1)
	id := xid.ChildTXNID(xid.RootTXNID(rootID), childNum)

	t := txn.New(id, parent.XIDS(), parent, m.writer.LastLSN(), m.rb, m.writer, m.zl)
	m.all[id] = t
	return t, nil
}

func (m *Manager) sortedLiveRoots() []uint64 {
	out := make([]uint64, 0, len(m.liveRoots))
	for id := range m.liveRoots {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) bumpRefLocked(rootID uint64, delta int) {
	e, ok := m.refs[rootID]
	if !ok {
		e = &refEntry{state: refCommitted}
		m.refs[rootID] = e
	}
	e.refcount += delta
	if e.refcount <= 0 && e.state != refLive {
		delete(m.refs, rootID)
	}
}

// IDToTxn looks up a live transaction by its full id, nested or root
// (spec §4.4 "id2txn").
func (m *Manager) IDToTxn(id xid.TXNID) (*txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.all[id]
	if !ok {
		return nil, ErrUnknownTxn
	}
	return t, nil
}

// RootTxnFromXID resolves id's root transaction, whether id itself names
// the root or one of its descendants (spec §4.4
// "get_root_txn_from_xid").
func (m *Manager) RootTxnFromXID(id xid.TXNID) (*txn.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.liveRoots[id.RootID()]
	if !ok {
		return nil, ErrUnknownTxn
	}
	return t, nil
}

// NoteCommitTxn records that t's root ultimately committed, and
// NoteAbortTxn that it aborted; both update the transaction's
// referenced-XID tuple so later visibility checks by transactions that
// captured t in their snapshot still resolve correctly after t retires
// (spec §4.4).
func (m *Manager) NoteCommitTxn(rootID uint64) { m.setOutcome(rootID, refCommitted) }
func (m *Manager) NoteAbortTxn(rootID uint64)  { m.setOutcome(rootID, refAborted) }

func (m *Manager) setOutcome(rootID uint64, st refState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.refs[rootID]
	if !ok {
		e = &refEntry{}
		m.refs[rootID] = e
	}
	e.state = st
	if e.refcount <= 0 {
		delete(m.refs, rootID)
	}
}

// FinishTxn retires a root transaction: it leaves the live-root set and
// its own snapshot's references to other roots are released (spec §4.4
// "finish_txn"). Its own refs entry is left to NoteCommitTxn/NoteAbortTxn
// and to the snapshots that still count it. A nested transaction is only
// removed from the id table.
//
// The original additionally blocks commit until num_pin reaches zero,
// parking on a condition variable against a concurrent hot-index pin;
// since hot-indexing is out of scope here, FinishTxn never waits on
// e.pins and this invariant goes unenforced.
func (m *Manager) FinishTxn(t *txn.Transaction) error {
	if !t.IsRoot() {
		m.mu.Lock()
		delete(m.all, t.ID())
		m.mu.Unlock()
		return nil
	}

	rootID := t.ID().RootID()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.liveRoots[rootID]; !ok {
		return ErrUnknownTxn
	}
	delete(m.liveRoots, rootID)
	delete(m.all, t.ID())
	delete(m.childCounters, rootID)

	snap, ok := m.snapshots[rootID]
	if ok {
		for _, live := range snap.liveRoots {
			m.bumpRefLocked(live, -1)
		}
		delete(m.snapshots, rootID)
	}
	return nil
}

// AddPreparedTxn registers a transaction recovery reconstructed from an
// xprepare log record that has no live connection yet, so a later
// external xa_commit/xa_abort call can still find and finish it (spec
// §4.8 "add_prepared_txn").
func (m *Manager) AddPreparedTxn(t *txn.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rootID := t.ID().RootID()
	m.liveRoots[rootID] = t
	m.all[t.ID()] = t
	m.childCounters[rootID] = &atomic.Uint64{}
	if rootID >= m.nextRoot {
		m.nextRoot = rootID + 1
	}
	m.refs[rootID] = &refEntry{state: refLive}
}

// RecoverNestedTxn reinstalls a still-open nested transaction found in an
// xstillopen record (spec §4.8): it is only ever registered in the id2txn
// table, never in liveRoots, and its root's child-id counter is advanced
// past its own child id so a later live StartTxn under the same root
// cannot collide with it.
func (m *Manager) RecoverNestedTxn(t *txn.Transaction, rootID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all[t.ID()] = t
	counter, ok := m.childCounters[rootID]
	if !ok {
		counter = &atomic.Uint64{}
		m.childCounters[rootID] = counter
	}
	childID := t.ID().ChildID64
	for {
		cur := counter.Load()
		if cur >= childID || counter.CompareAndSwap(cur, childID) {
			break
		}
	}
}

// LiveTransactions returns every transaction currently tracked by the
// manager, root and nested alike, a point-in-time copy safe to iterate
// without the manager's lock (spec §4.8 "iterate remaining live
// transactions"; also used by the checkpoint coordinator to log
// xstillopen/xstillopenprepared entries for everything still open at
// begin_checkpoint, spec §4.5 step 5).
func (m *Manager) LiveTransactions() []*txn.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*txn.Transaction, 0, len(m.all))
	for _, t := range m.all {
		out = append(out, t)
	}
	return out
}

// RecoverRootTxn reinstalls a STILL-OPEN root transaction recovery found
// in the log (one neither committed nor aborted before the crash) so
// that the transaction's rollback chain stays reachable for a later
// decision (spec §4.8 "recover_root_txn"). Identical to AddPreparedTxn
// except semantically driven by the forward recovery pass rather than
// an xprepare record.
func (m *Manager) RecoverRootTxn(t *txn.Transaction) { m.AddPreparedTxn(t) }

// OldestReferencedXID returns the smallest root id any live snapshot
// still cares about, the low-water mark the garbage collector uses to
// decide which committed/aborted history it may finally discard (spec
// §4.4 "oldest referenced xid estimate"). It returns xid.NoneTXNID if
// nothing is referenced at all.
func (m *Manager) OldestReferencedXID() xid.TXNID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest uint64
	found := false
	for rootID := range m.refs {
		if !found || rootID < oldest {
			oldest = rootID
			found = true
		}
	}
	if !found {
		return xid.NoneTXNID
	}
	return xid.RootTXNID(oldest)
}

// CloneStateForGC returns a point-in-time copy of every referenced root
// id and its outcome, handed to an out-of-scope garbage collector so it
// never has to hold the manager's lock while deciding what is safe to
// reclaim (spec §4.4 "clone_state_for_gc").
func (m *Manager) CloneStateForGC() map[uint64]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]string, len(m.refs))
	for id, e := range m.refs {
		switch e.state {
		case refLive:
			out[id] = "live"
		case refCommitted:
			out[id] = "committed"
		case refAborted:
			out[id] = "aborted"
		}
	}
	return out
}

// PinLiveTxn and UnpinLiveTxn bracket a read of the live-root table's
// entry for rootID (e.g. recovery inspecting an in-flight transaction) by
// counting pins on its refs entry; FinishTxn does not consult that count,
// so a pin does not keep a concurrent FinishTxn from retiring it (spec §4.4
// "pin_unpin_live_txn_unlocked"; the original runs this under a lock
// callers already hold, hence "unlocked" in its name — here PinLiveTxn
// takes the manager's own lock instead since there is no separate
// outer lock to rely on).
func (m *Manager) PinLiveTxn(rootID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.refs[rootID]
	if !ok {
		e = &refEntry{state: refLive}
		m.refs[rootID] = e
	}
	e.pins++
}

func (m *Manager) UnpinLiveTxn(rootID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.refs[rootID]
	if !ok {
		return
	}
	e.pins--
	if e.pins <= 0 && e.refcount <= 0 && e.state != refLive {
		delete(m.refs, rootID)
	}
}
