package txn

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/rollback"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

// ErrWrongState is returned when a lifecycle call is made from a state
// that does not permit it (spec §4.3 "illegal transition").
var ErrWrongState = errors.New("txn: operation not valid in current state")

// ErrHasChildren is returned by Commit/Abort on a transaction that still
// has open children; callers must close every child first (spec §4.3).
var ErrHasChildren = errors.New("txn: transaction still has open children")

// Transaction is one node in a possibly-nested transaction tree: a root
// transaction has Parent == nil; every descendant shares the root's
// XIDS prefix (spec §3 "XIDS").
type Transaction struct {
	id       xid.TXNID
	xids     xid.XIDS
	parent   *Transaction
	beginLSN xid.LSN

	rb  *rollback.Store
	log *walog.Writer
	zl  *zap.SugaredLogger

	state atomic.Int32

	mu       sync.Mutex
	children map[xid.TXNID]*Transaction
	logged   bool // false until the first write forces the lazy xbegin record
	xaXid    xid.XAXid

	// Fsync intent (spec §3 "Transaction" fields): numRollEntries counts
	// every SaveRollback call (promoted into the parent's count on nested
	// commit), forceFsyncOnCommit is the sticky force_fsync_on_commit
	// flag (also promoted on nested commit), and doFsync/doFsyncLSN
	// record whether and at which LSN the last Commit call actually
	// fsynced, for diagnostics.
	numRollEntries     int64
	forceFsyncOnCommit bool
	doFsync            bool
	doFsyncLSN         xid.LSN
}

// New constructs a transaction. Callers go through txnmgr.Manager.StartTxn,
// which assigns id and wires rb/log; txn itself has no notion of a live
// id-to-transaction table.
func New(id xid.TXNID, parentXIDs xid.XIDS, parent *Transaction, beginLSN xid.LSN, rb *rollback.Store, log *walog.Writer, zl *zap.SugaredLogger) *Transaction {
	if zl == nil {
		zl = zap.NewNop().Sugar()
	}
	t := &Transaction{
		id:       id,
		xids:     parentXIDs.Extend(id),
		parent:   parent,
		beginLSN: beginLSN,
		rb:       rb,
		log:      log,
		zl:       zl,
		children: map[xid.TXNID]*Transaction{},
	}
	t.state.Store(int32(StateLive))
	if parent != nil {
		parent.mu.Lock()
		parent.children[id] = t
		parent.mu.Unlock()
	}
	return t
}

func (t *Transaction) ID() xid.TXNID    { return t.id }
func (t *Transaction) XIDS() xid.XIDS   { return t.xids }
func (t *Transaction) Parent() *Transaction { return t.parent }
func (t *Transaction) IsRoot() bool     { return t.parent == nil }
func (t *Transaction) State() State     { return State(t.state.Load()) }

// IsReadOnly reports whether the transaction has logged anything yet; a
// transaction that never writes skips both the rollback chain and the
// commit log record entirely (spec §4.3 "read-only fast path").
func (t *Transaction) IsReadOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.logged
}

// MarkWrite is called the first time the transaction logs anything. It
// writes the deferred xbegin record exactly once (spec §4.3 "first
// write forces a logged xbegin"), idempotent on later calls. A nested
// transaction first makes sure its parent's xbegin is logged, so every
// ancestor's xbegin precedes its own in the log.
func (t *Transaction) MarkWrite() error {
	if t.parent != nil {
		if err := t.parent.MarkWrite(); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.logged {
		return nil
	}
	rbuf := walog.NewRbuf(nil)
	rbuf.WriteTXNID(t.id)
	if t.parent != nil {
		rbuf.WriteTXNID(t.parent.id)
	} else {
		rbuf.WriteTXNID(xid.NoneTXNID)
	}
	if _, err := t.log.Append(walog.CmdXBegin, rbuf.Bytes()); err != nil {
		return errors.Wrap(err, "txn: logging deferred xbegin")
	}
	t.logged = true
	return nil
}

// SaveRollback appends entry to this transaction's rollback chain,
// forcing the deferred xbegin first if this is its first write, and
// counts it toward num_rollentries (spec §3), which gates the
// fsync-on-commit decision.
func (t *Transaction) SaveRollback(entry rollback.RollEntry) error {
	if t.State() != StateLive {
		return ErrWrongState
	}
	if err := t.MarkWrite(); err != nil {
		return err
	}
	if err := t.rb.SaveRollback(t.id, entry); err != nil {
		return err
	}
	t.mu.Lock()
	t.numRollEntries++
	t.mu.Unlock()
	return nil
}

func (t *Transaction) XAXid() xid.XAXid { return t.xaXid }

// SetForceFsyncOnCommit sets the sticky force_fsync_on_commit flag (spec
// §3): when true, a later root Commit fsyncs its commit record
// regardless of nosync or num_rollentries.
func (t *Transaction) SetForceFsyncOnCommit(v bool) {
	t.mu.Lock()
	t.forceFsyncOnCommit = v
	t.mu.Unlock()
}

// DidFsync and FsyncLSN report whether and at which LSN the transaction's
// last Commit call fsynced the log, for diagnostics (spec §3
// "do_fsync"/"do_fsync_lsn").
func (t *Transaction) DidFsync() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doFsync
}

func (t *Transaction) FsyncLSN() xid.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doFsyncLSN
}

// RestoreState and RestoreLogged let recovery reconstruct a transaction's
// lifecycle state and deferred-xbegin flag from an xstillopen/
// xstillopenprepared record without replaying the transitions that would
// normally produce them (spec §4.8).
func (t *Transaction) RestoreState(st State, xaXid xid.XAXid) {
	t.state.Store(int32(st))
	t.mu.Lock()
	t.xaXid = xaXid
	t.mu.Unlock()
}

func (t *Transaction) RestoreLogged(v bool) {
	t.mu.Lock()
	t.logged = v
	t.mu.Unlock()
}

// ForceRetire marks the transaction retired and detaches it from its
// parent without touching the log or the rollback chain. Recovery uses
// this for a transaction whose xcommit/xabort record it replayed directly
// (spec §4.8), after applying its chain itself. On xcommit it does the
// same for the root's remaining reconstructed children: by the time that
// record was durably logged, every child under the root had already been
// closed, live, by definition of Commit/Abort's own hasOpenChildren
// check, so such a child is one whose commit left no log record of its
// own (a nested commit never logs).
func (t *Transaction) ForceRetire() {
	t.state.Store(int32(StateRetired))
	t.detachFromParent()
}

func (t *Transaction) hasOpenChildren() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.children) > 0
}

func (t *Transaction) detachFromParent() {
	if t.parent == nil {
		return
	}
	t.parent.mu.Lock()
	delete(t.parent.children, t.id)
	t.parent.mu.Unlock()
}

// Prepare moves a root transaction into the two-phase-commit PREPARING
// state, recording the external xaXid a coordinator will later use to
// ask for Commit or Abort (spec §4.3 "XA prepare").
func (t *Transaction) Prepare(xaXid xid.XAXid) error {
	if !t.IsRoot() {
		return errors.Wrap(ErrWrongState, "txn: only a root transaction may be prepared")
	}
	if t.State() != StateLive {
		return ErrWrongState
	}
	t.mu.Lock()
	t.xaXid = xaXid
	t.mu.Unlock()

	rbuf := walog.NewRbuf(nil)
	rbuf.WriteTXNID(t.id)
	lsn, err := t.log.Append(walog.CmdXPrepare, rbuf.Bytes())
	if err != nil {
		return errors.Wrap(err, "txn: logging xprepare")
	}
	if err := t.log.FlushIfNotSynced(lsn); err != nil {
		return errors.Wrap(err, "txn: fsync on prepare")
	}
	t.state.Store(int32(StatePreparing))
	return nil
}

// Commit finalizes the transaction. A root commit walks its rollback
// chain once more so that commit-only handlers (a deferred file delete,
// in particular) take effect, and fsyncs its commit record subject to
// the fsync-on-commit rule (spec §4.3 "Fsync-on-commit rule": a
// parent-less txn fsyncs iff it did not come from PREPARING and either
// force_fsync_on_commit is set or nosync is false and it logged at least
// one rollback entry; a txn that was PREPARING never fsyncs again since
// prepare already did). A nested commit instead promotes its rollback
// chain, its num_rollentries count and its force_fsync_on_commit flag
// onto its parent's, touching neither the log nor eff, since only a
// root's outcome is durable on its own (spec §4.4).
func (t *Transaction) Commit(eff rollback.Effects, nosync bool) error {
	st := t.State()
	if st != StateLive && st != StatePreparing {
		return ErrWrongState
	}
	if t.hasOpenChildren() {
		return ErrHasChildren
	}
	wasPrepared := st == StatePreparing
	t.state.Store(int32(StateCommitting))

	if !t.IsRoot() {
		if !t.IsReadOnly() {
			// The parent now owns undo work it never itself logged; force
			// its own deferred xbegin so a later parent abort has a
			// well-formed chain to walk (spec §4.4).
			if err := t.parent.MarkWrite(); err != nil {
				return errors.Wrap(err, "txn: forcing parent xbegin before promotion")
			}
			if err := t.rb.PromoteChild(t.parent.id, t.id); err != nil {
				return errors.Wrap(err, "txn: promoting nested commit to parent")
			}

			t.mu.Lock()
			childRollEntries, childForce := t.numRollEntries, t.forceFsyncOnCommit
			t.mu.Unlock()
			t.parent.mu.Lock()
			t.parent.numRollEntries += childRollEntries
			if childForce {
				t.parent.forceFsyncOnCommit = true
			}
			t.parent.mu.Unlock()
		}
		t.state.Store(int32(StateRetired))
		t.detachFromParent()
		return nil
	}

	if !t.IsReadOnly() {
		rbuf := walog.NewRbuf(nil)
		rbuf.WriteTXNID(t.id)
		lsn, err := t.log.Append(walog.CmdXCommit, rbuf.Bytes())
		if err != nil {
			return errors.Wrap(err, "txn: logging xcommit")
		}

		t.mu.Lock()
		shouldFsync := !wasPrepared && (t.forceFsyncOnCommit || (!nosync && t.numRollEntries > 0))
		t.mu.Unlock()

		if shouldFsync {
			if err := t.log.FlushIfNotSynced(lsn); err != nil {
				return errors.Wrap(err, "txn: fsync on commit")
			}
			t.mu.Lock()
			t.doFsync = true
			t.doFsyncLSN = lsn
			t.mu.Unlock()
		}

		if err := rollback.Apply(t.rb, t.id, lsn, true, eff, nil); err != nil {
			return errors.Wrap(err, "txn: forgetting committed rollback chain")
		}
	}

	t.state.Store(int32(StateRetired))
	return nil
}

// Abort undoes every effect the transaction logged, walking its
// rollback chain through eff, and retires it. Nested and root
// transactions behave identically: an abort is always local, never
// promoted (spec §4.3/§4.4).
func (t *Transaction) Abort(eff rollback.Effects) error {
	st := t.State()
	if st != StateLive && st != StatePreparing {
		return ErrWrongState
	}
	if t.hasOpenChildren() {
		return ErrHasChildren
	}
	t.state.Store(int32(StateAborting))

	if !t.IsReadOnly() {
		rbuf := walog.NewRbuf(nil)
		rbuf.WriteTXNID(t.id)
		lsn, err := t.log.Append(walog.CmdXAbort, rbuf.Bytes())
		if err != nil {
			return errors.Wrap(err, "txn: logging xabort")
		}
		if err := rollback.Apply(t.rb, t.id, lsn, false, eff, nil); err != nil {
			return errors.Wrap(err, "txn: undoing aborted rollback chain")
		}
	}

	t.state.Store(int32(StateRetired))
	t.detachFromParent()
	return nil
}
