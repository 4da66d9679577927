// Package recovery implements the two-pass crash recovery engine (spec
// §4.8, component C8): a backward scan to locate the last complete
// checkpoint bracket, then a forward scan that replays every record from
// there to reconstruct in-flight transactions and redo logged data
// mutations, followed by the finalization steps that hand still-prepared
// transactions back to the caller and abort everything else.
//
// Grounded on the teacher's tx.RecoveryManager (which on startup replays
// its own single-pass undo/redo log to restore a consistent buffer pool)
// generalized to the two-pass, checkpoint-aware design the rest of this
// module's transaction core requires.
package recovery

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/rollback"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/txn"
	"github.com/luigitni/tokuwal/internal/txnmgr"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

// env carries everything the forward pass's handlers need to mutate as
// they replay records (spec §4.8 "recover_env").
type env struct {
	writer *walog.Writer
	cache  *pagecache.Cache
	rb     *rollback.Store
	mgr    *txnmgr.Manager
	eff    rollback.Effects
	zl     *zap.SugaredLogger

	// files tracks filenum -> iname for every fcreate and fassociate
	// record replayed, for diagnostics. The cachefiles those records open
	// stay open past recovery; this module has no fopen/fclose records.
	files map[pagecache.FileNum]string

	state         scanState
	turnaroundLSN xid.LSN
	highestLSN    xid.LSN

	// curCheckpointLSN is the LSN of the most recently replayed
	// begin_checkpoint record, used by handleFassociate to pin the
	// rollback cachefile's max-acceptable-LSN (spec §9, issue #3113).
	curCheckpointLSN xid.LSN
}

// Result summarizes one recovery run, returned so a caller (the engine,
// a test) can assert on what happened without re-deriving it.
type Result struct {
	RanAtAll         bool // always true from Run; Run does not inspect the log's tail itself
	RecordsReplayed  int64
	RootsAborted     []xid.TXNID
	RootsPrepared    []*txn.Transaction
	HighestLSN       xid.LSN
}

// Run performs the full recovery protocol against dir: acquire the
// recovery lock, scan backward for the last checkpoint bracket, scan
// forward replaying everything from there, then run the finalization
// steps (spec §4.8). Callers (internal/engine) are expected to have
// already opened writer/cache/rb/mgr against dir before calling this; Run
// itself never constructs them, only replays into them.
func Run(dir string, writer *walog.Writer, cache *pagecache.Cache, rb *rollback.Store, mgr *txnmgr.Manager, eff rollback.Effects, zl *zap.SugaredLogger) (*Result, error) {
	if zl == nil {
		zl = zap.NewNop().Sugar()
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		return nil, err
	}
	defer ReleaseLock(dir, lock)

	turn, err := scanBackward(dir)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: backward scan")
	}

	e := &env{
		writer: writer,
		cache:  cache,
		rb:     rb,
		mgr:    mgr,
		eff:    eff,
		zl:     zl,
		files:  map[pagecache.FileNum]string{},
	}
	if turn.found {
		e.state = stateForwardBetweenCheckpointBeginEnd
		e.turnaroundLSN = turn.lsn
	} else {
		e.state = stateForwardNewerCheckpointEnd
	}

	cur, err := walog.NewForwardCursor(dir)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: opening forward cursor")
	}
	defer cur.Close()

	progress := newProgressReporter(zl, "forward", writer.LastLSN())

	var replayed int64
	skipping := turn.found
	for {
		rec, err := cur.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "recovery: forward scan")
		}

		if skipping {
			if rec.LSN < e.turnaroundLSN {
				continue
			}
			skipping = false
		}

		if err := e.dispatch(rec); err != nil {
			return nil, errors.Wrapf(err, "recovery: replaying record at lsn %d", rec.LSN)
		}

		replayed++
		if rec.LSN > e.highestLSN {
			e.highestLSN = rec.LSN
		}
		progress.tick(rec.LSN)
	}

	result, err := e.finalize(dir, replayed)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *env) dispatch(rec walog.Record) error {
	switch rec.Command {
	case walog.CmdBeginCheckpoint:
		e.state = stateForwardBetweenCheckpointBeginEnd
		e.curCheckpointLSN = rec.LSN
	case walog.CmdEndCheckpoint:
		e.state = stateForwardNewerCheckpointEnd

	case walog.CmdFAssociate:
		return e.handleFassociate(rec)

	case walog.CmdXBegin:
		return e.handleXBegin(rec)
	case walog.CmdXCommit:
		return e.handleXCommit(rec)
	case walog.CmdXAbort:
		return e.handleXAbort(rec)
	case walog.CmdXPrepare:
		return e.handleXPrepare(rec)
	case walog.CmdXStillOpen:
		return e.handleStillOpen(rec, false)
	case walog.CmdXStillOpenPrepared:
		return e.handleStillOpen(rec, true)

	case walog.CmdFCreate:
		b := decodeFileBody(rec.Body)
		e.files[b.num] = b.iname
		if _, err := e.cache.OpenCachefileAt(b.num, b.iname); err != nil {
			return err
		}
		if err := e.eff.CreateFile(b.iname); err != nil {
			return err
		}
		return e.rb.SaveRollback(b.txnid, &rollback.FileCreate{Name: b.iname})
	case walog.CmdFDelete:
		// The actual unlink is deferred until the logging transaction
		// commits (spec §4.2 "a dropped dictionary's file stays on disk
		// until the dropping transaction commits"), so redo only
		// reconstructs the pending FileDelete undo entry; the real
		// eff.DeleteFile call happens later when handleXCommit walks the
		// chain.
		b := decodeFileBody(rec.Body)
		delete(e.files, b.num)
		return e.rb.SaveRollback(b.txnid, &rollback.FileDelete{Name: b.iname})

	case walog.CmdChangeFDescriptor:
		b := decodeChangeDescriptorBody(rec.Body)
		if err := e.eff.ChangeDescriptor(b.num, b.new); err != nil {
			return err
		}
		return e.rb.SaveRollback(b.txnid, &rollback.ChangeDescriptor{File: b.num, Old: b.old})

	case walog.CmdEnqInsert:
		b := decodeInsertBody(rec.Body)
		if err := e.eff.ApplyInsert(b.num, b.key, b.val); err != nil {
			return err
		}
		return e.rb.SaveRollback(b.txnid, &rollback.Insert{File: b.num, Key: b.key, Val: b.val})
	case walog.CmdEnqDeleteAny:
		b := decodeDeleteBody(rec.Body)
		if err := e.eff.ApplyDelete(b.num, b.key); err != nil {
			return err
		}
		return e.rb.SaveRollback(b.txnid, &rollback.Delete{File: b.num, Key: b.key, Val: b.oldVal})
	case walog.CmdEnqUpdate:
		b := decodeUpdateBody(rec.Body)
		if err := e.eff.ApplyUpdate(b.num, b.key, b.msg); err != nil {
			return err
		}
		return e.rb.SaveRollback(b.txnid, &rollback.Update{File: b.num, Key: b.key, Old: b.oldVal})
	case walog.CmdEnqUpdateBroadcast:
		b := decodeBroadcastBody(rec.Body)
		if err := e.eff.ApplyUpdateBroadcast(b.num, b.msg); err != nil {
			return err
		}
		return e.rb.SaveRollback(b.txnid, &rollback.UpdateBroadcast{File: b.num, Inverse: b.inverse})
	case walog.CmdLoad:
		b := decodeLoadBody(rec.Body)
		if err := e.eff.RenameFile(b.oldIName, b.newIName); err != nil {
			return err
		}
		return e.rb.SaveRollback(b.txnid, &rollback.Load{OldIName: b.oldIName, NewIName: b.newIName})

	case walog.CmdHotIndex, walog.CmdComment, walog.CmdShutdown,
		walog.CmdSuppressRollback, walog.CmdFOpen, walog.CmdFClose,
		walog.CmdEnqInsertNoOverwrite,
		walog.CmdEnqInsertMultiple, walog.CmdEnqDeleteMultiple:
		// No distinct redo action in this module's scope: hot_index and
		// comment are pure bookkeeping, shutdown only ever appears as the
		// log's final record (handled before recovery even runs), and the
		// remaining commands have no engine-level operation that emits
		// them (no multi-cachefile open/close protocol, no batched enq
		// variant; spec §9 lists these as defined for wire-format
		// completeness with the original, not as gaps in this replay).
	}
	return nil
}

func (e *env) handleXBegin(rec walog.Record) error {
	b := decodeXBegin(rec.Body)
	if b.parent.IsNone() {
		t := txn.New(b.id, xid.XIDS{}, nil, rec.LSN, e.rb, e.writer, e.zl)
		t.RestoreLogged(true)
		e.mgr.RecoverRootTxn(t)
		return nil
	}
	parent, err := e.mgr.IDToTxn(b.parent)
	if err != nil {
		return errors.Wrapf(err, "recovery: xbegin %s names unknown parent %s", b.id, b.parent)
	}
	child := txn.New(b.id, parent.XIDS(), parent, rec.LSN, e.rb, e.writer, e.zl)
	child.RestoreLogged(true)
	e.mgr.RecoverNestedTxn(child, b.id.RootID())
	return nil
}

// handleXCommit only ever sees root transactions, since a nested commit
// never logs its own xcommit record (spec §4.4); handleXAbort sees roots
// and nested transactions alike, since a nested abort does log xabort. A
// root could not have logged either record while a child was still open
// (Commit/Abort both reject that), so any reconstructed child (materialized
// from its own xbegin record) still held for a committing root committed
// into it live: handleXCommit commits and retires those children's
// replayed chains first. Recovery applies each chain and retires the
// transaction directly rather than going through Transaction.Commit/Abort,
// which would wrongly reject a root whose reconstructed children still
// appear open.
func (e *env) handleXCommit(rec walog.Record) error {
	b := decodeXID(rec.Body)
	t, err := e.mgr.IDToTxn(b.id)
	if err != nil {
		return nil
	}
	for _, c := range e.mgr.LiveTransactions() {
		if c.ID().IsRoot() || c.ID().RootID() != t.ID().RootID() {
			continue
		}
		if err := rollback.Apply(e.rb, c.ID(), rec.LSN, true, e.eff, nil); err != nil {
			return err
		}
		c.ForceRetire()
		if err := e.mgr.FinishTxn(c); err != nil {
			return err
		}
	}
	if err := rollback.Apply(e.rb, t.ID(), rec.LSN, true, e.eff, nil); err != nil {
		return err
	}
	t.ForceRetire()
	return e.mgr.FinishTxn(t)
}

func (e *env) handleXAbort(rec walog.Record) error {
	b := decodeXID(rec.Body)
	t, err := e.mgr.IDToTxn(b.id)
	if err != nil {
		return nil
	}
	if err := rollback.Apply(e.rb, t.ID(), rec.LSN, false, e.eff, nil); err != nil {
		return err
	}
	t.ForceRetire()
	return e.mgr.FinishTxn(t)
}

func (e *env) handleXPrepare(rec walog.Record) error {
	b := decodeXID(rec.Body)
	t, err := e.mgr.IDToTxn(b.id)
	if err != nil {
		return nil
	}
	t.RestoreState(txn.StatePreparing, t.XAXid())
	return nil
}

// handleFassociate re-binds a filenum to its iname for the current
// checkpoint interior, letting replay see files whose original fcreate
// record has already been trimmed from the log. For the rollback
// cachefile specifically, it sets max-acceptable-LSN to the owning
// checkpoint's begin-LSN (spec §9, issue #3113). The page cache does not
// consult that value when pinning, so it does not by itself keep a
// rollback node logged after that checkpoint from being read.
func (e *env) handleFassociate(rec walog.Record) error {
	b := decodeFAssociateBody(rec.Body)
	e.files[b.num] = b.iname
	cf, err := e.cache.OpenCachefileAt(b.num, b.iname)
	if err != nil {
		return err
	}
	if b.iname == rollback.CachefileName {
		cf.SetMaxAcceptableLSN(e.curCheckpointLSN)
	}
	return nil
}

func (e *env) handleStillOpen(rec walog.Record, prepared bool) error {
	var b stillOpenBody
	if prepared {
		b = decodeStillOpenPrepared(rec.Body)
	} else {
		b = decodeStillOpen(rec.Body)
	}

	e.rb.RestoreHead(b.id, b.head)

	if b.parent.IsNone() {
		t := txn.New(b.id, xid.XIDS{}, nil, rec.LSN, e.rb, e.writer, e.zl)
		if b.head != storage.EOF {
			t.RestoreLogged(true)
		}
		if prepared {
			t.RestoreState(txn.StatePreparing, b.xaXid)
		}
		e.mgr.RecoverRootTxn(t)
		return nil
	}

	parent, err := e.mgr.IDToTxn(b.parent)
	if err != nil {
		return errors.Wrapf(err, "recovery: xstillopen %s names unknown parent %s", b.id, b.parent)
	}
	child := txn.New(b.id, parent.XIDS(), parent, rec.LSN, e.rb, e.writer, e.zl)
	if b.head != storage.EOF {
		child.RestoreLogged(true)
	}
	e.mgr.RecoverNestedTxn(child, b.id.RootID())
	return nil
}

// finalize runs the post-forward-scan steps (spec §4.8 "Finalization"):
// restart the logger, abort every remaining unprepared transaction in
// descending txnid order, hand prepared ones back to the caller, write a
// closing comment, and leave the caller to force a checkpoint.
func (e *env) finalize(dir string, replayed int64) (*Result, error) {
	if err := e.writer.Restart(e.highestLSN); err != nil {
		return nil, errors.Wrap(err, "recovery: restarting logger")
	}

	live := e.mgr.LiveTransactions()
	sortTxnsDescending(live)

	result := &Result{RanAtAll: true, RecordsReplayed: replayed, HighestLSN: e.highestLSN}

	for _, t := range live {
		if t.State() == txn.StatePreparing {
			result.RootsPrepared = append(result.RootsPrepared, t)
			continue
		}
		if err := t.Abort(e.eff); err != nil {
			return nil, errors.Wrapf(err, "recovery: aborting leftover transaction %s", t.ID())
		}
		if err := e.mgr.FinishTxn(t); err != nil {
			return nil, err
		}
		result.RootsAborted = append(result.RootsAborted, t.ID())
	}

	if _, err := e.writer.Append(walog.CmdComment, EncodeCommentBody("recover")); err != nil {
		return nil, errors.Wrap(err, "recovery: logging closing comment")
	}

	return result, nil
}

func sortTxnsDescending(ts []*txn.Transaction) {
	sort.Slice(ts, func(i, j int) bool { return ts[j].ID().Less(ts[i].ID()) })
}
