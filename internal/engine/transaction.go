package engine

import (
	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/recovery"
	"github.com/luigitni/tokuwal/internal/rollback"
	"github.com/luigitni/tokuwal/internal/txn"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

// Txn is a handle to one open transaction, scoping every mutation and
// the final Commit/Abort/Prepare call the way the teacher's
// tx.Transaction scopes SetInt/SetString/Commit/Rollback.
type Txn struct {
	eng *Engine
	t   *txn.Transaction
}

// Begin starts a new transaction. Pass nil for parent to start a root;
// pass an open Txn to start a nested transaction under it (spec §4.4
// "start_txn").
func (e *Engine) Begin(parent *Txn) (*Txn, error) {
	var p *txn.Transaction
	if parent != nil {
		p = parent.t
	}
	t, err := e.mgr.StartTxn(p)
	if err != nil {
		return nil, err
	}
	return &Txn{eng: e, t: t}, nil
}

// ID returns the transaction's identifier.
func (tx *Txn) ID() xid.TXNID { return tx.t.ID() }

// IsRoot reports whether this transaction has no parent.
func (tx *Txn) IsRoot() bool { return tx.t.IsRoot() }

// Commit commits the transaction (spec §4.3/§4.4): a root walks its
// rollback chain's commit handlers and fsyncs its commit record subject
// to the nosync/force_fsync_on_commit rule (spec §4.3 "Fsync-on-commit
// rule"; nosync matches spec §6's txn_commit(txn, nosync, poll, extra));
// a nested commit instead promotes its rollback chain onto its parent's
// and never fsyncs on its own.
func (tx *Txn) Commit(nosync bool) error {
	if err := tx.t.Commit(tx.eng.eff, nosync); err != nil {
		return err
	}
	if tx.t.IsRoot() {
		tx.eng.mgr.NoteCommitTxn(tx.t.ID().RootID())
	}
	return tx.eng.mgr.FinishTxn(tx.t)
}

// SetForceFsyncOnCommit forces this transaction's eventual root commit to
// fsync even if nosync is requested and it logged no rollback entries
// (spec §3 "Fsync intent" force_fsync_on_commit).
func (tx *Txn) SetForceFsyncOnCommit(v bool) { tx.t.SetForceFsyncOnCommit(v) }

// Abort undoes every effect the transaction logged and retires it (spec
// §4.3).
func (tx *Txn) Abort() error {
	if err := tx.t.Abort(tx.eng.eff); err != nil {
		return err
	}
	if tx.t.IsRoot() {
		tx.eng.mgr.NoteAbortTxn(tx.t.ID().RootID())
	}
	return tx.eng.mgr.FinishTxn(tx.t)
}

// Prepare marks the transaction PREPARING as phase one of an external
// two-phase commit protocol (spec §4.3 "XA prepare").
func (tx *Txn) Prepare(xaXid xid.XAXid) error {
	return tx.t.Prepare(xaXid)
}

// logAndApply writes cmd+body to the log, applies eff immediately (the
// optimistic "do" half every data mutation takes right away), then
// pushes the matching undo roll-entry so an abort can reverse it. This is
// the same two-step live path recovery's forward pass reconstructs when
// replaying a crashed transaction's log records (spec §4.8).
//
// The whole operation runs under the reader side of checkpoint-safe and
// multi-operation, acquired in that order (spec §2 "Control/data flow":
// "acquire reader side of multi-operation lock and checkpoint-safe lock
// ... perform the index operation ... release locks"), so it can never be
// interleaved with a checkpoint's begin-phase pending-bit marking (spec
// §5 ordering guarantees #1/#3).
func (tx *Txn) logAndApply(cmd walog.Command, body []byte, do func() error, entry rollback.RollEntry) error {
	tx.eng.chk.LockSafeReader()
	defer tx.eng.chk.UnlockSafeReader()
	tx.eng.chk.LockMultiOpReader()
	defer tx.eng.chk.UnlockMultiOpReader()

	if err := tx.t.MarkWrite(); err != nil {
		return err
	}
	if _, err := tx.eng.writer.Append(cmd, body); err != nil {
		return err
	}
	if err := do(); err != nil {
		return err
	}
	return tx.t.SaveRollback(entry)
}

// Put inserts key/val into file under this transaction (spec glossary
// "enq_insert").
func (tx *Txn) Put(file pagecache.FileNum, key, val []byte) error {
	body := recovery.EncodeInsertBody(tx.t.ID(), file, key, val)
	return tx.logAndApply(walog.CmdEnqInsert, body,
		func() error { return tx.eng.eff.ApplyInsert(file, key, val) },
		&rollback.Insert{File: file, Key: key, Val: val})
}

// Delete removes key from file under this transaction, capturing oldVal
// (the caller-supplied pre-image) so abort can reinsert it (spec glossary
// "enq_delete_any").
func (tx *Txn) Delete(file pagecache.FileNum, key, oldVal []byte) error {
	body := recovery.EncodeDeleteBody(tx.t.ID(), file, key, oldVal)
	return tx.logAndApply(walog.CmdEnqDeleteAny, body,
		func() error { return tx.eng.eff.ApplyDelete(file, key) },
		&rollback.Delete{File: file, Key: key, Val: oldVal})
}

// Update applies msg in place to key in file, capturing oldVal (the
// pre-image) for abort (spec glossary "enq_update").
func (tx *Txn) Update(file pagecache.FileNum, key, msg, oldVal []byte) error {
	body := recovery.EncodeUpdateBody(tx.t.ID(), file, key, msg, oldVal)
	return tx.logAndApply(walog.CmdEnqUpdate, body,
		func() error { return tx.eng.eff.ApplyUpdate(file, key, msg) },
		&rollback.Update{File: file, Key: key, Old: oldVal})
}

// UpdateBroadcast applies msg to every row in file, carrying the
// caller-computed inverse message for abort (spec glossary
// "enq_updatebroadcast").
func (tx *Txn) UpdateBroadcast(file pagecache.FileNum, msg, inverse []byte) error {
	body := recovery.EncodeBroadcastBody(tx.t.ID(), file, msg, inverse)
	return tx.logAndApply(walog.CmdEnqUpdateBroadcast, body,
		func() error { return tx.eng.eff.ApplyUpdateBroadcast(file, msg) },
		&rollback.UpdateBroadcast{File: file, Inverse: inverse})
}

// CreateFile creates a new dictionary bound to a fresh filenum, logging
// fcreate and pushing a FileCreate undo entry so abort deletes it back
// out (spec glossary "fcreate").
func (tx *Txn) CreateFile(name string) (pagecache.FileNum, error) {
	cf, err := tx.eng.cache.OpenCachefile(name)
	if err != nil {
		return 0, err
	}
	body := recovery.EncodeFileBody(tx.t.ID(), cf.Num(), name)
	err = tx.logAndApply(walog.CmdFCreate, body,
		func() error { return tx.eng.eff.CreateFile(name) },
		&rollback.FileCreate{Name: name})
	return cf.Num(), err
}

// DeleteFile drops a dictionary: the actual unlink is deferred until this
// transaction commits (spec §4.2 "a dropped dictionary's file stays on
// disk until the dropping transaction commits"), so the "do" half here is
// a no-op and only the FileDelete undo entry, whose Commit handler calls
// eff.DeleteFile, is pushed.
func (tx *Txn) DeleteFile(num pagecache.FileNum, name string) error {
	body := recovery.EncodeFileBody(tx.t.ID(), num, name)
	return tx.logAndApply(walog.CmdFDelete, body,
		func() error { return nil },
		&rollback.FileDelete{Name: name})
}

// Load swaps newIName in under oldIName's place, the bulk-load path
// (spec glossary "load").
func (tx *Txn) Load(oldIName, newIName string) error {
	body := recovery.EncodeLoadBody(tx.t.ID(), oldIName, newIName)
	return tx.logAndApply(walog.CmdLoad, body,
		func() error { return tx.eng.eff.RenameFile(oldIName, newIName) },
		&rollback.Load{OldIName: oldIName, NewIName: newIName})
}

// ChangeDescriptor changes file's descriptor bytes in place, capturing
// oldDescriptor for abort (spec glossary "change_fdescriptor").
func (tx *Txn) ChangeDescriptor(file pagecache.FileNum, oldDescriptor, newDescriptor []byte) error {
	body := recovery.EncodeChangeDescriptorBody(tx.t.ID(), file, oldDescriptor, newDescriptor)
	return tx.logAndApply(walog.CmdChangeFDescriptor, body,
		func() error { return tx.eng.eff.ChangeDescriptor(file, newDescriptor) },
		&rollback.ChangeDescriptor{File: file, Old: oldDescriptor})
}

// HotIndex records that an online index build started against files; it
// never undoes any data, it exists only so recovery can see the build
// was in flight (spec §4.2 "hot index entries never undo data"). Like
// every other mutator it runs under the checkpoint-safe/multi-operation
// reader pair (spec §2, §4.5).
func (tx *Txn) HotIndex(files []pagecache.FileNum) error {
	tx.eng.chk.LockSafeReader()
	defer tx.eng.chk.UnlockSafeReader()
	tx.eng.chk.LockMultiOpReader()
	defer tx.eng.chk.UnlockMultiOpReader()

	if err := tx.t.MarkWrite(); err != nil {
		return err
	}
	return tx.t.SaveRollback(&rollback.HotIndex{Files: files})
}
