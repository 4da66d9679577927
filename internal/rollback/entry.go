// Package rollback implements the rollback log store (C3) and rollback
// apply (C9): the per-transaction chain of undo records a transaction
// accumulates as it runs, and the walk that replays that chain on commit
// (forget) or abort (undo) — the fractal-tree analogue of the teacher's
// tx.RecoveryManager, generalized from a single linear WAL scan to a
// per-transaction chain of cache-resident nodes that may spill to disk.
package rollback

import (
	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/storage"
)

// Effects is the seam between rollback apply and whatever holds live data:
// the fractal-tree index in the full engine, an in-memory map in tests.
// Rollback apply never touches index-node formats directly (those are out
// of scope here); it only ever calls through this interface.
type Effects interface {
	ApplyInsert(file pagecache.FileNum, key, val []byte) error
	ApplyDelete(file pagecache.FileNum, key []byte) error
	ApplyUpdate(file pagecache.FileNum, key, msg []byte) error
	ApplyUpdateBroadcast(file pagecache.FileNum, msg []byte) error
	CreateFile(name string) error
	DeleteFile(name string) error
	RenameFile(oldName, newName string) error
	ChangeDescriptor(file pagecache.FileNum, descriptor []byte) error
}

// EntryType enumerates the roll-entry kinds a transaction's rollback chain
// can hold (spec §4.2's "each roll-entry type owns a commit and an abort
// handler").
type EntryType uint8

const (
	EntryInsert EntryType = iota
	EntryDelete
	EntryFileCreate
	EntryFileDelete
	EntryFileRename
	EntryHotIndex
	EntryLoad
	EntryChangeDescriptor
	EntryRollInclude
	EntryUpdate
	EntryUpdateBroadcast

	numEntryTypes
)

// RollEntry is one undo record in a transaction's rollback chain. Commit
// is called when the transaction that logged the entry finally commits
// (usually a no-op: the optimistic change already took effect); Rollback
// undoes it. Both mirror the teacher's logRecord.Undo(tx), generalized to
// also cover the commit-time finalization some entry types need (file
// delete, in particular, is deferred until commit).
type RollEntry interface {
	Type() EntryType
	Commit(eff Effects) error
	Rollback(eff Effects) error
	encode(c *storage.Cursor)
}

// Encode serializes e as [type byte][type-specific body].
func Encode(e RollEntry) []byte {
	c := storage.NewCursor(nil)
	c.WriteByte(byte(e.Type()))
	e.encode(c)
	return c.Bytes()
}

// Decode parses a roll entry previously produced by Encode.
func Decode(raw []byte) (RollEntry, error) {
	c := storage.NewCursor(raw)
	t := EntryType(c.ReadByte())
	switch t {
	case EntryInsert:
		return decodeInsert(c), nil
	case EntryDelete:
		return decodeDelete(c), nil
	case EntryFileCreate:
		return decodeFileCreate(c), nil
	case EntryFileDelete:
		return decodeFileDelete(c), nil
	case EntryFileRename:
		return decodeFileRename(c), nil
	case EntryHotIndex:
		return decodeHotIndex(c), nil
	case EntryLoad:
		return decodeLoad(c), nil
	case EntryChangeDescriptor:
		return decodeChangeDescriptor(c), nil
	case EntryRollInclude:
		return decodeRollInclude(c), nil
	case EntryUpdate:
		return decodeUpdate(c), nil
	case EntryUpdateBroadcast:
		return decodeUpdateBroadcast(c), nil
	default:
		return nil, errUnknownEntryType(t)
	}
}

type errUnknownEntryType EntryType

func (e errUnknownEntryType) Error() string {
	return "rollback: unknown roll-entry type"
}

// Insert undoes a not-yet-committed point insert by deleting the key back
// out (spec §4.2 roll-entry table, "insert").
type Insert struct {
	File pagecache.FileNum
	Key  []byte
	Val  []byte
}

func (e *Insert) Type() EntryType { return EntryInsert }
func (e *Insert) Commit(Effects) error { return nil }
func (e *Insert) Rollback(eff Effects) error { return eff.ApplyDelete(e.File, e.Key) }
func (e *Insert) encode(c *storage.Cursor) {
	c.WriteInt64(int64(e.File))
	c.WriteBytes(e.Key)
	c.WriteBytes(e.Val)
}
func decodeInsert(c *storage.Cursor) *Insert {
	return &Insert{File: pagecache.FileNum(c.ReadInt64()), Key: c.ReadBytes(), Val: c.ReadBytes()}
}

// Delete undoes a not-yet-committed point delete by reinserting the old
// value.
type Delete struct {
	File pagecache.FileNum
	Key  []byte
	Val  []byte
}

func (e *Delete) Type() EntryType { return EntryDelete }
func (e *Delete) Commit(Effects) error { return nil }
func (e *Delete) Rollback(eff Effects) error { return eff.ApplyInsert(e.File, e.Key, e.Val) }
func (e *Delete) encode(c *storage.Cursor) {
	c.WriteInt64(int64(e.File))
	c.WriteBytes(e.Key)
	c.WriteBytes(e.Val)
}
func decodeDelete(c *storage.Cursor) *Delete {
	return &Delete{File: pagecache.FileNum(c.ReadInt64()), Key: c.ReadBytes(), Val: c.ReadBytes()}
}

// Update undoes an in-place message-based update by reinstating the
// pre-image value, the same way Delete does (spec glossary "update
// message").
type Update struct {
	File pagecache.FileNum
	Key  []byte
	Old  []byte
}

func (e *Update) Type() EntryType { return EntryUpdate }
func (e *Update) Commit(Effects) error { return nil }
func (e *Update) Rollback(eff Effects) error { return eff.ApplyUpdate(e.File, e.Key, e.Old) }
func (e *Update) encode(c *storage.Cursor) {
	c.WriteInt64(int64(e.File))
	c.WriteBytes(e.Key)
	c.WriteBytes(e.Old)
}
func decodeUpdate(c *storage.Cursor) *Update {
	return &Update{File: pagecache.FileNum(c.ReadInt64()), Key: c.ReadBytes(), Old: c.ReadBytes()}
}

// UpdateBroadcast undoes a broadcast update (one message applied to every
// row in a dictionary) by applying the caller-supplied inverse message;
// per spec this entry carries its own pre-computed inverse rather than a
// per-row pre-image, since the broadcast fan-out is unbounded.
type UpdateBroadcast struct {
	File    pagecache.FileNum
	Inverse []byte
}

func (e *UpdateBroadcast) Type() EntryType { return EntryUpdateBroadcast }
func (e *UpdateBroadcast) Commit(Effects) error { return nil }
func (e *UpdateBroadcast) Rollback(eff Effects) error {
	return eff.ApplyUpdateBroadcast(e.File, e.Inverse)
}
func (e *UpdateBroadcast) encode(c *storage.Cursor) {
	c.WriteInt64(int64(e.File))
	c.WriteBytes(e.Inverse)
}
func decodeUpdateBroadcast(c *storage.Cursor) *UpdateBroadcast {
	return &UpdateBroadcast{File: pagecache.FileNum(c.ReadInt64()), Inverse: c.ReadBytes()}
}

// FileCreate undoes a not-yet-committed dictionary creation by deleting
// the file it created.
type FileCreate struct{ Name string }

func (e *FileCreate) Type() EntryType { return EntryFileCreate }
func (e *FileCreate) Commit(Effects) error { return nil }
func (e *FileCreate) Rollback(eff Effects) error { return eff.DeleteFile(e.Name) }
func (e *FileCreate) encode(c *storage.Cursor) { c.WriteString(e.Name) }
func decodeFileCreate(c *storage.Cursor) *FileCreate { return &FileCreate{Name: c.ReadString()} }

// FileDelete defers the actual unlink until commit (spec §4.2: "a dropped
// dictionary's file stays on disk until the dropping transaction commits,
// so a concurrent reader or an abort can still see it").
type FileDelete struct{ Name string }

func (e *FileDelete) Type() EntryType { return EntryFileDelete }
func (e *FileDelete) Commit(eff Effects) error { return eff.DeleteFile(e.Name) }
func (e *FileDelete) Rollback(Effects) error { return nil }
func (e *FileDelete) encode(c *storage.Cursor) { c.WriteString(e.Name) }
func decodeFileDelete(c *storage.Cursor) *FileDelete { return &FileDelete{Name: c.ReadString()} }

// FileRename undoes a rename by swapping the names back.
type FileRename struct{ OldName, NewName string }

func (e *FileRename) Type() EntryType { return EntryFileRename }
func (e *FileRename) Commit(Effects) error { return nil }
func (e *FileRename) Rollback(eff Effects) error { return eff.RenameFile(e.NewName, e.OldName) }
func (e *FileRename) encode(c *storage.Cursor) {
	c.WriteString(e.OldName)
	c.WriteString(e.NewName)
}
func decodeFileRename(c *storage.Cursor) *FileRename {
	return &FileRename{OldName: c.ReadString(), NewName: c.ReadString()}
}

// Load records a bulk-load file swap (spec glossary "load"): the loader
// builds a replacement file out-of-band and swaps it in under the
// dictionary's existing iname. Abort undoes the swap the same way a
// rename would.
type Load struct{ OldIName, NewIName string }

func (e *Load) Type() EntryType { return EntryLoad }
func (e *Load) Commit(Effects) error { return nil }
func (e *Load) Rollback(eff Effects) error { return eff.RenameFile(e.NewIName, e.OldIName) }
func (e *Load) encode(c *storage.Cursor) {
	c.WriteString(e.OldIName)
	c.WriteString(e.NewIName)
}
func decodeLoad(c *storage.Cursor) *Load {
	return &Load{OldIName: c.ReadString(), NewIName: c.ReadString()}
}

// ChangeDescriptor undoes an in-place dictionary descriptor change by
// restoring the old descriptor bytes.
type ChangeDescriptor struct {
	File pagecache.FileNum
	Old  []byte
}

func (e *ChangeDescriptor) Type() EntryType { return EntryChangeDescriptor }
func (e *ChangeDescriptor) Commit(Effects) error { return nil }
func (e *ChangeDescriptor) Rollback(eff Effects) error {
	return eff.ChangeDescriptor(e.File, e.Old)
}
func (e *ChangeDescriptor) encode(c *storage.Cursor) {
	c.WriteInt64(int64(e.File))
	c.WriteBytes(e.Old)
}
func decodeChangeDescriptor(c *storage.Cursor) *ChangeDescriptor {
	return &ChangeDescriptor{File: pagecache.FileNum(c.ReadInt64()), Old: c.ReadBytes()}
}

// HotIndex is pure bookkeeping recording that a hot (online) index build
// started against a set of dictionaries; neither commit nor abort takes
// any Effects action, it exists only so recovery can see the build was in
// flight (spec §4.2, "hot index entries never undo data").
type HotIndex struct{ Files []pagecache.FileNum }

func (e *HotIndex) Type() EntryType { return EntryHotIndex }
func (e *HotIndex) Commit(Effects) error { return nil }
func (e *HotIndex) Rollback(Effects) error { return nil }
func (e *HotIndex) encode(c *storage.Cursor) {
	c.WriteInt64(int64(len(e.Files)))
	for _, f := range e.Files {
		c.WriteInt64(int64(f))
	}
}
func decodeHotIndex(c *storage.Cursor) *HotIndex {
	n := c.ReadInt64()
	files := make([]pagecache.FileNum, n)
	for i := range files {
		files[i] = pagecache.FileNum(c.ReadInt64())
	}
	return &HotIndex{Files: files}
}

// RollInclude splices a child transaction's rollback chain onto its
// parent's: logged once at nested commit time so that, if an outer
// ancestor later aborts, the child's already-promoted undo work is still
// reachable (spec §4.4 "nested commit promotes rollback state to
// parent"). Apply never calls Commit/Rollback on it directly; the chain
// walker (apply.go) recognizes it and recurses into ChildHead instead.
type RollInclude struct {
	ChildHead storage.BlockNum
}

func (e *RollInclude) Type() EntryType      { return EntryRollInclude }
func (e *RollInclude) Commit(Effects) error { return nil }
func (e *RollInclude) Rollback(Effects) error { return nil }
func (e *RollInclude) encode(c *storage.Cursor) {
	c.WriteInt64(int64(e.ChildHead))
}
func decodeRollInclude(c *storage.Cursor) *RollInclude {
	return &RollInclude{ChildHead: storage.BlockNum(c.ReadInt64())}
}
