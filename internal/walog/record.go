package walog

import (
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/xid"
)

// Command enumerates the wire record types (spec §6). The order matches
// the log-records definition the original build-time codegen step would
// read; here the enum is hand-written since there is no codegen pass.
type Command uint8

const (
	CmdXBegin Command = iota
	CmdXCommit
	CmdXAbort
	CmdXPrepare
	CmdXStillOpen
	CmdXStillOpenPrepared
	CmdBeginCheckpoint
	CmdEndCheckpoint
	CmdFAssociate
	CmdFCreate
	CmdFOpen
	CmdFClose
	CmdFDelete
	CmdChangeFDescriptor
	CmdSuppressRollback
	CmdEnqInsert
	CmdEnqInsertNoOverwrite
	CmdEnqDeleteAny
	CmdEnqInsertMultiple
	CmdEnqDeleteMultiple
	CmdEnqUpdate
	CmdEnqUpdateBroadcast
	CmdLoad
	CmdHotIndex
	CmdComment
	CmdShutdown

	numCommands
)

func (c Command) Valid() bool { return c < numCommands }

// Record is one parsed log record: its command, the LSN the writer
// assigned it, and its raw, command-specific body (everything after the
// command byte and before the CRC/length trailer).
type Record struct {
	Command Command
	LSN     xid.LSN
	Body    []byte
}

// Rbuf is the per-command record body codec, shared with the rollback log
// store's roll-entry payloads via storage.Cursor.
type Rbuf = storage.Cursor

func NewRbuf(bytes []byte) *Rbuf { return storage.NewCursor(bytes) }
