package recovery

import (
	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

// The record bodies below are written by internal/engine and read back
// here; they live in this package (rather than walog, which only knows
// about the generic Command+LSN+Body framing) because only recovery and
// the engine's logging helpers need to agree on their shape (spec §4.8,
// §6 "log-records definition").

type xbeginBody struct {
	id     xid.TXNID
	parent xid.TXNID
}

func decodeXBegin(body []byte) xbeginBody {
	c := walog.NewRbuf(body)
	return xbeginBody{id: c.ReadTXNID(), parent: c.ReadTXNID()}
}

type xidBody struct{ id xid.TXNID }

func decodeXID(body []byte) xidBody {
	c := walog.NewRbuf(body)
	return xidBody{id: c.ReadTXNID()}
}

// stillOpenBody is shared by xstillopen and xstillopenprepared; the
// latter additionally carries an XA xid (spec §4.8 "restore... its XA
// xid and state=PREPARING").
type stillOpenBody struct {
	id     xid.TXNID
	parent xid.TXNID
	head   storage.BlockNum
	xaXid  xid.XAXid
}

func encodeStillOpen(id, parent xid.TXNID, head storage.BlockNum) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(id)
	c.WriteTXNID(parent)
	c.WriteInt64(int64(head))
	return c.Bytes()
}

func decodeStillOpen(body []byte) stillOpenBody {
	c := walog.NewRbuf(body)
	b := stillOpenBody{}
	b.id = c.ReadTXNID()
	b.parent = c.ReadTXNID()
	b.head = storage.BlockNum(c.ReadInt64())
	return b
}

func encodeStillOpenPrepared(id, parent xid.TXNID, head storage.BlockNum, xaXid xid.XAXid) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(id)
	c.WriteTXNID(parent)
	c.WriteInt64(int64(head))
	c.WriteBytes(xaXid[:])
	return c.Bytes()
}

func decodeStillOpenPrepared(body []byte) stillOpenBody {
	c := walog.NewRbuf(body)
	b := stillOpenBody{}
	b.id = c.ReadTXNID()
	b.parent = c.ReadTXNID()
	b.head = storage.BlockNum(c.ReadInt64())
	raw := c.ReadBytes()
	copy(b.xaXid[:], raw)
	return b
}

// fileBody carries the logging transaction's id too: fcreate's undo
// (delete the file back out) and fdelete's deferred-to-commit unlink both
// need a reconstructed roll entry during redo, the same reasoning as
// insertBody below.
type fileBody struct {
	txnid xid.TXNID
	num   pagecache.FileNum
	iname string
}

func EncodeFileBody(txnid xid.TXNID, num pagecache.FileNum, iname string) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(txnid)
	c.WriteInt64(int64(num))
	c.WriteString(iname)
	return c.Bytes()
}

func decodeFileBody(body []byte) fileBody {
	c := walog.NewRbuf(body)
	return fileBody{txnid: c.ReadTXNID(), num: pagecache.FileNum(c.ReadInt64()), iname: c.ReadString()}
}

// fassociateBody is logged once per currently-open cachefile at every
// checkpoint begin, so a forward pass turning around at that checkpoint
// can re-bind filenum to iname even when the original fcreate record has
// since been trimmed from the log (spec §4.8 "fassociate opens... an FT
// handle bound to a filenum").
type fassociateBody struct {
	num   pagecache.FileNum
	iname string
}

func EncodeFAssociateBody(num pagecache.FileNum, iname string) []byte {
	c := walog.NewRbuf(nil)
	c.WriteInt64(int64(num))
	c.WriteString(iname)
	return c.Bytes()
}

func decodeFAssociateBody(body []byte) fassociateBody {
	c := walog.NewRbuf(body)
	return fassociateBody{num: pagecache.FileNum(c.ReadInt64()), iname: c.ReadString()}
}

type changeDescriptorBody struct {
	txnid    xid.TXNID
	num      pagecache.FileNum
	old, new []byte
}

func EncodeChangeDescriptorBody(txnid xid.TXNID, num pagecache.FileNum, old, new []byte) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(txnid)
	c.WriteInt64(int64(num))
	c.WriteBytes(old)
	c.WriteBytes(new)
	return c.Bytes()
}

func decodeChangeDescriptorBody(body []byte) changeDescriptorBody {
	c := walog.NewRbuf(body)
	return changeDescriptorBody{
		txnid: c.ReadTXNID(),
		num:   pagecache.FileNum(c.ReadInt64()),
		old:   c.ReadBytes(),
		new:   c.ReadBytes(),
	}
}

// insertBody, deleteBody, updateBody and broadcastBody each carry the
// logging transaction's id alongside the data mutation itself, so the
// forward pass can rebuild a complete in-memory rollback chain for a
// transaction reconstructed purely from the log, exactly as the live do
// path would have populated it the first time. This mirrors the
// checkpoint-free redo story of spec §4.8: undo information for work
// done since the last checkpoint exists only in the rollback cachefile's
// dirty, not-yet-durable pages, so redo must recreate it by repeating
// both halves (effect + undo push) of the original logged operation, not
// just the data effect.
type insertBody struct {
	txnid    xid.TXNID
	num      pagecache.FileNum
	key, val []byte
}

func EncodeInsertBody(txnid xid.TXNID, num pagecache.FileNum, key, val []byte) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(txnid)
	c.WriteInt64(int64(num))
	c.WriteBytes(key)
	c.WriteBytes(val)
	return c.Bytes()
}

func decodeInsertBody(body []byte) insertBody {
	c := walog.NewRbuf(body)
	return insertBody{txnid: c.ReadTXNID(), num: pagecache.FileNum(c.ReadInt64()), key: c.ReadBytes(), val: c.ReadBytes()}
}

// deleteBody additionally carries the pre-image value being deleted, read
// by the logging call site at the moment of the delete, so a reconstructed
// transaction's undo can reinsert it verbatim on abort.
type deleteBody struct {
	txnid  xid.TXNID
	num    pagecache.FileNum
	key    []byte
	oldVal []byte
}

func EncodeDeleteBody(txnid xid.TXNID, num pagecache.FileNum, key, oldVal []byte) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(txnid)
	c.WriteInt64(int64(num))
	c.WriteBytes(key)
	c.WriteBytes(oldVal)
	return c.Bytes()
}

func decodeDeleteBody(body []byte) deleteBody {
	c := walog.NewRbuf(body)
	return deleteBody{txnid: c.ReadTXNID(), num: pagecache.FileNum(c.ReadInt64()), key: c.ReadBytes(), oldVal: c.ReadBytes()}
}

type updateBody struct {
	txnid  xid.TXNID
	num    pagecache.FileNum
	key    []byte
	msg    []byte
	oldVal []byte
}

func EncodeUpdateBody(txnid xid.TXNID, num pagecache.FileNum, key, msg, oldVal []byte) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(txnid)
	c.WriteInt64(int64(num))
	c.WriteBytes(key)
	c.WriteBytes(msg)
	c.WriteBytes(oldVal)
	return c.Bytes()
}

func decodeUpdateBody(body []byte) updateBody {
	c := walog.NewRbuf(body)
	return updateBody{
		txnid:  c.ReadTXNID(),
		num:    pagecache.FileNum(c.ReadInt64()),
		key:    c.ReadBytes(),
		msg:    c.ReadBytes(),
		oldVal: c.ReadBytes(),
	}
}

type broadcastBody struct {
	txnid   xid.TXNID
	num     pagecache.FileNum
	msg     []byte
	inverse []byte
}

func EncodeBroadcastBody(txnid xid.TXNID, num pagecache.FileNum, msg, inverse []byte) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(txnid)
	c.WriteInt64(int64(num))
	c.WriteBytes(msg)
	c.WriteBytes(inverse)
	return c.Bytes()
}

func decodeBroadcastBody(body []byte) broadcastBody {
	c := walog.NewRbuf(body)
	return broadcastBody{
		txnid:   c.ReadTXNID(),
		num:     pagecache.FileNum(c.ReadInt64()),
		msg:     c.ReadBytes(),
		inverse: c.ReadBytes(),
	}
}

// loadBody carries the logging transaction's id so redo can push the
// matching Load undo entry, the same reasoning as insertBody.
type loadBody struct {
	txnid              xid.TXNID
	oldIName, newIName string
}

func EncodeLoadBody(txnid xid.TXNID, oldIName, newIName string) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(txnid)
	c.WriteString(oldIName)
	c.WriteString(newIName)
	return c.Bytes()
}

func decodeLoadBody(body []byte) loadBody {
	c := walog.NewRbuf(body)
	return loadBody{txnid: c.ReadTXNID(), oldIName: c.ReadString(), newIName: c.ReadString()}
}

func EncodeCommentBody(text string) []byte {
	c := walog.NewRbuf(nil)
	c.WriteString(text)
	return c.Bytes()
}

// EncodeXBeginBody, EncodeXIDBody, EncodeStillOpenBody and
// EncodeStillOpenPreparedBody let internal/engine write the records this
// package's forward pass reads back, so both sides agree on wire shape
// without duplicating the codec.
func EncodeXBeginBody(id, parent xid.TXNID) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(id)
	c.WriteTXNID(parent)
	return c.Bytes()
}

func EncodeXIDBody(id xid.TXNID) []byte {
	c := walog.NewRbuf(nil)
	c.WriteTXNID(id)
	return c.Bytes()
}

func EncodeStillOpenBody(id, parent xid.TXNID, head storage.BlockNum) []byte {
	return encodeStillOpen(id, parent, head)
}

func EncodeStillOpenPreparedBody(id, parent xid.TXNID, head storage.BlockNum, xaXid xid.XAXid) []byte {
	return encodeStillOpenPrepared(id, parent, head, xaXid)
}
