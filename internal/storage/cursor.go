package storage

import (
	"encoding/binary"

	"github.com/luigitni/tokuwal/internal/xid"
)

// Cursor is a small growable byte-buffer codec shared by every component
// that serializes typed records into a page or a log frame: the log
// writer's per-command bodies, and the rollback log store's roll-entry
// payloads. It mirrors the teacher's tx.recordBuffer helper, generalized
// to also encode LSNs and TXNIDs.
type Cursor struct {
	bytes  []byte
	offset int
}

func NewCursor(bytes []byte) *Cursor { return &Cursor{bytes: bytes} }

func (r *Cursor) WriteLSN(l xid.LSN) {
	binary.LittleEndian.PutUint64(r.grow(8), uint64(l))
}

func (r *Cursor) ReadLSN() xid.LSN {
	v := binary.LittleEndian.Uint64(r.bytes[r.offset:])
	r.offset += 8
	return xid.LSN(v)
}

func (r *Cursor) WriteTXNID(t xid.TXNID) {
	binary.LittleEndian.PutUint64(r.grow(8), t.ParentID64)
	binary.LittleEndian.PutUint64(r.grow(8), t.ChildID64)
}

func (r *Cursor) ReadTXNID() xid.TXNID {
	p := binary.LittleEndian.Uint64(r.bytes[r.offset:])
	r.offset += 8
	c := binary.LittleEndian.Uint64(r.bytes[r.offset:])
	r.offset += 8
	return xid.TXNID{ParentID64: p, ChildID64: c}
}

func (r *Cursor) WriteXIDS(x xid.XIDS) {
	r.WriteInt64(int64(len(x)))
	for _, t := range x {
		r.WriteTXNID(t)
	}
}

func (r *Cursor) ReadXIDS() xid.XIDS {
	n := r.ReadInt64()
	out := make(xid.XIDS, n)
	for i := range out {
		out[i] = r.ReadTXNID()
	}
	return out
}

func (r *Cursor) WriteInt64(v int64) {
	binary.LittleEndian.PutUint64(r.grow(8), uint64(v))
}

func (r *Cursor) ReadInt64() int64 {
	v := binary.LittleEndian.Uint64(r.bytes[r.offset:])
	r.offset += 8
	return int64(v)
}

func (r *Cursor) WriteByte(b byte) {
	buf := r.grow(1)
	buf[0] = b
}

func (r *Cursor) ReadByte() byte {
	b := r.bytes[r.offset]
	r.offset++
	return b
}

func (r *Cursor) WriteBool(v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	buf := r.grow(1)
	buf[0] = b
}

func (r *Cursor) ReadBool() bool {
	v := r.bytes[r.offset] == 1
	r.offset++
	return v
}

func (r *Cursor) WriteBytes(b []byte) {
	r.WriteInt64(int64(len(b)))
	copy(r.grow(len(b)), b)
}

func (r *Cursor) ReadBytes() []byte {
	n := r.ReadInt64()
	b := r.bytes[r.offset : r.offset+int(n)]
	r.offset += int(n)
	return b
}

func (r *Cursor) WriteString(s string) { r.WriteBytes([]byte(s)) }
func (r *Cursor) ReadString() string   { return string(r.ReadBytes()) }

func (r *Cursor) WriteBlock(b Block) {
	r.WriteString(b.FileName())
	r.WriteInt64(int64(b.Number()))
}

func (r *Cursor) ReadBlock() Block {
	name := r.ReadString()
	num := r.ReadInt64()
	return NewBlock(name, BlockNum(num))
}

func (r *Cursor) Bytes() []byte { return r.bytes[:r.offset] }

func (r *Cursor) grow(n int) []byte {
	if r.bytes == nil {
		r.bytes = make([]byte, 0, n*2)
	}
	start := len(r.bytes)
	if start+n > cap(r.bytes) {
		grown := make([]byte, start, (start+n)*2)
		copy(grown, r.bytes)
		r.bytes = grown
	}
	r.bytes = r.bytes[:start+n]
	r.offset = start + n
	return r.bytes[start : start+n]
}
