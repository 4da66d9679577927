// Package storage holds the field-level codec shared by the log writer,
// the rollback log store and the (stubbed) page cache: a fixed-size Page
// buffer plus fixed/variable length field accessors. It is adapted from
// the teacher repo's storage package, generalized to also serialize log
// records and roll entries rather than only index-node fields.
package storage

import (
	"encoding/binary"
	"hash/crc32"
	"math"
)

// PageSize is the size, in bytes, of a page managed by the page cache.
// The WAL does not use pages: its segments are streams of framed records.
const PageSize = 8 * 1024

// Offset is the offset of a field within a page.
type Offset uint32

// Size is the byte size of a field.
type Size uint32

const (
	SizeOfOffset Size = 4
	SizeOfSize   Size = 4

	SizeOfTinyInt  Size = 1
	SizeOfSmallInt Size = 2
	SizeOfInt      Size = 4
	SizeOfLong     Size = 8

	SizeOfLSN   Size = 8
	SizeOfTxnID Size = 16

	SizeOfVarlenHeader Size = 4
	MaxVarlen          Size = Size(math.MaxUint32)
)

type (
	TinyInt  uint8
	SmallInt uint16
	Int      uint32
	Long     uint64
)

// Integer enumerates the fixed-width integer types the codec supports.
type Integer interface {
	TinyInt | SmallInt | Int | Long
}

// FixedLen is a byte slice holding a fixed-width encoded value.
type FixedLen []byte

func (f FixedLen) Size() Size { return Size(len(f)) }

// Varlen is a variable-length value: a 4-byte little-endian length prefix
// followed by that many data bytes.
type Varlen []byte

func (v Varlen) Len() Int    { return Int(binary.LittleEndian.Uint32(v[:SizeOfVarlenHeader])) }
func (v Varlen) Size() Int   { return v.Len() + Int(SizeOfVarlenHeader) }
func (v Varlen) Data() []byte { return v[SizeOfVarlenHeader:] }

func NewVarlen(data []byte) Varlen {
	buf := make([]byte, SizeOfVarlenHeader+Size(len(data)))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[SizeOfVarlenHeader:], data)
	return Varlen(buf)
}

func FixedFromInteger[V Integer](size Size, v V) FixedLen {
	buf := make([]byte, size)
	switch size {
	case SizeOfTinyInt:
		buf[0] = byte(v)
	case SizeOfSmallInt:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case SizeOfInt:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case SizeOfLong:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	}
	return FixedLen(buf)
}

func IntegerFromFixed[V Integer](f FixedLen) V {
	switch len(f) {
	case int(SizeOfTinyInt):
		return V(f[0])
	case int(SizeOfSmallInt):
		return V(binary.LittleEndian.Uint16(f))
	case int(SizeOfInt):
		return V(binary.LittleEndian.Uint32(f))
	case int(SizeOfLong):
		return V(binary.LittleEndian.Uint64(f))
	}
	return 0
}

// Page is a fixed-size in-memory buffer that the file/page-cache layer
// reads and writes as a unit. Record fields are addressed by byte offset;
// callers that need CRC-checked framing (the log writer, the rollback log
// store) layer that on top via Checksum.
type Page struct {
	buf [PageSize]byte
}

func NewPage() *Page { return &Page{} }

func (p *Page) Contents() []byte { return p.buf[:] }

func (p *Page) Slice(from, to Offset) []byte { return p.buf[from:to] }

func (p *Page) SetFixedLen(offset Offset, val FixedLen) {
	copy(p.buf[offset:int(offset)+len(val)], val)
}

func (p *Page) GetFixedLen(offset Offset, size Size) FixedLen {
	return FixedLen(p.buf[offset : Offset(size)+offset])
}

func (p *Page) SetInt(offset Offset, v int) {
	p.SetFixedLen(offset, FixedFromInteger(SizeOfLong, Long(v)))
}

func (p *Page) GetInt(offset Offset) int {
	return int(IntegerFromFixed[Long](p.GetFixedLen(offset, SizeOfLong)))
}

// WriteVarlen writes raw bytes at offset, length-prefixed, and returns the
// total number of bytes the encoded field occupies.
func (p *Page) WriteVarlen(offset Offset, raw []byte) Size {
	v := NewVarlen(raw)
	copy(p.buf[offset:int(offset)+len(v)], v)
	return Size(len(v))
}

func (p *Page) GetVarlen(offset Offset) Varlen {
	length := binary.LittleEndian.Uint32(p.buf[offset:])
	end := int(offset) + int(SizeOfVarlenHeader) + int(length)
	return Varlen(p.buf[offset:end])
}

func (p *Page) SetString(offset Offset, s string) Size {
	return p.WriteVarlen(offset, []byte(s))
}

func (p *Page) GetString(offset Offset) string {
	return string(p.GetVarlen(offset).Data())
}

func (p *Page) Copy(src, dst, length Offset) {
	copy(p.buf[dst:dst+length], p.buf[src:src+length])
}

// Checksum computes the CRC32 (IEEE) of buf[0:end), the framing the log
// writer and the rollback log store both use to detect a torn write.
func Checksum(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}
