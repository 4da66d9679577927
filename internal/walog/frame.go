package walog

import (
	"encoding/binary"

	"github.com/luigitni/tokuwal/internal/storage"
)

func crcOf(b []byte) uint32 {
	return storage.Checksum(b)
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

func getUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
