package storage

import "fmt"

// Block addresses a fixed-size page within a named file by its logical
// block number. It plays the role of a BLOCKNUM paired with a cachefile
// name: the transaction core never interprets file contents, only ever
// asks the page cache to pin/unpin one of these.
type Block struct {
	filename string
	number   BlockNum
	id       string
}

// BlockNum is the logical page address within a cachefile.
type BlockNum int64

// EOF is the sentinel block number meaning "no block": it ends a rollback
// chain's previous-node link and stands for "no head" in a recorded
// chain head, mirroring the teacher's file.EOF convention.
const EOF BlockNum = -1

func NewBlock(filename string, number BlockNum) Block {
	return Block{
		filename: filename,
		number:   number,
		id:       fmt.Sprintf("f:%sb:%d", filename, number),
	}
}

func (b Block) FileName() string { return b.filename }
func (b Block) Number() BlockNum { return b.number }
func (b Block) ID() string       { return b.id }

func (b Block) Equals(other Block) bool {
	return b.filename == other.filename && b.number == other.number
}

func (b Block) String() string {
	return fmt.Sprintf("file %q block %d", b.filename, b.number)
}
