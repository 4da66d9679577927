// Package pagecache is a deliberately minimal stand-in for the fractal-tree
// page cache (spec §1 "Out of scope... the page cache"). The transaction
// core (the rollback log store, C3, and the checkpoint coordinator, C7)
// only ever consumes the contract spelled out in spec §4.2/§4.6: pin/unpin,
// dirty/clean, clone-on-write against a pending checkpoint, and the
// begin/end checkpoint callbacks. This package implements exactly that
// contract and nothing of the fractal-tree node format it would carry in
// the full engine.
//
// Adapted from the teacher's buffer package (buffer.Manager's pin/unpin/
// flush discipline), generalized with a pending-for-checkpoint bit and a
// clone-on-write path neither teacher package needed.
package pagecache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/xid"
)

// FileNum identifies an open cachefile, the unit fassociate records bind
// to a file name during recovery (spec §4.8).
type FileNum uint32

// Cachefile is one open file backing some set of pinned pages: an index
// dictionary, or the single shared rollback cachefile (spec §3 "Rollback
// log node... stored as pages in a dedicated cachefile").
type Cachefile struct {
	num      FileNum
	iname    string
	file     *os.File
	blockSize int

	// maxAcceptableLSN is set during recovery, for the rollback cachefile
	// specifically, to the begin-LSN of the checkpoint whose fassociate
	// record bound it (spec §4.8, issue #3113). It is only stored and
	// returned by MaxAcceptableLSN: Pin does not consult it, so pages are
	// read whatever LSN wrote them.
	maxAcceptableLSN xid.LSN
}

func (cf *Cachefile) Num() FileNum   { return cf.num }
func (cf *Cachefile) IName() string  { return cf.iname }
func (cf *Cachefile) MaxAcceptableLSN() xid.LSN { return cf.maxAcceptableLSN }
func (cf *Cachefile) SetMaxAcceptableLSN(lsn xid.LSN) { cf.maxAcceptableLSN = lsn }

// BlockCount returns the number of blockSize-sized blocks currently on
// disk for this cachefile, so a reopened allocator (the rollback log
// store's nextBlk, in particular) can resume past whatever was already
// written rather than overwriting it (spec §4.2, implicit in "log_open"
// restoring allocator state across a restart).
func (cf *Cachefile) BlockCount() (storage.BlockNum, error) {
	fi, err := cf.file.Stat()
	if err != nil {
		return 0, err
	}
	return storage.BlockNum(fi.Size() / int64(cf.blockSize)), nil
}

func openCachefile(dir string, num FileNum, iname string, blockSize int) (*Cachefile, error) {
	path := filepath.Join(dir, iname)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "pagecache: opening cachefile %q", path)
	}
	return &Cachefile{
		num:       num,
		iname:     iname,
		file:      f,
		blockSize: blockSize,
		maxAcceptableLSN: xid.LSN(^uint64(0)),
	}, nil
}

func (cf *Cachefile) readBlock(block storage.BlockNum, p *storage.Page) error {
	_, err := cf.file.ReadAt(p.Contents(), int64(block)*int64(cf.blockSize))
	if err != nil && !errors.Is(err, os.ErrClosed) && err.Error() != "EOF" {
		// Short reads past the current end of file are expected for a
		// block that has never been written; the page is left zeroed.
		if _, ok := err.(interface{ Timeout() bool }); ok {
			return err
		}
	}
	return nil
}

func (cf *Cachefile) writeBlock(block storage.BlockNum, p *storage.Page) error {
	_, err := cf.file.WriteAt(p.Contents(), int64(block)*int64(cf.blockSize))
	return err
}

func (cf *Cachefile) sync() error {
	return cf.file.Sync()
}

func (cf *Cachefile) close() error {
	return cf.file.Close()
}

// pairKey identifies one cached page.
type pairKey struct {
	file FileNum
	blk  storage.BlockNum
}

func (k pairKey) String() string { return fmt.Sprintf("%d:%d", k.file, k.blk) }
