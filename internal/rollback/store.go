package rollback

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/xid"
)

// CachefileName is the single shared file every transaction's rollback
// chain lives in (spec §3 "Rollback log node... stored as pages in a
// dedicated cachefile"). Exported so recovery's fassociate handler can
// recognize it and pin its max-acceptable-LSN to the checkpoint's
// begin-LSN (spec §9, issue #3113).
const CachefileName = "tokudb.rollback"

// spillThreshold bounds how many bytes of encoded entries a node may hold
// before a fresh node is chained in front of it (spec §4.2
// "maybe_spill"). Kept well under storage.PageSize so the encoded node
// always fits in one page.
const spillThreshold = storage.PageSize / 2

// ErrNoRollbackLog is returned by getAndPinRollbackLog (and so VerifyHead)
// for a transaction that never logged anything; Apply treats that case as
// an empty chain and returns nil.
var ErrNoRollbackLog = errors.New("rollback: transaction has no rollback log")

// Store is the rollback log store: it pins/unpins rollback nodes through
// the page cache exactly like an index would, so the same checkpoint and
// eviction machinery covers both (spec §4.2).
type Store struct {
	mu    sync.Mutex
	cache *pagecache.Cache
	file  *pagecache.Cachefile
	log   *zap.SugaredLogger

	heads   map[xid.TXNID]storage.BlockNum
	nextBlk storage.BlockNum

	// giveBack is the one-slot reuse cache: the single most recently
	// freed node block, handed back to the next allocation instead of
	// growing the file (spec §4.2 "give_rollback_log_node").
	giveBack *storage.BlockNum
}

// FileNum returns the pagecache.FileNum of the single cachefile backing
// every rollback chain, so callers logging an fassociate record for it
// (the checkpoint driver's OnBegin hook, spec §4.5 step 5) know which
// filenum to bind CachefileName to.
func (s *Store) FileNum() pagecache.FileNum {
	return s.file.Num()
}

func Open(cache *pagecache.Cache, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cf, err := cache.OpenCachefile(CachefileName)
	if err != nil {
		return nil, errors.Wrap(err, "rollback: opening rollback cachefile")
	}
	nextBlk, err := cf.BlockCount()
	if err != nil {
		return nil, errors.Wrap(err, "rollback: sizing rollback cachefile")
	}
	return &Store{
		cache:   cache,
		file:    cf,
		log:     log,
		heads:   map[xid.TXNID]storage.BlockNum{},
		nextBlk: nextBlk,
	}, nil
}

func (s *Store) allocateBlock() storage.BlockNum {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.giveBack != nil {
		blk := *s.giveBack
		s.giveBack = nil
		return blk
	}
	blk := s.nextBlk
	s.nextBlk++
	return blk
}

// giveBackBlock offers blk to the one-slot reuse cache; if the slot is
// already occupied the older entry is dropped and this Store never hands
// that block out again (the original's "only the most recent one is
// kept" behavior).
func (s *Store) giveBackBlock(blk storage.BlockNum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.giveBack = &blk
}

func (s *Store) pinNode(blk storage.BlockNum) (*pagecache.Pair, *node, error) {
	pair, err := s.cache.Pin(s.file.Num(), blk)
	if err != nil {
		return nil, nil, err
	}
	n, err := decodeNode(pair.Page().Contents())
	if err != nil {
		_ = s.cache.Unpin(pair)
		return nil, nil, errors.Wrapf(err, "rollback: decoding node at block %d", blk)
	}
	return pair, n, nil
}

// newNodeAt creates id's node at blk chained onto previous. seq is the
// node's position in id's chain: 0 for its first node, and one more than
// the node it is chained onto for every spill after that.
func (s *Store) newNodeAt(blk storage.BlockNum, id xid.TXNID, previous storage.BlockNum, seq int64) (*pagecache.Pair, *node, error) {
	pair, err := s.cache.PinForNewEntry(s.file.Num(), blk)
	if err != nil {
		return nil, nil, err
	}
	n := newNode(id, seq, previous)
	return pair, n, nil
}

// getAndPinRollbackLog pins the current head node of id's rollback chain.
// It returns ErrNoRollbackLog if the transaction has never logged
// anything.
func (s *Store) getAndPinRollbackLog(id xid.TXNID) (*pagecache.Pair, *node, error) {
	s.mu.Lock()
	blk, ok := s.heads[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrNoRollbackLog
	}
	return s.pinNode(blk)
}

// getAndPinRollbackLogForNewEntry returns a pinned, writable node for id,
// allocating a fresh one (chained onto the previous head) the first time
// the transaction logs anything (spec §4.2
// "get_and_pin_rollback_log_for_new_entry").
func (s *Store) getAndPinRollbackLogForNewEntry(id xid.TXNID) (*pagecache.Pair, *node, error) {
	s.mu.Lock()
	blk, ok := s.heads[id]
	s.mu.Unlock()
	if ok {
		return s.pinNode(blk)
	}

	newBlk := s.allocateBlock()
	pair, n, err := s.newNodeAt(newBlk, id, storage.EOF, 0)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.heads[id] = newBlk
	s.mu.Unlock()
	return pair, n, nil
}

// SaveRollback appends entry to id's rollback chain, spilling to a fresh
// node first if the current head has grown past spillThreshold (spec
// §4.2 "save_rollback_<type>").
func (s *Store) SaveRollback(id xid.TXNID, entry RollEntry) error {
	pair, n, err := s.getAndPinRollbackLogForNewEntry(id)
	if err != nil {
		return err
	}

	if n.footprint >= spillThreshold {
		prevBlk := pair.Block()
		prevSeq := n.sequence
		s.writeBack(pair, n)
		if err := s.cache.Unpin(pair); err != nil {
			return err
		}

		newBlk := s.allocateBlock()
		pair, n, err = s.newNodeAt(newBlk, id, prevBlk, prevSeq+1)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.heads[id] = newBlk
		s.mu.Unlock()
	}

	n.append(entry)
	s.writeBack(pair, n)
	return s.cache.Unpin(pair)
}

func (s *Store) writeBack(pair *pagecache.Pair, n *node) {
	s.cache.CloneForWrite(pair)
	copy(pair.Page().Contents(), n.encode())
	s.cache.MarkDirty(pair, xid.ZeroLSN)
}

// previous pins the node before n in the chain, or returns (nil, nil, nil)
// once the chain is exhausted. apply.go does not call it: its walk pins
// n.previous itself, right after prefetchPrevious.
func (s *Store) previous(n *node) (*pagecache.Pair, *node, error) {
	if n.previous == storage.EOF {
		return nil, nil, nil
	}
	return s.pinNode(n.previous)
}

// prefetchPrevious eagerly pins and unpins the previous node in the
// chain so that the pin of that node apply.go makes right after almost
// always hits an already-resident page. The real engine issues this as
// an asynchronous read-ahead; collapsed to a synchronous call here since
// the page cache stand-in has no async I/O path.
func (s *Store) prefetchPrevious(n *node) error {
	if n.previous == storage.EOF {
		return nil
	}
	pair, _, err := s.pinNode(n.previous)
	if err != nil {
		return err
	}
	return s.cache.Unpin(pair)
}

// PromoteChild splices child's rollback chain into parent's by appending
// a RollInclude marker entry to parent pointing at child's head node,
// then forgets child's own head association (ownership of that chain
// now flows only through the marker). It is a no-op if child never
// logged anything (spec §4.4 "nested commit promotes rollback state to
// parent").
func (s *Store) PromoteChild(parent, child xid.TXNID) error {
	s.mu.Lock()
	childHead, ok := s.heads[child]
	if ok {
		delete(s.heads, child)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.SaveRollback(parent, &RollInclude{ChildHead: childHead})
}

// UnpinAndRemove drops id's chain head association, frees the head node's
// page and offers its block to the one-slot give-back cache (spec §4.2
// "unpin_and_remove"). Only the head node is freed; the nodes behind it
// are not touched.
func (s *Store) UnpinAndRemove(id xid.TXNID) error {
	s.mu.Lock()
	blk, ok := s.heads[id]
	if ok {
		delete(s.heads, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	pair, err := s.cache.Pin(s.file.Num(), blk)
	if err != nil {
		return err
	}
	s.freeBlock(pair)
	return nil
}

// freeBlock unpins and frees a single node's page, offering its block to
// the give-back cache. Used by apply.go as it retires each node along a
// chain it has fully processed (both head and interior nodes).
func (s *Store) freeBlock(pair *pagecache.Pair) {
	blk := pair.Block()
	s.cache.Free(pair)
	s.giveBackBlock(blk)
}

// verifyContents re-encodes n and compares it against the bytes currently
// backing pair, catching any drift between the in-memory node and what
// would be written to disk (mirrors the original's rollback_log_verify
// debug assertion).
func verifyContents(pair *pagecache.Pair, n *node) error {
	encoded := n.encode()
	want := storage.Checksum(encoded)
	got := storage.Checksum(pair.Page().Contents()[:len(encoded)])
	if want != got {
		return errors.New("rollback: node contents do not match pinned page")
	}
	return nil
}

// Head returns id's current rollback chain head block, if it has one.
// Used by the checkpoint coordinator to capture xstillopen state (spec
// §4.8 "restore its rollback-log head/tail/current blocknums").
func (s *Store) Head(id xid.TXNID) (storage.BlockNum, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.heads[id]
	return blk, ok
}

// RestoreHead reinstalls id's chain head block, used by recovery when
// reconstructing a live or prepared transaction from an xstillopen
// record (spec §4.8). head == storage.EOF means the transaction never
// logged anything and no head should be recorded.
func (s *Store) RestoreHead(id xid.TXNID, head storage.BlockNum) {
	if head == storage.EOF {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads[id] = head
}

// VerifyHead re-derives id's head node from its pinned page and confirms
// it round-trips to the same bytes, the consistency check the package
// tests drive.
func (s *Store) VerifyHead(id xid.TXNID) error {
	pair, n, err := s.getAndPinRollbackLog(id)
	if err != nil {
		return err
	}
	defer s.cache.Unpin(pair)
	return verifyContents(pair, n)
}
