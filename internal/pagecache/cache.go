package pagecache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/xid"
)

// ErrNoSuchPair is returned when Unpin/MarkDirty is called for a page that
// was never pinned.
var ErrNoSuchPair = errors.New("pagecache: no such pair")

// Pair is one cached page together with the bookkeeping the transaction
// core relies on (spec §4.6 "Checkpoint Coordinator"): its dirty/pinned
// state, whether a checkpoint-in-flight has marked it pending, and the
// highest LSN any applied mutation carried (the gate recovery's
// maybe_<op> handlers use for idempotent replay, spec IDM-1).
type Pair struct {
	key       pairKey
	page      *storage.Page
	pins      int
	dirty     bool
	pending   bool // pending-for-checkpoint: sampled at the last begin_checkpoint
	clone     *storage.Page // clone-on-write shadow taken when pending and first mutated
	maxLSN    xid.LSN
}

func (p *Pair) Page() *storage.Page   { return p.page }
func (p *Pair) IsDirty() bool         { return p.dirty }
func (p *Pair) MaxAppliedLSN() xid.LSN { return p.maxLSN }
func (p *Pair) Block() storage.BlockNum { return p.key.blk }
func (p *Pair) File() FileNum           { return p.key.file }

// Cache is the minimal page cache the write-ahead core pins pages
// through: index nodes in the full engine, rollback log nodes here
// (spec §4.2 "so that they benefit from the same pinning, cloning, and
// checkpoint machinery as index nodes").
type Cache struct {
	mu          sync.Mutex
	dir         string
	blockSize   int
	files       map[FileNum]*Cachefile
	pairs       map[pairKey]*Pair
	cleanLRU    *lru.LRU[pairKey, struct{}]
	nextFileNum FileNum
	log         *zap.SugaredLogger

	// ocMu stands in for the cachefile open/close lock the checkpoint
	// driver takes alongside the multi-operation writer lock (spec §4.5
	// step 2). Only LockOpenClose/UnlockOpenClose take it; OpenCachefile
	// and CloseCachefile do not, so holding it does not by itself keep a
	// cachefile from being opened or closed while pages are marked
	// pending.
	ocMu sync.Mutex

	// checkpointInFlight is set between BeginCheckpoint and EndCheckpoint
	// and reported by InCheckpoint. Pin and MarkDirty do not read it;
	// CloneForWrite decides whether to clone from the pair's own pending
	// bit (spec §4.6).
	checkpointInFlight bool
}

func New(dir string, blockSize int, log *zap.SugaredLogger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	evictor, err := lru.NewLRU[pairKey, struct{}](1<<20, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{
		dir:       dir,
		blockSize: blockSize,
		files:     map[FileNum]*Cachefile{},
		pairs:     map[pairKey]*Pair{},
		cleanLRU:  evictor,
		log:       log,
	}, nil
}

// OpenCachefile opens (creating if necessary) a cachefile and assigns it
// the next unused FileNum. Recovery instead uses OpenCachefileAt to
// reconstruct the filenum a fassociate record names (spec §4.8).
func (c *Cache) OpenCachefile(iname string) (*Cachefile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	num := c.nextFileNum
	c.nextFileNum++
	return c.openCachefileLocked(num, iname)
}

func (c *Cache) OpenCachefileAt(num FileNum, iname string) (*Cachefile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if num >= c.nextFileNum {
		c.nextFileNum = num + 1
	}
	return c.openCachefileLocked(num, iname)
}

func (c *Cache) openCachefileLocked(num FileNum, iname string) (*Cachefile, error) {
	if cf, ok := c.files[num]; ok {
		return cf, nil
	}
	cf, err := openCachefile(c.dir, num, iname, c.blockSize)
	if err != nil {
		return nil, err
	}
	c.files[num] = cf
	return cf, nil
}

func (c *Cache) Cachefile(num FileNum) (*Cachefile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cf, ok := c.files[num]
	return cf, ok
}

// CloseCachefile flushes and closes a cachefile; it is the caller's
// responsibility to have unpinned every page first.
func (c *Cache) CloseCachefile(num FileNum) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cf, ok := c.files[num]
	if !ok {
		return nil
	}
	delete(c.files, num)
	return cf.close()
}

// Pin pins the page at (file, block), reading it from disk on first
// access. If a checkpoint is in flight and the page was already dirty and
// pending, the caller's mutation must go through a clone (CloneForWrite)
// rather than the pinned page directly.
func (c *Cache) Pin(file FileNum, block storage.BlockNum) (*Pair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey{file: file, blk: block}
	if p, ok := c.pairs[key]; ok {
		p.pins++
		c.cleanLRU.Remove(key)
		return p, nil
	}

	cf, ok := c.files[file]
	if !ok {
		return nil, errors.Errorf("pagecache: pin on unopened cachefile %d", file)
	}

	page := storage.NewPage()
	if err := cf.readBlock(block, page); err != nil {
		return nil, err
	}

	p := &Pair{key: key, page: page, pins: 1}
	c.pairs[key] = p
	return p, nil
}

// PinForNewEntry allocates a fresh zero-filled page at a never-before-seen
// block, used when the rollback log store needs a brand new node (spec
// §4.2 "get_and_pin_rollback_log_for_new_entry").
func (c *Cache) PinForNewEntry(file FileNum, block storage.BlockNum) (*Pair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey{file: file, blk: block}
	p := &Pair{key: key, page: storage.NewPage(), pins: 1, dirty: true}
	c.pairs[key] = p
	return p, nil
}

// Unpin releases a reference to a pinned page. A page with zero pins
// becomes eligible for eviction (tracked only for diagnostics here; this
// stand-in never evicts under memory pressure).
func (c *Cache) Unpin(p *Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.pins == 0 {
		return errors.Wrap(ErrNoSuchPair, "unpin of already-unpinned pair")
	}
	p.pins--
	if p.pins == 0 && !p.dirty {
		c.cleanLRU.Add(p.key, struct{}{})
	}
	return nil
}

// MarkDirty flags p as modified and bumps its max-applied LSN, the gate
// recovery's maybe_<op> handlers consult (spec IDM-1). If a checkpoint has
// this page pending and it is not yet cloned, CloneForWrite must be called
// by the caller before mutating page contents in place.
func (c *Cache) MarkDirty(p *Pair, lsn xid.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.dirty = true
	if lsn > p.maxLSN {
		p.maxLSN = lsn
	}
}

// CloneForWrite returns the page content a mutator should write into: if a
// checkpoint has this page pending, it snapshots the pre-checkpoint bytes
// into p.clone (so EndCheckpoint can still flush the old version) and lets
// the mutation proceed against the live page (spec §4.6: "the page cache
// clones the page before accepting modifications").
func (c *Cache) CloneForWrite(p *Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.pending && p.clone == nil {
		clone := storage.NewPage()
		copy(clone.Contents(), p.page.Contents())
		p.clone = clone
	}
}

// Free releases a page entirely: the rollback store calls it for each
// node it retires (spec §4.2 "unpin_and_remove") and then offers that
// block to its give-back slot.
func (c *Cache) Free(p *Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pairs, p.key)
	c.cleanLRU.Remove(p.key)
}

// BeginCheckpoint marks every dirty pair pending-for-checkpoint and
// returns the count, mirroring cachetable_begin_checkpoint's contract
// (spec §4.6). Called by the checkpoint driver while holding the
// multi-operation writer lock.
func (c *Cache) BeginCheckpoint() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpointInFlight = true
	n := 0
	for _, p := range c.pairs {
		if p.dirty {
			p.pending = true
			n++
		}
	}
	return n
}

// EndCheckpoint streams every pending pair (its clone if one was taken,
// otherwise its live bytes) to disk, fsyncs every touched cachefile, and
// clears the pending/clone state (spec §4.6).
func (c *Cache) EndCheckpoint() error {
	c.mu.Lock()
	pending := make([]*Pair, 0)
	touched := map[FileNum]struct{}{}
	for _, p := range c.pairs {
		if p.pending {
			pending = append(pending, p)
			touched[p.key.file] = struct{}{}
		}
	}
	c.mu.Unlock()

	for _, p := range pending {
		cf, ok := c.Cachefile(p.key.file)
		if !ok {
			continue
		}
		page := p.page
		if p.clone != nil {
			page = p.clone
		}
		if err := cf.writeBlock(p.key.blk, page); err != nil {
			return errors.Wrap(err, "pagecache: writing pending page during end_checkpoint")
		}
	}

	for fn := range touched {
		if cf, ok := c.Cachefile(fn); ok {
			if err := cf.sync(); err != nil {
				return errors.Wrap(err, "pagecache: fsync during end_checkpoint")
			}
		}
	}

	c.mu.Lock()
	for _, p := range pending {
		p.pending = false
		p.clone = nil
		p.dirty = false
	}
	c.checkpointInFlight = false
	c.mu.Unlock()

	return nil
}

// LockOpenClose and UnlockOpenClose bracket the checkpoint driver's
// begin_checkpoint call (spec §4.5 step 2/4); OpenCachefile/CloseCachefile
// do not take this lock themselves since the driver only needs to exclude
// the checkpoint window, not every ordinary open.
func (c *Cache) LockOpenClose()   { c.ocMu.Lock() }
func (c *Cache) UnlockOpenClose() { c.ocMu.Unlock() }

// InCheckpoint reports whether a checkpoint's begin/end window is open.
func (c *Cache) InCheckpoint() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointInFlight
}
