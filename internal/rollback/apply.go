package rollback

import (
	"github.com/pkg/errors"

	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/xid"
)

// progressInterval is how many entries apply processes between progress
// callbacks (spec §4.9 "poll the progress callback every 1024 entries so
// a long abort of a bulk-loaded transaction still reports liveness").
const progressInterval = 1024

// ProgressFunc is invoked periodically during Apply with the number of
// entries processed so far.
type ProgressFunc func(processed int64)

// ErrCorruptChain is returned by Apply when a node's sequence number does
// not decrement by exactly one from the node before it, the corruption
// check spec §4.9 calls "verify contents" on every pin during apply.
var ErrCorruptChain = errors.New("rollback: chain sequence corrupt")

// Apply walks id's rollback chain from newest to oldest, calling either
// Commit or Rollback on every entry depending on committed, then retires
// each node as it is fully processed (spec §4.9 "apply_txn"). It is a
// no-op, not an error, if the transaction never logged anything. lsn is
// the commit/abort record's own LSN; callers pass it through for
// diagnostics (it is not consulted as a replay gate here, since Apply
// only ever runs once per transaction, live or during recovery, never
// twice against the same chain).
func Apply(s *Store, id xid.TXNID, lsn xid.LSN, committed bool, eff Effects, progress ProgressFunc) error {
	s.mu.Lock()
	head, ok := s.heads[id]
	delete(s.heads, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var processed int64
	expected := int64(-1)
	if err := applyChainFrom(s, head, committed, eff, &processed, progress, &expected); err != nil {
		return errors.Wrapf(err, "rollback: applying chain for %s (lsn %d)", id, lsn)
	}
	return nil
}

// applyChainFrom walks the node chain rooted at head, retiring each node
// as it finishes. Shared between Apply's top-level walk and the
// recursive descent into a RollInclude marker's child subchain.
//
// expected tracks the sequence number the next pinned node must carry;
// -1 means no node has been seen yet on this walk (the head node sets
// the baseline instead of being checked against it). Every node after
// that must decrement by exactly one, the chain-corruption check spec
// §4.2/§4.9 call "rollback_verify_contents... called on every pin during
// apply."
func applyChainFrom(s *Store, head storage.BlockNum, committed bool, eff Effects, processed *int64, progress ProgressFunc, expected *int64) error {
	blk := head
	for blk != storage.EOF {
		pair, n, err := s.pinNode(blk)
		if err != nil {
			return err
		}

		if *expected != -1 && n.sequence != *expected {
			_ = s.cache.Unpin(pair)
			return errors.Wrapf(ErrCorruptChain, "node %d has sequence %d, want %d", blk, n.sequence, *expected)
		}
		*expected = n.sequence - 1

		if err := applyNode(s, n, committed, eff, processed, progress); err != nil {
			_ = s.cache.Unpin(pair)
			return err
		}

		if err := s.prefetchPrevious(n); err != nil {
			s.freeBlock(pair)
			return err
		}
		next := n.previous
		s.freeBlock(pair)
		blk = next
	}
	return nil
}

// applyNode dispatches every entry in n in newest-to-oldest order (the
// order they were appended in reverse), recursing into RollInclude
// entries to apply a nested child's spliced-in chain inline (spec
// §4.4/§4.9).
func applyNode(s *Store, n *node, committed bool, eff Effects, processed *int64, progress ProgressFunc) error {
	for i := len(n.entries) - 1; i >= 0; i-- {
		e := n.entries[i]

		if inc, ok := e.(*RollInclude); ok {
			// A spliced-in child subchain has its own independent
			// sequence numbering, so it is checked against its own
			// baseline rather than the parent chain's expected value.
			childExpected := int64(-1)
			if err := applyChainFrom(s, inc.ChildHead, committed, eff, processed, progress, &childExpected); err != nil {
				return err
			}
			continue
		}

		var err error
		if committed {
			err = e.Commit(eff)
		} else {
			err = e.Rollback(eff)
		}
		if err != nil {
			return err
		}

		before := *processed
		*processed++
		if progress != nil && before/progressInterval != (*processed)/progressInterval {
			progress(*processed)
		}
	}
	return nil
}
