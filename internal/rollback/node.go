package rollback

import (
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/xid"
)

// node is one page-resident rollback log node: a small ordered run of
// roll entries plus a link to the previous (older) node in the owning
// transaction's chain. Entries are appended newest-last; apply walks a
// node newest-to-oldest and then follows Previous (spec §4.2 "rollback
// log node... holds a sequence number, a link to the previous node, and
// the entries themselves in a singly linked list from newest to
// oldest").
type node struct {
	txnid    xid.TXNID
	sequence int64
	previous storage.BlockNum
	entries  []RollEntry

	// footprint is the running encoded-byte total of entries, the signal
	// SaveRollback uses to decide when to spill to a fresh node.
	footprint int
}

func newNode(id xid.TXNID, sequence int64, previous storage.BlockNum) *node {
	return &node{txnid: id, sequence: sequence, previous: previous}
}

func (n *node) append(e RollEntry) {
	n.entries = append(n.entries, e)
	n.footprint += len(Encode(e)) + entryOverhead
}

// entryOverhead approximates the per-entry bookkeeping cost (slice
// header plus the 1-byte type tag) the original's memarena accounting
// folds into its footprint estimate.
const entryOverhead = 24

func (n *node) encode() []byte {
	c := storage.NewCursor(nil)
	c.WriteTXNID(n.txnid)
	c.WriteInt64(n.sequence)
	c.WriteInt64(int64(n.previous))
	c.WriteInt64(int64(len(n.entries)))
	for _, e := range n.entries {
		c.WriteBytes(Encode(e))
	}
	return c.Bytes()
}

func decodeNode(raw []byte) (*node, error) {
	c := storage.NewCursor(raw)
	n := &node{
		txnid:    c.ReadTXNID(),
		sequence: c.ReadInt64(),
		previous: storage.BlockNum(c.ReadInt64()),
	}
	count := c.ReadInt64()
	n.entries = make([]RollEntry, 0, count)
	for i := int64(0); i < count; i++ {
		body := c.ReadBytes()
		e, err := Decode(body)
		if err != nil {
			return nil, err
		}
		n.append(e)
	}
	return n, nil
}
