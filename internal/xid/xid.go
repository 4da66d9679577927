// Package xid defines the identifier types shared across the write-ahead
// transaction core: log sequence numbers, transaction ids, and the XIDS
// ancestor stack attached to every logged message (spec §3, component C1).
package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// LSN is a 64-bit monotone log-sequence number assigned by the log writer.
// It is totally ordered; ZeroLSN means "none".
type LSN uint64

// ZeroLSN is the sentinel meaning "no LSN assigned".
const ZeroLSN LSN = 0

func (l LSN) Less(other LSN) bool { return l < other }

// TXNID identifies a transaction. A root transaction carries only
// ParentID64 (its own id) with ChildID64 == 0. A child transaction shares
// its root's ParentID64 and carries its own ChildID64.
type TXNID struct {
	ParentID64 uint64
	ChildID64  uint64
}

// NoneTXNID is the sentinel "no transaction" value.
var NoneTXNID = TXNID{}

func RootTXNID(id uint64) TXNID { return TXNID{ParentID64: id} }

func ChildTXNID(parent TXNID, childID uint64) TXNID {
	return TXNID{ParentID64: parent.ParentID64, ChildID64: childID}
}

func (t TXNID) IsRoot() bool { return t.ChildID64 == 0 }

func (t TXNID) IsNone() bool { return t == NoneTXNID }

// RootID returns the ancestor root id that owns this (possibly child) txn.
func (t TXNID) RootID() uint64 { return t.ParentID64 }

func (t TXNID) Less(other TXNID) bool {
	if t.ParentID64 != other.ParentID64 {
		return t.ParentID64 < other.ParentID64
	}
	return t.ChildID64 < other.ChildID64
}

func (t TXNID) Equal(other TXNID) bool {
	return t.ParentID64 == other.ParentID64 && t.ChildID64 == other.ChildID64
}

func (t TXNID) String() string {
	if t.ChildID64 == 0 {
		return fmt.Sprintf("txn(%d)", t.ParentID64)
	}
	return fmt.Sprintf("txn(%d.%d)", t.ParentID64, t.ChildID64)
}

// XIDS is the ordered root->leaf ancestor chain of a nested transaction.
// Log records do not carry it: each record names only the logging
// transaction's TXNID (and, for xbegin, its parent's).
type XIDS []TXNID

// RootXIDS returns the XIDS stack for a single root transaction.
func RootXIDS(root TXNID) XIDS { return XIDS{root} }

// Extend appends a child id to form the child's XIDS stack.
func (x XIDS) Extend(child TXNID) XIDS {
	out := make(XIDS, len(x)+1)
	copy(out, x)
	out[len(x)] = child
	return out
}

// Innermost returns the leaf (most deeply nested) txnid.
func (x XIDS) Innermost() TXNID {
	if len(x) == 0 {
		return NoneTXNID
	}
	return x[len(x)-1]
}

// Root returns the outermost (root) txnid.
func (x XIDS) Root() TXNID {
	if len(x) == 0 {
		return NoneTXNID
	}
	return x[0]
}

// XAXid is an opaque, externally-supplied identifier (up to 140 bytes) used
// for two-phase-commit handshakes with an outer coordinator (spec §3 "XA
// xid"). It is stored as a fixed 140-byte array, matching the original
// format, and populated from a google/uuid value in tests and the demo CLI.
type XAXid [140]byte

func (x XAXid) IsZero() bool {
	return x == XAXid{}
}

// NewXAXid synthesizes an XA xid from a random UUID. Real deployments
// receive this identifier from an external two-phase-commit coordinator;
// this constructor exists for callers (tests, the demo CLI) that need to
// exercise the prepare path without one.
func NewXAXid() XAXid {
	var x XAXid
	id := uuid.New()
	copy(x[:], id[:])
	return x
}
