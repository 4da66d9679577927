// Package txn implements the Transaction object and its lifecycle state
// machine (spec §4.3, component C4): the states a transaction moves
// through from BEGIN to CLOSE, the first-write lazy xbegin log record,
// the fsync-on-commit durability rule, and nested commit's promotion of
// rollback state to the parent instead of discarding it.
//
// Adapted from the teacher's tx.RecoveryManager, which plays a similar
// role (owns a transaction's log records and drives its Commit/Rollback)
// but never modeled nesting or nested-commit promotion, since the
// teacher's transactions are always flat.
package txn

import "fmt"

// State enumerates the points in a transaction's lifecycle (spec §4.3).
type State int32

const (
	StateLive State = iota
	StatePreparing
	StateCommitting
	StateAborting
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StatePreparing:
		return "preparing"
	case StateCommitting:
		return "committing"
	case StateAborting:
		return "aborting"
	case StateRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}
