package recovery

import (
	"io"

	"github.com/pkg/errors"

	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

// scanState names the four positions the backward/forward scan moves
// through (spec §4.8 "Scan state machine").
type scanState int

const (
	stateBackwardNewerCheckpointEnd scanState = iota
	stateBackwardBetweenCheckpointBeginEnd
	stateForwardBetweenCheckpointBeginEnd
	stateForwardNewerCheckpointEnd
)

// ErrDoubleEndCheckpoint is returned when the backward pass sees a second
// end_checkpoint record before finding the begin_checkpoint that matches
// the first one: the log is corrupt (spec §4.8 "Backward pass
// invariants").
var ErrDoubleEndCheckpoint = errors.New("recovery: two end_checkpoint records with no intervening begin_checkpoint")

// turnaround is what the backward pass discovers: the LSN of the
// begin_checkpoint record the forward pass must restart from, or the
// zero value if the log was never checkpointed at all (in which case the
// forward pass must replay the whole log from its first record).
type turnaround struct {
	found bool
	lsn   xid.LSN
}

// scanBackward walks dir's log newest-to-oldest looking for the most
// recent complete begin/end checkpoint bracket. Only end_checkpoint and
// begin_checkpoint are meaningful backward; every other record is a
// no-op in this direction (spec §4.8 "Backward pass invariants").
func scanBackward(dir string) (turnaround, error) {
	cur, err := walog.NewBackwardCursor(dir)
	if err != nil {
		return turnaround{}, err
	}
	defer cur.Close()

	state := stateBackwardNewerCheckpointEnd
	var wantBeginLSN xid.LSN

	for {
		rec, err := cur.Prev()
		if err == io.EOF {
			return turnaround{}, nil
		}
		if err != nil {
			return turnaround{}, err
		}

		switch rec.Command {
		case walog.CmdEndCheckpoint:
			if state == stateBackwardBetweenCheckpointBeginEnd {
				return turnaround{}, ErrDoubleEndCheckpoint
			}
			wantBeginLSN = decodeEndCheckpointBody(rec.Body)
			state = stateBackwardBetweenCheckpointBeginEnd

		case walog.CmdBeginCheckpoint:
			if state == stateBackwardBetweenCheckpointBeginEnd && rec.LSN == wantBeginLSN {
				return turnaround{found: true, lsn: rec.LSN}, nil
			}
		}
	}
}

func decodeEndCheckpointBody(body []byte) xid.LSN {
	c := walog.NewRbuf(body)
	return c.ReadLSN()
}
