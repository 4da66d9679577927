package walog

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/luigitni/tokuwal/internal/storage"
)

// ErrCorrupt signals a CRC mismatch, a truncated frame, or a length
// mismatch between a frame's leading and trailing length fields. Per
// spec §4.1/§7 this always terminates the recovery scan with
// DB_RUNRECOVERY-equivalent behavior.
var ErrCorrupt = errors.New("walog: corrupt log record")

func decodeFrame(raw []byte) (Record, error) {
	if len(raw) < frameLengthPrefix+frameHeaderSize+frameTrailer {
		return Record{}, errors.Wrap(ErrCorrupt, "short frame")
	}
	total := getUint32(raw)
	if int(total) != len(raw) {
		return Record{}, errors.Wrap(ErrCorrupt, "length prefix mismatch")
	}

	bodyStart := frameLengthPrefix
	crcEnd := len(raw) - frameTrailer
	trailerLen := getUint32(raw[crcEnd+4:])
	if trailerLen != total {
		return Record{}, errors.Wrap(ErrCorrupt, "length trailer mismatch")
	}

	gotCRC := getUint32(raw[crcEnd:])
	wantCRC := crcOf(raw[bodyStart:crcEnd])
	if gotCRC != wantCRC {
		return Record{}, errors.Wrap(ErrCorrupt, "CRC32 mismatch")
	}

	cmd := Command(raw[bodyStart])
	rb := storage.NewCursor(raw[bodyStart+1 : bodyStart+1+8])
	lsn := rb.ReadLSN()

	return Record{
		Command: cmd,
		LSN:     lsn,
		Body:    raw[bodyStart+frameHeaderSize : crcEnd],
	}, nil
}

// ForwardCursor walks segment files oldest-to-newest, yielding records in
// the order they were appended (used by the forward recovery pass, spec
// §4.8).
type ForwardCursor struct {
	segs    []segmentInfo
	segIdx  int
	file    *os.File
	pos     int64
	size    int64
}

// NewForwardCursor opens a forward cursor over dir starting at the first
// segment (log_open semantics for the forward direction).
func NewForwardCursor(dir string) (*ForwardCursor, error) {
	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	c := &ForwardCursor{segs: segs, segIdx: -1}
	if len(segs) == 0 {
		return c, nil
	}
	if err := c.openSegment(0); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ForwardCursor) openSegment(idx int) error {
	if c.file != nil {
		c.file.Close()
	}
	f, err := os.Open(c.segs[idx].path)
	if err != nil {
		return errors.Wrapf(err, "walog: opening segment %q", c.segs[idx].path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	c.segIdx = idx
	c.file = f
	c.pos = 0
	c.size = fi.Size()
	return nil
}

// Next returns the next record, io.EOF when the log is exhausted, or
// ErrCorrupt on a torn/invalid frame.
func (c *ForwardCursor) Next() (Record, error) {
	for {
		if c.file == nil {
			return Record{}, io.EOF
		}
		if c.pos >= c.size {
			if c.segIdx+1 >= len(c.segs) {
				return Record{}, io.EOF
			}
			if err := c.openSegment(c.segIdx + 1); err != nil {
				return Record{}, err
			}
			continue
		}

		lenBuf := make([]byte, frameLengthPrefix)
		if _, err := c.file.ReadAt(lenBuf, c.pos); err != nil {
			return Record{}, errors.Wrap(ErrCorrupt, "reading frame length prefix")
		}
		total := int64(getUint32(lenBuf))
		if total <= 0 || c.pos+total > c.size {
			return Record{}, errors.Wrap(ErrCorrupt, "frame overruns segment")
		}

		raw := make([]byte, total)
		if _, err := c.file.ReadAt(raw, c.pos); err != nil {
			return Record{}, errors.Wrap(ErrCorrupt, "short read")
		}

		rec, err := decodeFrame(raw)
		if err != nil {
			return Record{}, err
		}
		c.pos += total
		return rec, nil
	}
}

func (c *ForwardCursor) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// BackwardCursor walks segment files newest-to-oldest, yielding records in
// reverse append order (used by the backward recovery pass, spec §4.8).
type BackwardCursor struct {
	segs   []segmentInfo
	segIdx int
	file   *os.File
	pos    int64
}

// NewBackwardCursor opens a backward cursor positioned at the tail of the
// newest segment.
func NewBackwardCursor(dir string) (*BackwardCursor, error) {
	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	c := &BackwardCursor{segs: segs, segIdx: len(segs)}
	if len(segs) == 0 {
		return c, nil
	}
	if err := c.openSegment(len(segs) - 1); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *BackwardCursor) openSegment(idx int) error {
	if c.file != nil {
		c.file.Close()
	}
	f, err := os.Open(c.segs[idx].path)
	if err != nil {
		return errors.Wrapf(err, "walog: opening segment %q", c.segs[idx].path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	c.segIdx = idx
	c.file = f
	c.pos = fi.Size()
	return nil
}

// TailIsShutdown reports whether the very last record in the log is a
// CmdShutdown record; its absence is the trigger for crash recovery
// (spec §4.1).
func (c *BackwardCursor) TailIsShutdown() (bool, error) {
	rec, err := c.Prev()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Command == CmdShutdown, nil
}

// Prev returns the previous record, walking backward, io.EOF at the head
// of the log.
func (c *BackwardCursor) Prev() (Record, error) {
	for {
		if c.file == nil {
			return Record{}, io.EOF
		}
		if c.pos <= 0 {
			if c.segIdx <= 0 {
				return Record{}, io.EOF
			}
			if err := c.openSegment(c.segIdx - 1); err != nil {
				return Record{}, err
			}
			continue
		}

		trailerBuf := make([]byte, 4)
		if _, err := c.file.ReadAt(trailerBuf, c.pos-4); err != nil {
			return Record{}, errors.Wrap(ErrCorrupt, "reading frame length trailer")
		}
		total := int64(getUint32(trailerBuf))
		start := c.pos - total
		if total <= 0 || start < 0 {
			return Record{}, errors.Wrap(ErrCorrupt, "frame underruns segment")
		}

		raw := make([]byte, total)
		if _, err := c.file.ReadAt(raw, start); err != nil {
			return Record{}, errors.Wrap(ErrCorrupt, "short read")
		}

		rec, err := decodeFrame(raw)
		if err != nil {
			return Record{}, err
		}
		c.pos = start
		return rec, nil
	}
}

func (c *BackwardCursor) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
