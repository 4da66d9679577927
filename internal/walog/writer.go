package walog

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/xid"
)

// ErrLogPanicked is the fallback error for a set sticky panic flag (spec §7
// "Propagation policy"). Once a prior I/O error has set the flag, Append
// and FlushIfNotSynced return that saved error; ErrLogPanicked is returned
// only if none was saved. The other Writer methods do not check the flag.
var ErrLogPanicked = errors.New("walog: logger panicked, refusing further writes")

const (
	frameLengthPrefix = 4      // leading total-length field, enables forward scan without an index
	frameHeaderSize   = 1 + 8  // command byte + LSN
	frameTrailer      = 4 + 4  // crc32 + trailing total length, enables backward scan
	// defaultSegmentSoftMax is lg_max: a configurable soft maximum segment
	// size before a new segment is started.
	defaultSegmentSoftMax = 64 * 1024 * 1024
)

// Writer is the append-only segmented recovery log (spec §4.1, C2). It
// exposes log_append, log_fsync_if_lsn_not_fsynced, log_last_lsn,
// log_maybe_trim, log_open/close/restart, and the forward/backward
// cursors built on top of the same segment files (cursor.go).
type Writer struct {
	dir         string
	segmentMax  int64
	log         *zap.SugaredLogger

	// inputMu guards LSN assignment only; there is no in-memory input
	// buffer. Append writes each frame under outputMu, the same lock
	// FlushIfNotSynced holds across its fsync, so appends and fsyncs
	// serialize against each other.
	inputMu sync.Mutex
	latest  atomic.Uint64 // latest assigned LSN

	// outputMu guards the open file handle, its write offset and the
	// fsync position.
	outputMu   sync.Mutex
	file       *os.File
	fileSeq    int64
	fileOffset int64
	syncedLSN  atomic.Uint64

	segHighest map[int64]xid.LSN // highest LSN observed per segment sequence, for trimming

	panicked atomic.Bool
	panicErr atomic.Pointer[error]
}

// Open opens (or creates) the log directory and positions the writer at
// the tail of the most recent segment, creating the first segment if the
// directory is empty.
func Open(dir string, log *zap.SugaredLogger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "walog: creating log directory %q", dir)
	}

	w := &Writer{
		dir:        dir,
		segmentMax: defaultSegmentSoftMax,
		log:        log,
		segHighest: map[int64]xid.LSN{},
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	if len(segs) == 0 {
		if err := w.rollSegment(0); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := segs[len(segs)-1]
	f, err := os.OpenFile(last.path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "walog: opening segment %q", last.path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	w.fileSeq = last.seq
	w.fileOffset = fi.Size()

	bc, err := NewBackwardCursor(dir)
	if err != nil {
		f.Close()
		return nil, err
	}
	rec, err := bc.Prev()
	bc.Close()
	if err != nil && err != io.EOF {
		f.Close()
		return nil, err
	}
	if err == nil {
		w.latest.Store(uint64(rec.LSN))
	}
	return w, nil
}

// IsEmpty reports whether the writer is positioned at offset 0 of segment
// 0, i.e. nothing has been written to the log (spec §4.1 "Failure
// semantics"). Nothing in this module calls it.
func (w *Writer) IsEmpty() bool {
	w.outputMu.Lock()
	defer w.outputMu.Unlock()
	return w.fileSeq == 0 && w.fileOffset == 0
}

func (w *Writer) rollSegment(seq int64) error {
	path := w.dir + string(os.PathSeparator) + segmentName(seq)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "walog: creating segment %q", path)
	}
	w.file = f
	w.fileSeq = seq
	w.fileOffset = 0
	return nil
}

func (w *Writer) setPanic(err error) error {
	w.panicked.Store(true)
	w.panicErr.Store(&err)
	w.log.Errorw("walog: logger panicked", "error", err)
	return err
}

func (w *Writer) checkPanic() error {
	if w.panicked.Load() {
		if p := w.panicErr.Load(); p != nil {
			return *p
		}
		return ErrLogPanicked
	}
	return nil
}

// Append serializes cmd+body into a framed record, assigns it the next
// LSN, and writes it via pwrite to the current segment. fsync is never
// implicit; callers request durability explicitly via FlushIfNotSynced.
func (w *Writer) Append(cmd Command, body []byte) (xid.LSN, error) {
	if err := w.checkPanic(); err != nil {
		return xid.ZeroLSN, err
	}
	if !cmd.Valid() {
		return xid.ZeroLSN, errors.Errorf("walog: invalid command %d", cmd)
	}

	w.inputMu.Lock()
	lsn := xid.LSN(w.latest.Add(1))
	w.inputMu.Unlock()

	frame := w.encodeFrame(cmd, lsn, body)

	w.outputMu.Lock()
	defer w.outputMu.Unlock()

	if w.fileOffset+int64(len(frame)) > w.segmentMax {
		if err := w.file.Sync(); err != nil {
			return xid.ZeroLSN, w.setPanic(errors.Wrap(err, "walog: fsync before segment roll"))
		}
		w.file.Close()
		if err := w.rollSegment(w.fileSeq + 1); err != nil {
			return xid.ZeroLSN, w.setPanic(err)
		}
	}

	n, err := w.file.WriteAt(frame, w.fileOffset)
	if err != nil || n != len(frame) {
		return xid.ZeroLSN, w.setPanic(errors.Wrap(err, "walog: short write or I/O error"))
	}
	w.fileOffset += int64(len(frame))
	w.segHighest[w.fileSeq] = lsn

	return lsn, nil
}

func (w *Writer) encodeFrame(cmd Command, lsn xid.LSN, body []byte) []byte {
	total := frameLengthPrefix + frameHeaderSize + len(body) + frameTrailer
	buf := make([]byte, total)
	putUint32(buf, uint32(total))

	bodyStart := frameLengthPrefix
	buf[bodyStart] = byte(cmd)
	binary.LittleEndian.PutUint64(buf[bodyStart+1:], uint64(lsn))
	copy(buf[bodyStart+frameHeaderSize:], body)

	crcEnd := bodyStart + frameHeaderSize + len(body)
	crc := crcOf(buf[bodyStart:crcEnd])
	putUint32(buf[crcEnd:], crc)
	putUint32(buf[crcEnd+4:], uint32(total))
	return buf
}

// LastLSN returns the highest LSN assigned so far.
func (w *Writer) LastLSN() xid.LSN {
	return xid.LSN(w.latest.Load())
}

// FlushIfNotSynced fsyncs the log only if lsn has not already been made
// durable, matching spec §4.1's "fsync only if the on-disk-sync position
// is behind" rule.
func (w *Writer) FlushIfNotSynced(lsn xid.LSN) error {
	if err := w.checkPanic(); err != nil {
		return err
	}
	if xid.LSN(w.syncedLSN.Load()) >= lsn {
		return nil
	}

	w.outputMu.Lock()
	defer w.outputMu.Unlock()

	if err := w.file.Sync(); err != nil {
		return w.setPanic(errors.Wrap(err, "walog: fsync"))
	}
	w.syncedLSN.Store(uint64(w.latest.Load()))
	return nil
}

// MaybeTrim deletes every segment whose highest LSN is <= lastCompleted,
// never touching the segment currently open for writes (spec §4.1/§6,
// IV-8). Only segments this Writer has appended to since Open are
// considered; segments already on disk at Open are never trimmed.
func (w *Writer) MaybeTrim(lastCompleted xid.LSN) error {
	w.outputMu.Lock()
	defer w.outputMu.Unlock()

	segs, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	for _, s := range segs {
		if s.seq == w.fileSeq {
			continue
		}
		highest, ok := w.segHighest[s.seq]
		if !ok || highest > lastCompleted {
			continue
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "walog: trimming segment %q", s.path)
		}
		delete(w.segHighest, s.seq)
		w.log.Debugw("walog: trimmed segment", "path", s.path, "highest_lsn", highest)
	}
	return nil
}

// Restart resumes logging after recovery has finished applying the log up
// to lsn, per spec §4.8 finalization step "logger_restart(lastlsn)".
func (w *Writer) Restart(lsn xid.LSN) error {
	w.inputMu.Lock()
	if uint64(lsn) > w.latest.Load() {
		w.latest.Store(uint64(lsn))
	}
	w.inputMu.Unlock()
	return nil
}

// Close fsyncs and closes the current segment file.
func (w *Writer) Close() error {
	w.outputMu.Lock()
	defer w.outputMu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	cerr := w.file.Close()
	w.file = nil
	if err != nil {
		return err
	}
	return cerr
}
