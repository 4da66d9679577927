package walog

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/tokuwal/internal/xid"
)

func TestAppendAndForwardCursorRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, nil)
	require.NoError(t, err)

	var lsns []xid.LSN
	for i := 0; i < 5; i++ {
		rb := &Rbuf{}
		rb.WriteTXNID(xid.RootTXNID(uint64(i + 1)))
		lsn, err := w.Append(CmdXBegin, rb.Bytes())
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, w.Close())

	cur, err := NewForwardCursor(dir)
	require.NoError(t, err)
	defer cur.Close()

	var got []xid.LSN
	for {
		rec, err := cur.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, CmdXBegin, rec.Command)
		got = append(got, rec.LSN)
	}
	require.Equal(t, lsns, got)
}

func TestBackwardCursorReversesOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, nil)
	require.NoError(t, err)

	var lsns []xid.LSN
	for i := 0; i < 4; i++ {
		lsn, err := w.Append(CmdComment, []byte("hello"))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, w.Close())

	cur, err := NewBackwardCursor(dir)
	require.NoError(t, err)
	defer cur.Close()

	var got []xid.LSN
	for {
		rec, err := cur.Prev()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, rec.LSN)
	}

	require.Len(t, got, len(lsns))
	for i, lsn := range got {
		require.Equal(t, lsns[len(lsns)-1-i], lsn)
	}
}

func TestCorruptRecordFailsClosed(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = w.Append(CmdComment, []byte("ok"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segs, err := listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 1)

	// Flip a byte in the body to break the CRC.
	raw, err := os.ReadFile(segs[0].path)
	require.NoError(t, err)
	raw[frameLengthPrefix+frameHeaderSize] ^= 0xFF
	require.NoError(t, os.WriteFile(segs[0].path, raw, 0o644))

	cur, err := NewForwardCursor(dir)
	require.NoError(t, err)
	defer cur.Close()

	_, err = cur.Next()
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestMaybeTrimRemovesOldSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, nil)
	require.NoError(t, err)
	w.segmentMax = frameLengthPrefix + frameHeaderSize + frameTrailer + 8 // force a roll per record

	var last xid.LSN
	for i := 0; i < 3; i++ {
		last, err = w.Append(CmdComment, []byte{byte(i)})
		require.NoError(t, err)
	}

	segsBefore, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segsBefore), 1)

	require.NoError(t, w.MaybeTrim(last))
	require.NoError(t, w.Close())

	segsAfter, err := listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segsAfter, 1, "only the current segment should remain")
}
