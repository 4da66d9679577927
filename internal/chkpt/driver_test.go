package chkpt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

func newTestDriver(t *testing.T) (*Driver, *pagecache.Cache) {
	t.Helper()
	cache, err := pagecache.New(t.TempDir(), storage.PageSize, nil)
	require.NoError(t, err)
	w, err := walog.Open(t.TempDir(), nil)
	require.NoError(t, err)
	return NewDriver(cache, w, nil), cache
}

func TestRWLockIsWriterPreferential(t *testing.T) {
	l := newRWLock()
	l.RLock()

	writerAcquired := make(chan struct{})
	go func() {
		l.Lock()
		close(writerAcquired)
		l.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, l.waiters())

	blocked := make(chan struct{})
	go func() {
		l.RLock()
		close(blocked)
		l.RUnlock()
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-blocked:
		t.Fatal("a new reader must not jump ahead of a waiting writer")
	default:
	}

	l.RUnlock()
	<-writerAcquired
	<-blocked
}

func TestCheckpointMarksPagesAndAdvancesStats(t *testing.T) {
	d, cache := newTestDriver(t)
	cf, err := cache.OpenCachefile("data.tokudb")
	require.NoError(t, err)

	p, err := cache.PinForNewEntry(cf.Num(), 0)
	require.NoError(t, err)
	cache.MarkDirty(p, 1)
	require.NoError(t, cache.Unpin(p))

	require.NoError(t, d.Checkpoint(CallerClient))

	stats := d.Stats()
	require.Equal(t, uint64(1), stats.TotalCheckpoints)
	require.Equal(t, uint64(1), stats.CallerWaits[CallerClient])
	require.False(t, cache.InCheckpoint())
}

func TestOnBeginCallbackRunsUnderCheckpointSafe(t *testing.T) {
	d, _ := newTestDriver(t)
	var gotLSN xid.LSN
	var heldSafe bool
	d.OnBegin = func(lsn xid.LSN) error {
		gotLSN = lsn
		heldSafe = d.safe.writerActive
		return nil
	}

	require.NoError(t, d.Checkpoint(CallerStartup))
	require.Greater(t, int64(gotLSN), int64(0))
	require.True(t, heldSafe, "OnBegin must run while checkpoint-safe is held in writer mode")
}

func TestConcurrentScheduledCheckpointsCollapse(t *testing.T) {
	d, _ := newTestDriver(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Checkpoint(CallerScheduled)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, d.Stats().TotalCheckpoints, uint64(1))
}

func TestLongBeginThresholdIsRecorded(t *testing.T) {
	d, _ := newTestDriver(t)
	d.LongBeginThreshold = 0
	d.mo.Lock()
	go func() {
		time.Sleep(5 * time.Millisecond)
		d.mo.Unlock()
	}()
	require.NoError(t, d.Checkpoint(CallerRecovery))
	require.GreaterOrEqual(t, d.Stats().LongBeginCount, uint64(1))
}
