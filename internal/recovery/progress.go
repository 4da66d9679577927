package recovery

import (
	"time"

	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/xid"
)

// progressRecordInterval and progressTimeInterval gate how often the scan
// reports liveness (spec §4.8 "Progress reporting": every 1000 records,
// if >=15s elapsed since the last print). Only the forward pass reports;
// the backward scan has no reporter.
const (
	progressRecordInterval = 1000
	progressTimeInterval   = 15 * time.Second
)

type progressReporter struct {
	zl        *zap.SugaredLogger
	direction string
	target    xid.LSN
	last      time.Time
	count     int64
}

func newProgressReporter(zl *zap.SugaredLogger, direction string, target xid.LSN) *progressReporter {
	return &progressReporter{zl: zl, direction: direction, target: target, last: time.Now()}
}

func (p *progressReporter) tick(current xid.LSN) {
	p.count++
	if p.count%progressRecordInterval != 0 {
		return
	}
	if time.Since(p.last) < progressTimeInterval {
		return
	}
	p.last = time.Now()
	remaining := int64(p.target) - int64(current)
	if remaining < 0 {
		remaining = 0
	}
	p.zl.Infow("recovery: scan progress",
		"direction", p.direction,
		"current_lsn", current,
		"target_lsn", p.target,
		"records_remaining_estimate", remaining,
	)
}
