package engine

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/chkpt"
	"github.com/luigitni/tokuwal/internal/pagecache"
	"github.com/luigitni/tokuwal/internal/recovery"
	"github.com/luigitni/tokuwal/internal/rollback"
	"github.com/luigitni/tokuwal/internal/storage"
	"github.com/luigitni/tokuwal/internal/txn"
	"github.com/luigitni/tokuwal/internal/txnmgr"
	"github.com/luigitni/tokuwal/internal/walog"
	"github.com/luigitni/tokuwal/internal/xid"
)

// Engine is the single object a caller opens and drives: it owns the log
// writer, page cache, rollback store, transaction manager and checkpoint
// driver, runs recovery at startup when the log's tail is not a clean
// shutdown record, and exposes the mutation/transaction API every other
// component in this module was built to serve (spec §1, "component
// design C1-C9" wired end to end).
type Engine struct {
	cfg Config
	zl  *zap.SugaredLogger

	writer *walog.Writer
	cache  *pagecache.Cache
	rb     *rollback.Store
	mgr    *txnmgr.Manager
	chk    *chkpt.Driver
	eff    rollback.Effects

	stopCheckpointLoop chan struct{}
	loopWG             sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) an Engine rooted at dir, running crash recovery
// first if the log's last record is not a clean shutdown (spec §4.1/§4.8).
// eff is the caller's rollback.Effects implementation; pass NewMapEffects()
// for the in-memory stand-in this module ships.
func Open(dir string, eff rollback.Effects, zl *zap.SugaredLogger, opts ...Option) (*Engine, error) {
	if zl == nil {
		zl = zap.NewNop().Sugar()
	}
	cfg := newConfig(dir, opts)

	bc, err := walog.NewBackwardCursor(dir)
	if err != nil {
		return nil, errors.Wrap(err, "engine: opening backward cursor to check shutdown state")
	}
	cleanShutdown, err := bc.TailIsShutdown()
	if err != nil {
		return nil, errors.Wrap(err, "engine: checking log tail")
	}
	if err := bc.Close(); err != nil {
		return nil, err
	}

	writer, err := walog.Open(dir, zl)
	if err != nil {
		return nil, errors.Wrap(err, "engine: opening log")
	}
	cache, err := pagecache.New(dir, storage.PageSize, zl)
	if err != nil {
		return nil, errors.Wrap(err, "engine: opening page cache")
	}
	rb, err := rollback.Open(cache, zl)
	if err != nil {
		return nil, errors.Wrap(err, "engine: opening rollback store")
	}
	mgr := txnmgr.New(writer, rb, zl)
	chk := chkpt.NewDriver(cache, writer, zl)
	if cfg.LongCheckpointThreshold > 0 {
		chk.LongBeginThreshold = cfg.LongCheckpointThreshold
	}

	e := &Engine{
		cfg:    cfg,
		zl:     zl,
		writer: writer,
		cache:  cache,
		rb:     rb,
		mgr:    mgr,
		chk:    chk,
		eff:    eff,
	}
	chk.OnBegin = e.onCheckpointBegin

	if !cleanShutdown {
		zl.Infow("engine: log tail is not a clean shutdown, running recovery", "dir", dir)
		result, err := recovery.Run(dir, writer, cache, rb, mgr, eff, zl)
		if err != nil {
			return nil, errors.Wrap(err, "engine: recovery")
		}
		zl.Infow("engine: recovery complete",
			"records_replayed", result.RecordsReplayed,
			"roots_aborted", len(result.RootsAborted),
			"roots_prepared", len(result.RootsPrepared),
		)
		if len(result.RootsPrepared) > 0 {
			zl.Warnw("engine: transactions left in PREPARING state after recovery, awaiting caller commit/abort",
				"count", len(result.RootsPrepared))
		}
		// Force a checkpoint once recovery has finished so that a second
		// consecutive crash has a fresh bracket to turn around at, instead
		// of re-replaying everything since the previous one (spec §4.8
		// finalization note "the caller is expected to force a checkpoint").
		if err := e.Checkpoint(chkpt.CallerRecovery); err != nil {
			return nil, errors.Wrap(err, "engine: post-recovery checkpoint")
		}
	} else {
		zl.Infow("engine: clean shutdown detected, skipping recovery", "dir", dir)
	}

	if cfg.CheckpointPeriod > 0 {
		e.startCheckpointLoop(cfg.CheckpointPeriod)
	}

	return e, nil
}

// onCheckpointBegin is wired to chkpt.Driver.OnBegin: for every live or
// prepared transaction it logs an xstillopen/xstillopenprepared record
// carrying the transaction's current rollback chain head, and it logs one
// fassociate record rebinding the rollback cachefile's filenum to its
// iname (spec §4.5 step 5, §4.8 "registering open files and in-flight
// transactions"). No other cachefile gets an fassociate record.
func (e *Engine) onCheckpointBegin(lsn xid.LSN) error {
	if _, err := e.writer.Append(walog.CmdFAssociate, recovery.EncodeFAssociateBody(e.rb.FileNum(), rollback.CachefileName)); err != nil {
		return errors.Wrap(err, "engine: logging fassociate for rollback cachefile")
	}

	for _, t := range e.mgr.LiveTransactions() {
		var parent xid.TXNID
		if p := t.Parent(); p != nil {
			parent = p.ID()
		}
		head, _ := e.rb.Head(t.ID())

		if t.State() == txn.StatePreparing {
			if _, err := e.writer.Append(walog.CmdXStillOpenPrepared,
				recovery.EncodeStillOpenPreparedBody(t.ID(), parent, head, t.XAXid())); err != nil {
				return errors.Wrapf(err, "engine: logging xstillopenprepared for %s", t.ID())
			}
			continue
		}
		if _, err := e.writer.Append(walog.CmdXStillOpen,
			recovery.EncodeStillOpenBody(t.ID(), parent, head)); err != nil {
			return errors.Wrapf(err, "engine: logging xstillopen for %s", t.ID())
		}
	}
	return nil
}

func (e *Engine) startCheckpointLoop(period time.Duration) {
	e.stopCheckpointLoop = make(chan struct{})
	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.Checkpoint(chkpt.CallerScheduled); err != nil {
					e.zl.Errorw("engine: scheduled checkpoint failed", "error", err)
				}
			case <-e.stopCheckpointLoop:
				return
			}
		}
	}()
}

// Checkpoint forces a checkpoint with the given caller id (spec §4.5,
// C6). Most callers should pass chkpt.CallerClient.
func (e *Engine) Checkpoint(caller chkpt.CallerID) error {
	return e.chk.Checkpoint(caller)
}

// Stats returns the checkpoint driver's accumulated diagnostic counters.
func (e *Engine) Stats() chkpt.Stats { return e.chk.Stats() }

// Close stops the background checkpoint loop (if any), runs a shutdown
// checkpoint, logs a final shutdown record, fsyncs and closes the log. It
// does not close the page cache's cachefiles. It is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.stopCheckpointLoop != nil {
			close(e.stopCheckpointLoop)
			e.loopWG.Wait()
		}

		if err := e.Checkpoint(chkpt.CallerShutdown); err != nil {
			e.closeErr = errors.Wrap(err, "engine: checkpoint on close")
			return
		}

		lsn, err := e.writer.Append(walog.CmdShutdown, nil)
		if err != nil {
			e.closeErr = errors.Wrap(err, "engine: logging shutdown record")
			return
		}
		if err := e.writer.FlushIfNotSynced(lsn); err != nil {
			e.closeErr = errors.Wrap(err, "engine: fsync on close")
			return
		}
		if err := e.writer.Close(); err != nil {
			e.closeErr = err
		}
	})
	return e.closeErr
}
