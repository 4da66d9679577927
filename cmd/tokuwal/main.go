// Command tokuwal is a minimal smoke-test harness for internal/engine. It
// opens an Engine against a directory, runs crash recovery if needed, and
// optionally forces a checkpoint, logging everything through zap the way
// the rest of this module does. It is not a database server; the CLI
// surface is explicitly out of scope (spec §6).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luigitni/tokuwal/internal/chkpt"
	"github.com/luigitni/tokuwal/internal/engine"
	"github.com/luigitni/tokuwal/internal/xid"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dir              string
		checkpointPeriod int64
		forceCheckpoint  bool
		verbose          bool
		demoPrepare      bool
	)

	cmd := &cobra.Command{
		Use:   "tokuwal",
		Short: "Open a tokuwal write-ahead transaction log and run recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			zl, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer zl.Sync()

			var opts []engine.Option
			if checkpointPeriod > 0 {
				opts = append(opts, engine.WithCheckpointPeriod(time.Duration(checkpointPeriod)*time.Second))
			}

			e, err := engine.Open(dir, engine.NewMapEffects(), zl, opts...)
			if err != nil {
				return err
			}
			defer e.Close()

			if demoPrepare {
				t, err := e.Begin(nil)
				if err != nil {
					return err
				}
				xaXid := xid.NewXAXid()
				if err := t.Prepare(xaXid); err != nil {
					return err
				}
				zl.Infow("prepared demo transaction, left for external XA recovery", "txn", t.ID(), "xa_xid", xaXid)
			}

			if forceCheckpoint {
				if err := e.Checkpoint(chkpt.CallerClient); err != nil {
					return err
				}
			}

			stats := e.Stats()
			zl.Infow("engine opened",
				"dir", dir,
				"checkpoints", stats.TotalCheckpoints,
				"last_checkpoint_lsn", stats.LastCheckpointLSN,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the log, rollback cachefile and dictionaries")
	cmd.Flags().Int64Var(&checkpointPeriod, "checkpoint-period-seconds", 0, "background checkpoint interval in seconds (0 disables the loop)")
	cmd.Flags().BoolVar(&forceCheckpoint, "checkpoint", false, "force one checkpoint immediately after opening")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	cmd.Flags().BoolVar(&demoPrepare, "demo-prepare", false, "begin and XA-prepare one transaction, then leave it for a later recover_root_txn caller")

	return cmd
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
