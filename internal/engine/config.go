// Package engine wires the write-ahead transaction core (walog, pagecache,
// rollback, txn, txnmgr, chkpt, recovery) into the single object a caller
// actually talks to: Engine. It owns startup recovery, exposes the
// mutation/transaction API, and drives periodic checkpointing.
//
// Grounded on the teacher's db.DB (which opens/owns the FileMgr, LogMgr and
// BufferMgr behind one constructor and hands out transactions), generalized
// to the larger C1-C9 component set this module implements.
package engine

import "time"

// Config configures a new Engine. Dir is the only required field; the
// rest default to the values TokuFT itself uses (spec §4.2, §4.5).
type Config struct {
	// Dir is the directory the write-ahead log, rollback cachefile and
	// any dictionaries created via CreateFile live in.
	Dir string

	// CheckpointPeriod is how often the background checkpoint loop fires.
	// Zero disables the background loop; callers may still call
	// Checkpoint directly.
	CheckpointPeriod time.Duration

	// LongCheckpointThreshold overrides chkpt.Driver.LongBeginThreshold.
	LongCheckpointThreshold time.Duration
}

// Option mutates a Config at construction time, following the functional
// options pattern used elsewhere in the retrieved corpus for this kind of
// multi-field, mostly-defaulted configuration struct.
type Option func(*Config)

// WithCheckpointPeriod sets the background checkpoint loop's interval.
func WithCheckpointPeriod(d time.Duration) Option {
	return func(c *Config) { c.CheckpointPeriod = d }
}

// WithLongCheckpointThreshold overrides the duration after which a
// checkpoint's begin phase counts as "long" (spec §4.5).
func WithLongCheckpointThreshold(d time.Duration) Option {
	return func(c *Config) { c.LongCheckpointThreshold = d }
}

func newConfig(dir string, opts []Option) Config {
	cfg := Config{
		Dir:              dir,
		CheckpointPeriod: 0,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
