package recovery

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// lockFileName is the sentinel recovery takes an exclusive hold on for
// its entire run, preventing two recovery passes from ever racing over
// the same log directory (spec §4.8 "Recovery lock file").
const lockFileName = "__tokudb_recoverylock_dont_delete_me"

// ErrRecoveryInProgress is returned by AcquireLock when another process
// (or an earlier, still-running call in this one) already holds the
// recovery lock file.
var ErrRecoveryInProgress = errors.New("recovery: recovery lock file already held")

// AcquireLock opens (creating exclusively) the recovery lock file in dir.
// The real toku_os_lock_file takes an advisory flock; this stand-in uses
// O_EXCL creation instead, which is sufficient to exclude a second
// concurrent run within one process lifetime but does not survive an
// unclean process exit leaving the file behind (a caller recovering from
// such a crash should remove the stale file itself before retrying).
func AcquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrRecoveryInProgress
		}
		return nil, errors.Wrapf(err, "recovery: creating lock file %q", path)
	}
	return f, nil
}

// ReleaseLock closes and removes the recovery lock file.
func ReleaseLock(dir string, f *os.File) error {
	path := filepath.Join(dir, lockFileName)
	cerr := f.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "recovery: removing lock file %q", path)
	}
	return cerr
}
