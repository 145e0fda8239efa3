package batch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/relicta-tech/wtguard/internal/errors"
)

// RunLockSuffix is appended to the build state path to name the file that
// keeps two runs from driving the same record at once.
const RunLockSuffix = ".run"

// WithRunLock makes Run hold an exclusive flock on path for its whole
// duration. A Run that finds the lock held fails with an error matching
// errors.ErrRunActive without loading the record.
func WithRunLock(path string) Option {
	return func(r *Runner) {
		r.runLock = path
	}
}

// lockRun takes the run lock without waiting. The returned func releases it.
func lockRun(path string) (func(), error) {
	const op = "batch.Run"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.KindLock, op, "cannot create directory for run lock %s", path)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindLock, op, "cannot take run lock %s", path)
	}
	if !ok {
		return nil, errors.From(errors.ErrRunActive, op, fmt.Sprintf("another batch run holds %s", path), nil).
			WithDetail("path", path)
	}
	return func() { _ = fl.Unlock() }, nil
}
