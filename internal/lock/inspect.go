package lock

import (
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/relicta-tech/wtguard/internal/errors"
)

// Status describes the lock resource as seen from outside any holder.
type Status struct {
	Path   string        `json:"path"`
	Exists bool          `json:"exists"`
	Size   int64         `json:"size"`
	Age    time.Duration `json:"age"`
	Stale  bool          `json:"stale"`
	// Held is known only on the advisory path, where it is tested with a
	// non-blocking lock attempt. On the exclusive-create path a lock file that
	// exists and is not stale is considered held.
	Held       bool          `json:"held"`
	Mode       Mode          `json:"mode"`
	StaleAfter time.Duration `json:"stale_after"`
}

// Inspect reports the current state of the lock resource.
func (m *Manager) Inspect() (*Status, error) {
	st := &Status{
		Path:       m.opts.Path,
		Mode:       ModeExclusiveCreate,
		StaleAfter: m.opts.StaleAfter,
	}
	if m.useAdvisory() {
		st.Mode = ModeAdvisory
	}

	info, err := os.Stat(m.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, errors.IOWrap(err, "lock.Inspect", "cannot inspect lock")
	}

	now := m.opts.Now()
	st.Exists = true
	st.Size = info.Size()
	st.Age = now.Sub(info.ModTime())

	if st.Mode == ModeAdvisory {
		held, err := probeAdvisory(m.opts.Path)
		if err == nil {
			st.Held = held
			return st, nil
		}
		st.Mode = ModeExclusiveCreate
	}

	st.Stale = IsStale(info, m.opts.StaleAfter, now)
	st.Held = !st.Stale
	return st, nil
}

// ClearStale removes the lock file only if it is judged stale. It reports
// whether a file was removed. A removal failure matches
// errors.ErrLockResourceUnwritable.
func (m *Manager) ClearStale() (bool, error) {
	unlock, err := m.guardReclaim(false)
	if err != nil {
		// Another process is reclaiming right now.
		return false, nil
	}
	defer unlock()

	st, err := m.Inspect()
	if err != nil {
		return false, err
	}
	if !st.Exists || !st.Stale {
		return false, nil
	}

	if err := os.Remove(m.opts.Path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.From(errors.ErrLockResourceUnwritable, "lock.ClearStale",
			fmt.Sprintf("stale lock %s could not be removed", m.opts.Path), err)
	}
	m.metrics.IncStaleReclaimed()
	m.logger.Info("cleared stale lock", "path", m.opts.Path, "age", st.Age.Round(time.Second))
	return true, nil
}

// probeAdvisory reports whether some process currently holds an advisory
// lock on path.
func probeAdvisory(path string) (bool, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, err
	}
	if ok {
		_ = fl.Unlock()
		return false, nil
	}
	return true, nil
}
