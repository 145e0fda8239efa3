// Package lock serializes repository-mutating operations across processes
// sharing one git repository.
//
// Two acquisition paths exist. The advisory path takes a kernel file lock on
// the lock resource and is preferred where the filesystem supports it. The
// exclusive-create path creates a zero-length lock file with O_EXCL and
// reclaims it when it is judged stale. Both paths wait with the same
// exponential backoff until the configured timeout elapses.
package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/relicta-tech/wtguard/internal/errors"
	"github.com/relicta-tech/wtguard/internal/observability"
)

// FileName is the lock resource name inside the git common directory.
const FileName = "wtguard.lock"

// ReclaimSuffix names the sidecar file that guards stale reclaim and release
// on the exclusive-create path.
const ReclaimSuffix = ".reclaim"

// Defaults for lock acquisition.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultStaleAfter   = 60 * time.Second
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 16 * time.Second
)

// Mode identifies how a lock was obtained.
type Mode string

const (
	// ModeAdvisory is a kernel advisory lock on the lock resource.
	ModeAdvisory Mode = "advisory"
	// ModeExclusiveCreate is an O_EXCL-created lock file.
	ModeExclusiveCreate Mode = "exclusive-create"
)

// errBusy signals that another holder has the lock and the attempt should be retried.
var errBusy = stderrors.New("lock is held by another process")

// Options configures a Manager.
type Options struct {
	// Path is the lock resource. Required.
	Path string
	// Timeout bounds the cumulative wait. Zero means a single attempt.
	Timeout time.Duration
	// StaleAfter is the age after which a zero-length lock file is reclaimed.
	StaleAfter time.Duration
	// Advisory prefers kernel advisory locking when supported.
	Advisory bool
	// InitialDelay and MaxDelay shape the backoff schedule.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	Logger  *log.Logger
	Metrics observability.Recorder
	// Now is used for stale judgment. Defaults to time.Now.
	Now func() time.Time
}

// Manager grants the repository lock.
type Manager struct {
	opts    Options
	logger  *log.Logger
	metrics observability.Recorder

	mu             sync.Mutex
	advisoryBroken bool

	// onAttempt, when set, runs before every acquisition attempt.
	onAttempt func()
}

// NewManager creates a lock manager for the given options.
func NewManager(opts Options) *Manager {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Timeout < 0 {
		opts.Timeout = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		metrics: observability.OrNoop(opts.Metrics),
	}
}

// PathFor returns the lock resource path for a git common directory.
func PathFor(gitCommonDir string) string {
	return filepath.Join(gitCommonDir, FileName)
}

// Path returns the lock resource path.
func (m *Manager) Path() string {
	return m.opts.Path
}

// Timeout returns the configured acquisition timeout.
func (m *Manager) Timeout() time.Duration {
	return m.opts.Timeout
}

// Handle is a granted lock. It must be released exactly once; extra calls
// to Release are no-ops.
type Handle struct {
	Path       string
	Timeout    time.Duration
	PID        int
	Token      string
	Mode       Mode
	AcquiredAt time.Time

	once    sync.Once
	release func() error
	err     error
}

// Release gives up the lock.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.release != nil {
			h.err = h.release()
		}
	})
	return h.err
}

// Acquire blocks until the lock is granted, the timeout elapses, or ctx is
// done. On timeout it returns an error matching errors.ErrLockTimeout and the
// lock resource is left untouched. No attempt is made after the timeout: a
// backoff sleep that would cross it is cut short by one last attempt at the
// deadline.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	const op = "lock.Acquire"

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	r := retry.New[*Handle](retry.Config{
		MaxAttempts:   m.maxAttempts(),
		InitialDelay:  m.opts.InitialDelay,
		MaxDelay:      m.opts.MaxDelay,
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    2.0,
		Jitter:        false,
		IsRetryable: func(err error) bool {
			return stderrors.Is(err, errBusy)
		},
		OnRetry: func(attempt int, _ error) {
			m.logger.Debug("lock busy, backing off", "path", m.opts.Path, "attempt", attempt)
		},
	})

	h, err := r.Do(waitCtx, func(context.Context) (*Handle, error) {
		return m.attempt()
	})
	if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		h, err = m.attempt()
	}

	wait := time.Since(start)
	if err == nil {
		m.metrics.ObserveLockWait(observability.OutcomeAcquired, wait)
		return h, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		m.metrics.ObserveLockWait(observability.OutcomeError, wait)
		return nil, ctxErr
	}

	// Still busy at the deadline or after the last attempt.
	if stderrors.Is(err, errBusy) {
		m.metrics.ObserveLockWait(observability.OutcomeTimeout, wait)
		return nil, m.timeoutError(op)
	}

	var domainErr *errors.Error
	if stderrors.As(err, &domainErr) {
		switch domainErr.Code {
		case errors.CodeLockUnavailable:
			m.metrics.ObserveLockWait(observability.OutcomeDegraded, wait)
		default:
			m.metrics.ObserveLockWait(observability.OutcomeError, wait)
		}
		return nil, domainErr
	}

	m.metrics.ObserveLockWait(observability.OutcomeDegraded, wait)
	return nil, errors.From(errors.ErrLockUnavailable, op, "", err)
}

func (m *Manager) attempt() (*Handle, error) {
	if m.onAttempt != nil {
		m.onAttempt()
	}
	return m.tryAcquire()
}

// WithLock runs fn while holding the lock and releases it on every exit path.
func (m *Manager) WithLock(ctx context.Context, fn func(*Handle) error) error {
	h, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := h.Release(); relErr != nil {
			m.logger.Warn("failed to release lock", "path", h.Path, "error", relErr)
		}
	}()
	return fn(h)
}

// maxAttempts bounds the retry loop. Every delay is at least InitialDelay,
// so the timeout always ends the loop first.
func (m *Manager) maxAttempts() int {
	n := int(m.opts.Timeout/m.opts.InitialDelay) + 2
	if n < 1 {
		n = 1
	}
	return n
}

func (m *Manager) timeoutError(op string) error {
	return errors.From(errors.ErrLockTimeout, op,
		fmt.Sprintf("timed out after %s waiting for lock %s", m.opts.Timeout, m.opts.Path), nil).
		WithDetail("path", m.opts.Path)
}

// tryAcquire makes one non-blocking acquisition attempt on the preferred path.
func (m *Manager) tryAcquire() (*Handle, error) {
	if m.useAdvisory() {
		h, err := m.tryAdvisory()
		if err == nil || stderrors.Is(err, errBusy) {
			return h, err
		}
		if !advisoryUnsupported(err) {
			return nil, errors.From(errors.ErrLockUnavailable, "lock.Acquire",
				fmt.Sprintf("cannot lock %s", m.opts.Path), err)
		}
		m.mu.Lock()
		m.advisoryBroken = true
		m.mu.Unlock()
		m.logger.Debug("advisory locking unsupported, using exclusive create", "path", m.opts.Path, "error", err)
	}
	return m.tryExclusive()
}

func (m *Manager) useAdvisory() bool {
	if !m.opts.Advisory {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.advisoryBroken
}

func (m *Manager) tryAdvisory() (*Handle, error) {
	fl := flock.New(m.opts.Path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errBusy
	}
	return m.newHandle(ModeAdvisory, fl.Unlock), nil
}

// tryExclusive creates the lock file with O_EXCL. An existing stale file is
// reclaimed and creation is retried once, without consuming backoff time.
func (m *Manager) tryExclusive() (*Handle, error) {
	const op = "lock.Acquire"

	owned, err := m.createExclusive()
	if err != nil {
		return nil, err
	}
	if owned != nil {
		return m.exclusiveHandle(owned), nil
	}

	info, err := os.Stat(m.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Released between create and stat.
			return m.retryCreate()
		}
		return nil, errors.From(errors.ErrLockUnavailable, op,
			fmt.Sprintf("cannot inspect lock %s", m.opts.Path), err)
	}
	if !IsStale(info, m.opts.StaleAfter, m.opts.Now()) {
		return nil, errBusy
	}

	if err := m.reclaim(info, op); err != nil {
		return nil, err
	}
	return m.retryCreate()
}

// reclaim removes the lock file judged stale from info. It runs under the
// reclaim guard and removes the file only if it is still that same file and
// still stale; a replaced file means another waiter won and errBusy is
// returned.
func (m *Manager) reclaim(judged os.FileInfo, op string) error {
	unlock, err := m.guardReclaim(false)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := os.Stat(m.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.From(errors.ErrLockUnavailable, op,
			fmt.Sprintf("cannot inspect lock %s", m.opts.Path), err)
	}
	if !sameLockFile(judged, current) || !IsStale(current, m.opts.StaleAfter, m.opts.Now()) {
		return errBusy
	}

	if err := os.Remove(m.opts.Path); err != nil && !os.IsNotExist(err) {
		return errors.From(errors.ErrLockResourceUnwritable, op,
			fmt.Sprintf("stale lock %s could not be removed", m.opts.Path), err).
			WithDetail("path", m.opts.Path)
	}
	m.metrics.IncStaleReclaimed()
	m.logger.Warn("removed stale lock", "path", m.opts.Path, "age", m.opts.Now().Sub(current.ModTime()).Round(time.Second))
	return nil
}

// guardReclaim serializes removals of the lock file through an advisory
// lock on a sidecar file. With wait unset a held guard yields errBusy. Where
// the sidecar cannot be locked at all, removal proceeds unguarded and relies
// on the same-file check alone. The returned func is never nil.
func (m *Manager) guardReclaim(wait bool) (func(), error) {
	noop := func() {}

	fl := flock.New(m.opts.Path + ReclaimSuffix)
	var (
		ok  bool
		err error
	)
	if wait {
		err = fl.Lock()
		ok = err == nil
	} else {
		ok, err = fl.TryLock()
	}
	if err != nil {
		m.logger.Debug("reclaim guard unavailable", "path", fl.Path(), "error", err)
		return noop, nil
	}
	if !ok {
		return noop, errBusy
	}
	return func() { _ = fl.Unlock() }, nil
}

func (m *Manager) retryCreate() (*Handle, error) {
	owned, err := m.createExclusive()
	if err != nil {
		return nil, err
	}
	if owned == nil {
		return nil, errBusy
	}
	return m.exclusiveHandle(owned), nil
}

// createExclusive creates the lock file and returns its identity, or nil if
// the file already exists.
func (m *Manager) createExclusive() (os.FileInfo, error) {
	f, err := os.OpenFile(m.opts.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) // #nosec G304 -- lock path derived from the repository
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, errors.From(errors.ErrLockUnavailable, "lock.Acquire",
			fmt.Sprintf("cannot create lock %s", m.opts.Path), err).WithDetail("path", m.opts.Path)
	}

	info, err := f.Stat()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(m.opts.Path)
		return nil, errors.From(errors.ErrLockUnavailable, "lock.Acquire", "", err)
	}
	return info, nil
}

// exclusiveHandle releases by removing the lock file, but only while it is
// still the file this handle created. A holder that outlived the stale
// threshold must not remove its successor's lock.
func (m *Manager) exclusiveHandle(owned os.FileInfo) *Handle {
	path := m.opts.Path
	return m.newHandle(ModeExclusiveCreate, func() error {
		unlock, _ := m.guardReclaim(true)
		defer unlock()

		current, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !sameLockFile(owned, current) {
			m.logger.Warn("lock file was reclaimed by another process, leaving it in place", "path", path)
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

func (m *Manager) newHandle(mode Mode, release func() error) *Handle {
	return &Handle{
		Path:       m.opts.Path,
		Timeout:    m.opts.Timeout,
		PID:        os.Getpid(),
		Token:      uuid.NewString(),
		Mode:       mode,
		AcquiredAt: time.Now(),
		release:    release,
	}
}

// sameLockFile reports whether a and b describe the same lock file. The
// modification time is compared too because a removed file's inode may be
// reused by its successor.
func sameLockFile(a, b os.FileInfo) bool {
	return os.SameFile(a, b) && a.ModTime().Equal(b.ModTime())
}

// IsStale reports whether a lock file is reclaimable: it is empty and its
// modification time is more than threshold before now.
func IsStale(info os.FileInfo, threshold time.Duration, now time.Time) bool {
	if info == nil {
		return false
	}
	return info.Size() == 0 && now.Sub(info.ModTime()) > threshold
}
