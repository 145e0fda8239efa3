//go:build unix

package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// advisoryUnsupported reports whether err means the filesystem or kernel
// cannot provide advisory locks, as opposed to the lock being held.
func advisoryUnsupported(err error) bool {
	return errors.Is(err, unix.ENOLCK) ||
		errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.ENOSYS) ||
		errors.Is(err, unix.EINVAL)
}
