//go:build !unix

package lock

import (
	"errors"
	"os"
)

func advisoryUnsupported(err error) bool {
	return errors.Is(err, os.ErrInvalid) || errors.Is(err, errors.ErrUnsupported)
}
