//go:build unix

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

// TryLockExclusive acquires a non-blocking advisory exclusive lock on the
// whole file. It reports ok=false (no error) when another process already
// holds the lock, so callers can turn that into ErrLockBusy.
func TryLockExclusive(file *os.File) (ok bool, err error) {
	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return false, nil
	}
	return false, err
}

// Unlock releases a lock taken by TryLockExclusive.
func Unlock(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}
