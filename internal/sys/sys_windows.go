//go:build windows

package sys

import (
	"os"

	"golang.org/x/sys/windows"
)

// TryLockExclusive acquires a non-blocking advisory exclusive lock on the
// whole file via LockFileEx, mirroring the unix flock semantics used by
// sys_unix.go. It reports ok=false (no error) when another process
// already holds the lock.
func TryLockExclusive(file *os.File) (ok bool, err error) {
	handle := windows.Handle(file.Fd())
	var overlapped windows.Overlapped
	err = windows.LockFileEx(
		handle,
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		^uint32(0),
		^uint32(0),
		&overlapped,
	)
	if err == nil {
		return true, nil
	}
	if err == windows.ERROR_LOCK_VIOLATION || err == windows.ERROR_IO_PENDING {
		return false, nil
	}
	return false, err
}

// Unlock releases a lock taken by TryLockExclusive.
func Unlock(file *os.File) error {
	handle := windows.Handle(file.Fd())
	var overlapped windows.Overlapped
	return windows.UnlockFileEx(handle, 0, ^uint32(0), ^uint32(0), &overlapped)
}
