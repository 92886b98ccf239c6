//go:build windows

package state

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockFile blocks on LockFileEx; without LOCKFILE_EXCLUSIVE_LOCK the lock
// is shared.
func lockFile(f *os.File, mode lockMode) error {
	var flags uint32
	if mode == lockExclusive {
		flags = windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, 1, 0, &ol)
}

func unlockFile(f *os.File) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, &ol)
}
