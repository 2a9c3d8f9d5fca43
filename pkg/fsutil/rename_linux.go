//go:build linux

package fsutil

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func renameNoReplace(oldpath, newpath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldpath, unix.AT_FDCWD, newpath, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}
	// some filesystems (and old kernels) don't support RENAME_NOREPLACE
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP) {
		return renameStat(oldpath, newpath)
	}
	// renaming a directory onto a non-empty one might report ENOTEMPTY
	if errors.Is(err, unix.ENOTEMPTY) {
		err = unix.EEXIST
	}
	return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
}

// SyncDir flushes directory metadata (like a rename into it) to disk.
func SyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: dir, Err: err}
	}
	defer unix.Close(fd)

	if err := unix.Fsync(fd); err != nil {
		return &os.PathError{Op: "fsync", Path: dir, Err: err}
	}
	return nil
}
