// Package fsutil contains filesystem primitives the blob store's commit protocol is built on.
package fsutil

import (
	"io/fs"
	"os"
)

// RenameNoReplace atomically renames oldpath to newpath, refusing to replace newpath if it already exists.
// In that case, the returned error matches fs.ErrExist, and oldpath is left untouched.
// Both paths need to be on the same filesystem.
func RenameNoReplace(oldpath, newpath string) error {
	return renameNoReplace(oldpath, newpath)
}

// renameStat is the portable fallback: check the destination, then rename.
// The check and the rename aren't atomic together, but the rename itself is.
func renameStat(oldpath, newpath string) error {
	_, err := os.Lstat(newpath)
	if err == nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrExist}
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.Rename(oldpath, newpath)
}
