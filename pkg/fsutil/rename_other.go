//go:build !linux

package fsutil

import (
	"os"
)

func renameNoReplace(oldpath, newpath string) error {
	return renameStat(oldpath, newpath)
}

// SyncDir flushes directory metadata (like a rename into it) to disk.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
