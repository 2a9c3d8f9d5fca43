package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flokli/casdump/pkg/fsutil"
	"github.com/flokli/casdump/pkg/hashing"
	"github.com/flokli/casdump/pkg/store"
	"github.com/flokli/casdump/pkg/store/staging"
	log "github.com/sirupsen/logrus"
)

// fileUpload implements Upload.
// It writes to a staging container, and hashes everything it writes.
// On commit, the container is renamed to where the digest says it belongs.
type fileUpload struct {
	fileStore *FileStore

	id   uint64
	name string

	container    *staging.Container
	accumulator  *hashing.Accumulator
	bytesWritten uint64

	// digest is set once the accumulator was finalized, so a failed commit can be retried.
	digest string
	state  uploadState
}

func (u *fileUpload) ID() uint64 {
	return u.id
}

func (u *fileUpload) Name() string {
	return u.name
}

func (u *fileUpload) Size() uint64 {
	return u.bytesWritten
}

func (u *fileUpload) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"upload": u.id,
		"name":   u.name,
	})
}

func (u *fileUpload) Append(ctx context.Context, chunk []byte) error {
	if err := u.state.checkOpen("append"); err != nil {
		return err
	}
	if u.container.File == nil {
		return fmt.Errorf("append after commit attempt: %w", store.ErrInvalidState)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	if err := checkSize(u.fileStore.maxSize, u.bytesWritten, len(chunk)); err != nil {
		return err
	}

	// Only hash what actually made it to the file, so the two never diverge.
	n, err := u.container.File.Write(chunk)
	if n > 0 {
		if hashErr := u.accumulator.Update(chunk[:n]); hashErr != nil {
			return hashErr
		}
		u.bytesWritten += uint64(n)
	}
	if err != nil {
		return fmt.Errorf("unable to write to staging file: %w", err)
	}
	return nil
}

func (u *fileUpload) Commit(ctx context.Context) (*Blob, error) {
	if err := u.state.checkOpen("commit"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// flush and close the staging file, nothing gets written to it anymore.
	if f := u.container.File; f != nil {
		u.container.File = nil

		err := f.Sync()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("unable to sync staging file: %w", err)
		}
		err = f.Close()
		if err != nil {
			return nil, fmt.Errorf("unable to close staging file: %w", err)
		}
	}

	if u.digest == "" {
		digest, err := u.accumulator.Finalize()
		if err != nil {
			return nil, err
		}
		u.digest = digest
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := u.fileStore.promote(u.container, u.digest, u.name)
	if err != nil {
		return nil, fmt.Errorf("unable to commit upload %d: %w", u.id, err)
	}

	u.state = stateCommitted

	u.logger().WithFields(log.Fields{
		"digest": u.digest,
		"size":   u.bytesWritten,
	}).Info("Upload committed")

	return &Blob{
		Digest: u.digest,
		Size:   u.bytesWritten,
		Name:   u.name,
	}, nil
}

func (u *fileUpload) Abort() error {
	if err := u.state.checkOpen("abort"); err != nil {
		return err
	}
	u.state = stateAborted

	if f := u.container.File; f != nil {
		u.container.File = nil
		// We're about to remove the file, so errors from closing it don't matter.
		if err := f.Close(); err != nil {
			u.logger().WithError(err).Debug("Closing aborted staging file failed")
		}
	}

	err := u.fileStore.stagingArea.Release(u.container)
	if err != nil {
		return err
	}

	u.logger().WithField("size", u.bytesWritten).Info("Upload aborted")
	return nil
}

// promote atomically moves a (closed) staging container to the location of the blob with the given digest.
// If the blob already exists, its contents are identical by definition,
// so the staging container is discarded instead.
// If that discarding fails, the blob is visible but an error is returned,
// and the upload stays open. Abort then removes what's left of the container.
func (fs *FileStore) promote(c *staging.Container, digest, name string) error {
	dst := filepath.Join(fs.dumpsDirectory, digest)

	err := fsutil.RenameNoReplace(c.Path, dst)
	if err == nil {
		fs.syncDir(fs.dumpsDirectory)
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return err
	}

	// In the named layout, the digest directory might exist with other names in it.
	// Move just the file in there.
	if fs.layout == LayoutNamed {
		err = fsutil.RenameNoReplace(c.FilePath, filepath.Join(dst, name))
		if err != nil && !errors.Is(err, os.ErrExist) {
			return err
		}
		if err == nil {
			fs.syncDir(dst)
		}
	}

	log.WithFields(log.Fields{
		"digest": digest,
		"name":   name,
	}).Debug("Blob already exists, discarding duplicate")

	return fs.stagingArea.Release(c)
}

// syncDir flushes a directory after a rename into it.
// The rename already happened, so failing to flush isn't fatal.
func (fs *FileStore) syncDir(dir string) {
	if err := fsutil.SyncDir(dir); err != nil {
		log.WithError(err).WithField("directory", dir).Warn("Unable to sync directory")
	}
}
