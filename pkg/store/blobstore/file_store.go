package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/flokli/casdump/pkg/hashing"
	"github.com/flokli/casdump/pkg/store"
	"github.com/flokli/casdump/pkg/store/staging"
	"github.com/flokli/casdump/pkg/util"
	log "github.com/sirupsen/logrus"
)

var _ BlobStore = &FileStore{}

// FileStore stores blobs as files on a local filesystem.
//
// Uploads are written to a staging directory first, and renamed into the dumps directory on commit.
// Both need to be on the same filesystem, which is why they're kept below a common base directory.
type FileStore struct {
	stagingArea    *staging.Area
	dumpsDirectory string

	layout      Layout
	maxSize     uint64
	verifyReads bool

	// source of upload ids, and with that, staging container names
	nextID atomic.Uint64
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	Layout Layout
	// MaxSize is the maximum size of a single upload, in bytes. 0 means unlimited.
	MaxSize uint64
	// VerifyReads makes readers returned by Resolve check the content against the digest.
	VerifyReads bool
}

// NewFileStore returns a FileStore below baseDirectory.
// Leftover uploads from a previous process are discarded.
func NewFileStore(baseDirectory string, opts FileStoreOptions) (*FileStore, error) {
	fs := &FileStore{
		stagingArea:    staging.NewArea(filepath.Join(baseDirectory, "partial"), opts.Layout == LayoutNamed),
		dumpsDirectory: filepath.Join(baseDirectory, "dumps"),
		layout:         opts.Layout,
		maxSize:        opts.MaxSize,
		verifyReads:    opts.VerifyReads,
	}

	err := fs.Recover()
	if err != nil {
		return nil, err
	}

	return fs, nil
}

// Recover clears the staging directory, and makes sure the staging and dumps directories exist.
// It must not run while uploads are in flight.
func (fs *FileStore) Recover() error {
	leftovers, err := fs.stagingArea.List()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unable to list staging directory: %w", err)
	}
	if len(leftovers) > 0 {
		log.WithFields(log.Fields{
			"count":     len(leftovers),
			"directory": fs.stagingArea.Directory(),
		}).Info("Discarding leftover uploads")
	}

	err = fs.stagingArea.Reset()
	if err != nil {
		return err
	}

	err = os.MkdirAll(fs.dumpsDirectory, os.ModePerm)
	if err != nil {
		return fmt.Errorf("unable to create dumps directory: %w", err)
	}
	return nil
}

func (fs *FileStore) Layout() Layout {
	return fs.layout
}

func (fs *FileStore) Close() error {
	return nil
}

// blobPath constructs the path a blob is stored at.
func (fs *FileStore) blobPath(digest, name string) string {
	if fs.layout == LayoutNamed {
		return filepath.Join(fs.dumpsDirectory, digest, name)
	}
	return filepath.Join(fs.dumpsDirectory, digest)
}

func (fs *FileStore) BeginUpload(ctx context.Context, name string) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkName(fs.layout, name); err != nil {
		return nil, err
	}

	id := fs.nextID.Add(1) - 1

	container, err := fs.stagingArea.Allocate(id, name)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"upload": id,
		"name":   name,
	}).Debug("Upload begun")

	return &fileUpload{
		fileStore:   fs,
		id:          id,
		name:        name,
		container:   container,
		accumulator: hashing.New(),
	}, nil
}

func (fs *FileStore) Resolve(ctx context.Context, digest, name string) (io.ReadCloser, int64, error) {
	// Malformed addresses can't exist, and must not end up in a path.
	if err := hashing.Validate(digest); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	if fs.layout == LayoutNamed {
		if err := util.CheckName(name); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", store.ErrNotFound, err)
		}
	}

	p := fs.blobPath(digest, name)

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, 0, store.ErrNotFound
	}

	if !fs.verifyReads {
		return f, fi.Size(), nil
	}

	vr, err := hashing.NewVerifyingReader(f, digest)
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return vr, fi.Size(), nil
}
