// Package blobstore implements some content-addressed blob stores.
// You can store whatever you want in there, but need to address things by their hash to get them out.
//
// Uploads go through a write-once lifecycle: they're begun, receive any number of chunks,
// and are then either committed (which makes them retrievable under their digest) or aborted.
package blobstore

import (
	"context"
	"fmt"
	"io"
)

// BlobStore describes the interface of a blob store.
type BlobStore interface {
	// BeginUpload starts a new upload. name is the client-supplied name,
	// which is part of the address in the named layout.
	BeginUpload(ctx context.Context, name string) (Upload, error)
	// Resolve opens a committed blob for reading, and returns its size.
	// name is ignored in the flat layout.
	// If there's no such blob, store.ErrNotFound is returned.
	Resolve(ctx context.Context, digest, name string) (io.ReadCloser, int64, error)
	// Layout returns how blobs are addressed in this store.
	Layout() Layout
	io.Closer
}

// Upload is a single in-flight upload.
// It's owned by whoever began it, and must not be used concurrently.
// Exactly one of Commit or Abort needs to be called eventually,
// every operation after that fails with store.ErrInvalidState.
type Upload interface {
	// ID returns the identifier of the upload, unique within the lifetime of the store.
	ID() uint64
	// Name returns the name the upload was begun with.
	Name() string
	// Size returns the number of bytes appended so far.
	Size() uint64

	// Append adds chunk to the end of the upload.
	// On error, the upload is left open, and the caller is expected to abort it.
	Append(ctx context.Context, chunk []byte) error
	// Commit makes the upload retrievable under its digest.
	// On error, the upload is left open, and the caller is expected to abort it.
	Commit(ctx context.Context) (*Blob, error)
	// Abort discards the upload and everything written to it.
	Abort() error
}

// Blob describes a committed blob.
type Blob struct {
	Digest string
	Size   uint64
	Name   string
}

// Layout controls how committed blobs are addressed.
type Layout int

const (
	// LayoutFlat stores blobs under their digest.
	LayoutFlat Layout = iota
	// LayoutNamed stores blobs under their digest and declared name.
	LayoutNamed
)

func (l Layout) String() string {
	switch l {
	case LayoutFlat:
		return "flat"
	case LayoutNamed:
		return "named"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// ParseLayout returns the Layout with the given name.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "flat":
		return LayoutFlat, nil
	case "named":
		return LayoutNamed, nil
	}
	return 0, fmt.Errorf("unknown layout: %v", s)
}
