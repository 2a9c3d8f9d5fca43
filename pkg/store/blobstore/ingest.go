package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/flokli/casdump/pkg/store"
	log "github.com/sirupsen/logrus"
)

// DefaultChunkSize is the size of the chunks Ingest reads, if not told otherwise.
const DefaultChunkSize = 64 * 1024

// Ingest reads r until io.EOF into a new upload, and commits it.
// Any other error while reading r, or ctx being done, is a failed transfer,
// and returns an error wrapping store.ErrUploadAborted.
// Whatever fails, the upload is aborted before Ingest returns.
func Ingest(ctx context.Context, blobStore BlobStore, name string, r io.Reader, chunkSize int) (*Blob, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	upload, err := blobStore.BeginUpload(ctx, name)
	if err != nil {
		return nil, canceledError(ctx, err)
	}

	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := upload.Append(ctx, buf[:n]); err != nil {
				abortUpload(upload)
				return nil, canceledError(ctx, err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			abortUpload(upload)
			return nil, fmt.Errorf("%w: %w", store.ErrUploadAborted, readErr)
		}
	}

	blob, err := upload.Commit(ctx)
	if err != nil {
		abortUpload(upload)
		return nil, canceledError(ctx, err)
	}
	return blob, nil
}

// canceledError marks err as an aborted upload if ctx is done,
// which is what a client going away looks like.
func canceledError(ctx context.Context, err error) error {
	if ctx.Err() == nil || errors.Is(err, store.ErrUploadAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrUploadAborted, err)
}

// abortUpload aborts an upload on the way out of a failed Ingest.
// The error that made us abort is the one worth returning, so this one is only logged.
func abortUpload(upload Upload) {
	if err := upload.Abort(); err != nil {
		log.WithError(err).WithField("upload", upload.ID()).Error("Unable to abort upload")
	}
}
