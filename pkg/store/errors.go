// Package store holds what all stores in this repository share.
package store

import (
	"errors"
)

var (
	// ErrNotFound is returned when there's no committed blob (or index record) for a lookup.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an upload is used after it was committed or aborted.
	ErrInvalidState = errors.New("invalid upload state")

	// ErrTooLarge is returned by an append that would push an upload over the configured maximum size.
	ErrTooLarge = errors.New("upload exceeds maximum size")

	// ErrUploadAborted is returned when the incoming byte stream failed mid-transfer,
	// and the upload was aborted because of it.
	ErrUploadAborted = errors.New("upload aborted")

	// ErrInvalidName is returned for declared names that can't be used as a single path segment.
	ErrInvalidName = errors.New("invalid name")
)
