package blobstore

import (
	"fmt"

	"github.com/flokli/casdump/pkg/store"
	"github.com/flokli/casdump/pkg/util"
)

// uploadState is where an upload is in its lifecycle.
// Open is the only state that's left again.
type uploadState int

const (
	stateOpen uploadState = iota
	stateCommitted
	stateAborted
)

func (s uploadState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateCommitted:
		return "committed"
	case stateAborted:
		return "aborted"
	}
	return fmt.Sprintf("uploadState(%d)", int(s))
}

// checkOpen returns an error wrapping store.ErrInvalidState unless the upload is open.
func (s uploadState) checkOpen(op string) error {
	if s != stateOpen {
		return fmt.Errorf("%v on %v upload: %w", op, s, store.ErrInvalidState)
	}
	return nil
}

// checkSize returns store.ErrTooLarge if appending n bytes to an upload
// that's already size bytes long would exceed maxSize. A maxSize of 0 means no limit.
func checkSize(maxSize, size uint64, n int) error {
	if maxSize == 0 {
		return nil
	}
	if size+uint64(n) > maxSize {
		return fmt.Errorf("%w: %d bytes > %d", store.ErrTooLarge, size+uint64(n), maxSize)
	}
	return nil
}

// checkName validates the name an upload is begun with.
// In the named layout the name is part of the address and can't be empty.
func checkName(layout Layout, name string) error {
	if layout != LayoutNamed && name == "" {
		return nil
	}
	if err := util.CheckName(name); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidName, err)
	}
	return nil
}
