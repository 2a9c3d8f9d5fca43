// Package indexstore keeps a record of every committed blob.
//
// The index is advisory. Blobs are always resolved from the blob store directly,
// the index only answers which names a digest was uploaded under, and when.
package indexstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/flokli/casdump/pkg/hashing"
	"github.com/flokli/casdump/pkg/store/blobstore"
	"github.com/flokli/casdump/pkg/util"
)

type IndexStore interface {
	// PutRecord stores a record. Putting a record with an existing (digest, name) is a no-op.
	PutRecord(ctx context.Context, record *Record) error
	// GetRecords returns all records for a digest, sorted by name.
	// It returns store.ErrNotFound if there are none.
	GetRecords(ctx context.Context, digest string) ([]*Record, error)
	DropAll(ctx context.Context) error
	io.Closer
}

type Record struct {
	Digest      string    `json:"digest"`
	Name        string    `json:"name,omitempty"`
	Size        uint64    `json:"size"`
	CommittedAt time.Time `json:"committed_at"`
}

// NewRecord returns the record for a freshly committed blob.
func NewRecord(blob *blobstore.Blob, committedAt time.Time) *Record {
	return &Record{
		Digest: blob.Digest,
		Name:   blob.Name,
		Size:   blob.Size,
		// the database backend doesn't keep more than microseconds
		CommittedAt: committedAt.UTC().Truncate(time.Microsecond),
	}
}

// Check provides some sanity checking on values in the Record struct.
func (r *Record) Check() error {
	if err := hashing.Validate(r.Digest); err != nil {
		return fmt.Errorf("invalid digest %v: %w", r.Digest, err)
	}
	if r.Name != "" {
		if err := util.CheckName(r.Name); err != nil {
			return err
		}
	}
	if r.CommittedAt.IsZero() {
		return fmt.Errorf("missing commit time")
	}
	return nil
}

func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
}
