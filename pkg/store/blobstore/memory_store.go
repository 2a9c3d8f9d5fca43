package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/flokli/casdump/pkg/hashing"
	"github.com/flokli/casdump/pkg/store"
	"github.com/flokli/casdump/pkg/util"
)

// MemoryStore implements BlobStore
var _ BlobStore = &MemoryStore{}

type MemoryStore struct {
	layout  Layout
	maxSize uint64

	// keyed by digest, or digest/name in the named layout
	blobs   map[string][]byte
	muBlobs sync.Mutex

	nextID atomic.Uint64
}

// NewMemoryStore returns an empty MemoryStore.
// maxSize is the maximum size of a single upload, 0 means unlimited.
func NewMemoryStore(layout Layout, maxSize uint64) *MemoryStore {
	return &MemoryStore{
		layout:  layout,
		maxSize: maxSize,
		blobs:   make(map[string][]byte),
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) Layout() Layout {
	return m.layout
}

func (m *MemoryStore) key(digest, name string) string {
	if m.layout == LayoutNamed {
		return digest + "/" + name
	}
	return digest
}

func (m *MemoryStore) BeginUpload(ctx context.Context, name string) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkName(m.layout, name); err != nil {
		return nil, err
	}

	return &memoryUpload{
		memoryStore: m,
		id:          m.nextID.Add(1) - 1,
		name:        name,
		accumulator: hashing.New(),
	}, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, digest, name string) (io.ReadCloser, int64, error) {
	if err := hashing.Validate(digest); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	if m.layout == LayoutNamed {
		if err := util.CheckName(name); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", store.ErrNotFound, err)
		}
	}

	m.muBlobs.Lock()
	v, ok := m.blobs[m.key(digest, name)]
	m.muBlobs.Unlock()
	if ok {
		return io.NopCloser(bytes.NewReader(v)), int64(len(v)), nil
	}
	return nil, 0, store.ErrNotFound
}

// memoryUpload implements Upload
var _ Upload = &memoryUpload{}

type memoryUpload struct {
	memoryStore *MemoryStore
	id          uint64
	name        string
	contents    []byte
	accumulator *hashing.Accumulator
	state       uploadState
}

func (mu *memoryUpload) ID() uint64 {
	return mu.id
}

func (mu *memoryUpload) Name() string {
	return mu.name
}

func (mu *memoryUpload) Size() uint64 {
	return uint64(len(mu.contents))
}

func (mu *memoryUpload) Append(ctx context.Context, chunk []byte) error {
	if err := mu.state.checkOpen("append"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSize(mu.memoryStore.maxSize, mu.Size(), len(chunk)); err != nil {
		return err
	}
	if err := mu.accumulator.Update(chunk); err != nil {
		return err
	}
	mu.contents = append(mu.contents, chunk...)
	return nil
}

func (mu *memoryUpload) Commit(ctx context.Context) (*Blob, error) {
	if err := mu.state.checkOpen("commit"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := mu.accumulator.Finalize()
	if err != nil {
		return nil, err
	}

	k := mu.memoryStore.key(digest, mu.name)
	mu.memoryStore.muBlobs.Lock()
	if _, exists := mu.memoryStore.blobs[k]; !exists {
		mu.memoryStore.blobs[k] = mu.contents
	}
	mu.memoryStore.muBlobs.Unlock()

	mu.state = stateCommitted
	return &Blob{
		Digest: digest,
		Size:   mu.Size(),
		Name:   mu.name,
	}, nil
}

func (mu *memoryUpload) Abort() error {
	if err := mu.state.checkOpen("abort"); err != nil {
		return err
	}
	mu.state = stateAborted
	mu.contents = nil
	return nil
}
