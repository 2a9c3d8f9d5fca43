package indexstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flokli/casdump/pkg/hashing"
	"github.com/flokli/casdump/pkg/store"
	"github.com/google/renameio"
)

// FileStore implements IndexStore
var _ IndexStore = &FileStore{}

// FileStore keeps all records of a digest in one JSON file,
// at <directory>/<digest[:4]>/<digest>.json.
type FileStore struct {
	directory string

	// serializes read-modify-write of the record files
	mu sync.Mutex
}

func NewFileStore(directory string) (*FileStore, error) {
	err := os.MkdirAll(directory, os.ModePerm)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		directory: directory,
	}, nil
}

func (fs *FileStore) recordsPath(digest string) string {
	return filepath.Join(fs.directory, digest[:4], digest+".json")
}

// readRecords returns the records stored for a digest, or store.ErrNotFound.
func (fs *FileStore) readRecords(digest string) ([]*Record, error) {
	if err := hashing.Validate(digest); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	b, err := os.ReadFile(fs.recordsPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var records []*Record
	err = json.Unmarshal(b, &records)
	if err != nil {
		return nil, fmt.Errorf("unable to parse records of %v: %w", digest, err)
	}
	return records, nil
}

func (fs *FileStore) PutRecord(ctx context.Context, record *Record) error {
	err := record.Check()
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	records, err := fs.readRecords(record.Digest)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	for _, r := range records {
		if r.Name == record.Name {
			return nil
		}
	}
	records = append(records, record)
	sortRecords(records)

	b, err := json.Marshal(records)
	if err != nil {
		return err
	}

	p := fs.recordsPath(record.Digest)
	err = os.MkdirAll(filepath.Dir(p), os.ModePerm)
	if err != nil {
		return err
	}

	// write to a tempfile next to it, and rename it over the old file.
	return renameio.WriteFile(p, b, 0o644)
}

func (fs *FileStore) GetRecords(ctx context.Context, digest string) ([]*Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	records, err := fs.readRecords(digest)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, store.ErrNotFound
	}
	return records, nil
}

func (fs *FileStore) Close() error {
	return nil
}

func (fs *FileStore) DropAll(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := os.RemoveAll(fs.directory)
	if err != nil {
		return err
	}
	return os.MkdirAll(fs.directory, os.ModePerm)
}
