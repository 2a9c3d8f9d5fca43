package indexstore

import (
	"context"
	"sync"

	"github.com/flokli/casdump/pkg/store"
)

// MemoryStore implements IndexStore
var _ IndexStore = &MemoryStore{}

type MemoryStore struct {
	// digest -> name -> record
	records   map[string]map[string]Record
	muRecords sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Record),
	}
}

func (ms *MemoryStore) Close() error {
	return nil
}

func (ms *MemoryStore) PutRecord(ctx context.Context, record *Record) error {
	err := record.Check()
	if err != nil {
		return err
	}

	ms.muRecords.Lock()
	defer ms.muRecords.Unlock()

	byName, ok := ms.records[record.Digest]
	if !ok {
		byName = make(map[string]Record)
		ms.records[record.Digest] = byName
	}
	if _, exists := byName[record.Name]; !exists {
		byName[record.Name] = *record
	}
	return nil
}

func (ms *MemoryStore) GetRecords(ctx context.Context, digest string) ([]*Record, error) {
	ms.muRecords.Lock()
	byName := ms.records[digest]
	records := make([]*Record, 0, len(byName))
	for _, r := range byName {
		r := r
		records = append(records, &r)
	}
	ms.muRecords.Unlock()

	if len(records) == 0 {
		return nil, store.ErrNotFound
	}
	sortRecords(records)
	return records, nil
}

func (ms *MemoryStore) DropAll(ctx context.Context) error {
	ms.muRecords.Lock()
	for k := range ms.records {
		delete(ms.records, k)
	}
	ms.muRecords.Unlock()
	return nil
}
