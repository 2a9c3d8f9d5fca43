package indexstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flokli/casdump/pkg/store"

	"github.com/uptrace/bun/extra/bundebug"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

var _ IndexStore = &DatabaseStore{}

type DatabaseStore struct {
	db *bun.DB
}

type DatabaseStoreRecord struct {
	bun.BaseModel `bun:"table:blobs,alias:b"`

	Digest      string    `bun:"digest,pk"`
	Name        string    `bun:"name,pk"`
	Size        uint64    `bun:"size,notnull"`
	CommittedAt time.Time `bun:"committed_at,notnull"`
}

// NewDatabaseStore opens (and if needed, creates) a SQLite index at dsn,
// for example "file:/var/lib/casdump/index.db".
// Set BUNDEBUG=1 to log queries, BUNDEBUG=2 to log them verbosely.
func NewDatabaseStore(ctx context.Context, dsn string) (*DatabaseStore, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to use data source name: %v", err)
	}

	// SQLite only allows one writer at a time.
	sqldb.SetConnMaxLifetime(0)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	db.AddQueryHook(bundebug.NewQueryHook(
		bundebug.FromEnv("BUNDEBUG"),
	))

	_, err = db.NewCreateTable().
		Model((*DatabaseStoreRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create table: %w", err)
	}

	return &DatabaseStore{
		db: db,
	}, nil
}

func (ds *DatabaseStore) PutRecord(ctx context.Context, record *Record) error {
	err := record.Check()
	if err != nil {
		return err
	}

	dsRecord := DatabaseStoreRecord{
		Digest:      record.Digest,
		Name:        record.Name,
		Size:        record.Size,
		CommittedAt: record.CommittedAt,
	}

	_, err = ds.db.NewInsert().
		Model(&dsRecord).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unable to insert record: %w", err)
	}
	return nil
}

func (ds *DatabaseStore) GetRecords(ctx context.Context, digest string) ([]*Record, error) {
	var dsRecords []DatabaseStoreRecord

	err := ds.db.NewSelect().
		Model(&dsRecords).
		Where("digest = ?", digest).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("unable to get records: %w", err)
	}
	if len(dsRecords) == 0 {
		return nil, store.ErrNotFound
	}

	records := make([]*Record, 0, len(dsRecords))
	for _, dsRecord := range dsRecords {
		records = append(records, &Record{
			Digest:      dsRecord.Digest,
			Name:        dsRecord.Name,
			Size:        dsRecord.Size,
			CommittedAt: dsRecord.CommittedAt.UTC(),
		})
	}
	return records, nil
}

func (ds *DatabaseStore) DropAll(ctx context.Context) error {
	_, err := ds.db.NewTruncateTable().
		Model((*DatabaseStoreRecord)(nil)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unable to delete records: %v", err)
	}
	return nil
}

func (ds *DatabaseStore) Close() error {
	return ds.db.Close()
}
