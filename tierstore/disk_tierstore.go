package tierstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danthegoodman1/tierdb/part"
	"github.com/xitongsys/parquet-go-source/local"
)

type (
	// DiskTierStore keeps parts as parquet files under
	// rootPath/table/partition/partID.parquet
	DiskTierStore struct {
		rootPath string
	}
)

func NewDiskTierStore(rootPath string) (*DiskTierStore, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	return &DiskTierStore{
		rootPath: rootPath,
	}, nil
}

func (ds *DiskTierStore) partPath(table, partitionKey, partID string) string {
	return filepath.Join(ds.rootPath, table, partitionKey, partID+".parquet")
}

func (ds *DiskTierStore) WritePart(_ context.Context, table, partitionKey string, p part.Part, rows []map[string]any) (part.Part, error) {
	b, err := encodeParquet(rows)
	if err != nil {
		return part.Part{}, fmt.Errorf("error in encodeParquet: %w", err)
	}

	path := ds.partPath(table, partitionKey, p.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return part.Part{}, fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return part.Part{}, fmt.Errorf("error in os.WriteFile: %w", err)
	}

	p.Bytes = int64(b.Len())
	return p, nil
}

func (ds *DiskTierStore) ReadPart(_ context.Context, table, partitionKey, partID string) ([]map[string]any, error) {
	path := ds.partPath(table, partitionKey, partID)
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPartNotFound, partID)
		}
		return nil, fmt.Errorf("error in NewLocalFileReader: %w", err)
	}
	defer fr.Close()

	rows, err := decodeParquet(fr)
	if err != nil {
		return nil, fmt.Errorf("error in decodeParquet for %s: %w", path, err)
	}
	return rows, nil
}

func (ds *DiskTierStore) DeletePart(_ context.Context, table, partitionKey, partID string) error {
	err := os.Remove(ds.partPath(table, partitionKey, partID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error in os.Remove: %w", err)
	}
	return nil
}

func (ds *DiskTierStore) DeletePartition(_ context.Context, table, partitionKey string) error {
	err := os.RemoveAll(filepath.Join(ds.rootPath, table, partitionKey))
	if err != nil {
		return fmt.Errorf("error in os.RemoveAll: %w", err)
	}
	return nil
}

func (ds *DiskTierStore) Shutdown(_ context.Context) error {
	return nil
}
