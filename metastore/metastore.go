package metastore

import (
	"context"
	"time"

	"github.com/danthegoodman1/tierdb/gologger"
	"github.com/danthegoodman1/tierdb/part"
)

var (
	logger = gologger.NewLogger()
)

type (
	// MetaStore durably mirrors partition and part metadata so a restarted
	// process converges to the same catalog state. Row data never passes
	// through here, only metadata.
	MetaStore interface {
		UpsertTable(ctx context.Context, table string) error

		UpsertPartition(ctx context.Context, p PartitionRecord) error
		SetPartitionTier(ctx context.Context, table, partition, tier string) error
		DeletePartition(ctx context.Context, table, partition string) error
		ListPartitions(ctx context.Context, table string) ([]PartitionRecord, error)

		UpsertPart(ctx context.Context, table string, p part.Part) error
		// SetPartStates flips the alive flag for a set of parts within a
		// partition, used when a merge replaces them
		SetPartStates(ctx context.Context, table, partition string, partIDs []string, alive bool) error
		ListParts(ctx context.Context, table, partition string) ([]part.Part, error)

		Shutdown(ctx context.Context) error
	}

	PartitionRecord struct {
		Table        string
		Partition    string
		Tier         string
		CreatedAt    time.Time
		MinTimestamp time.Time
		MaxTimestamp time.Time
	}
)
