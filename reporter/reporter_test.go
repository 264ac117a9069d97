package reporter

import (
	"context"
	"testing"
	"time"

	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/part"
	"github.com/danthegoodman1/tierdb/partitioner"
	"github.com/danthegoodman1/tierdb/schema"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func tableSchema(name string) schema.TableSchema {
	return schema.TableSchema{
		Name:            name,
		TimestampColumn: "ts",
		PartitionBy: []partitioner.PartitionPlan{
			{Func: "toYear", As: "y"},
			{Func: "toMonth", As: "m"},
		},
		OrderingKey: []string{"id"},
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New("hot", nil, clockwork.NewFakeClock())
	require.NoError(t, cat.RegisterTable(ctx, tableSchema("events")))
	require.NoError(t, cat.RegisterTable(ctx, tableSchema("metrics")))

	ref, err := cat.Register(ctx, "events", time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, cat.AddPart(ctx, ref, part.Part{ID: "p_1", Alive: true, RowCount: 10, Bytes: 200}))
	require.NoError(t, cat.AddPart(ctx, ref, part.Part{ID: "p_2", Alive: true, RowCount: 5, Bytes: 100}))

	snapshot, err := New(cat).Snapshot()
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	require.Equal(t, SnapshotRow{
		Table:     "events",
		Partition: "y=2026/m=08",
		Tier:      "hot",
		Bytes:     300,
		Rows:      15,
		Parts:     2,
	}, snapshot[0])
}

func TestSnapshotEmpty(t *testing.T) {
	cat := catalog.New("hot", nil, clockwork.NewFakeClock())
	snapshot, err := New(cat).Snapshot()
	require.NoError(t, err)
	require.Empty(t, snapshot)
}
