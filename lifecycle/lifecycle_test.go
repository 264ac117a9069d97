package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/ingest"
	"github.com/danthegoodman1/tierdb/merge"
	"github.com/danthegoodman1/tierdb/migrator"
	"github.com/danthegoodman1/tierdb/part"
	"github.com/danthegoodman1/tierdb/partitioner"
	"github.com/danthegoodman1/tierdb/schema"
	"github.com/danthegoodman1/tierdb/tierstore"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testSchema() schema.TableSchema {
	return schema.TableSchema{
		Name:            "events",
		TimestampColumn: "ts",
		PartitionBy: []partitioner.PartitionPlan{
			{Func: "toYear", As: "y"},
			{Func: "toMonth", As: "m"},
			{Func: "toDay", As: "d"},
		},
		OrderingKey:   []string{"id"},
		VersionColumn: "version",
		TTL: []schema.TTLRule{
			{After: schema.Duration(time.Hour * 12), ToTier: "cold"},
			{After: schema.Duration(time.Hour * 72), Delete: true},
		},
	}
}

type fixture struct {
	catalog   *catalog.Catalog
	buffer    *ingest.Buffer
	scheduler *Scheduler
	hot       *tierstore.MemoryTierStore
	cold      *tierstore.MemoryTierStore
	clock     clockwork.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	hot := tierstore.NewMemoryTierStore()
	cold := tierstore.NewMemoryTierStore()
	tiers := tierstore.NewTierSetFromStores(map[string]tierstore.TierStore{
		"hot": hot, "cold": cold,
	}, []string{"hot", "cold"})

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))
	cat := catalog.New("hot", nil, clock)
	require.NoError(t, cat.RegisterTable(context.Background(), testSchema()))

	bufCfg := ingest.Config{
		MaxRows:       1000,
		MaxBytes:      1 << 30,
		MaxBatchAge:   time.Hour,
		FlushInterval: time.Hour,
		CheckInterval: time.Second,
		FlushRetries:  1,
	}
	buf := ingest.NewBuffer(cat, tiers, bufCfg, clock)
	mig := migrator.New(cat, tiers)
	merger := merge.New(cat, tiers, clock)

	return &fixture{
		catalog:   cat,
		buffer:    buf,
		scheduler: New(cat, mig, merger, buf, clock),
		hot:       hot,
		cold:      cold,
		clock:     clock,
	}
}

func (f *fixture) addPart(t *testing.T, id string, maxTS time.Time, rows []map[string]any) catalog.PartitionRef {
	t.Helper()
	ctx := context.Background()
	ref, err := f.catalog.Register(ctx, "events", maxTS)
	require.NoError(t, err)
	p := part.Part{
		ID: id, Partition: ref.Key, Alive: true,
		CreatedAt: f.clock.Now(), RowCount: int64(len(rows)),
		MinTimestamp: maxTS.Add(-time.Minute), MaxTimestamp: maxTS,
	}
	written, err := f.hot.WritePart(ctx, ref.Table, ref.Key, p, rows)
	require.NoError(t, err)
	require.NoError(t, f.catalog.AddPart(ctx, ref, written))
	return ref
}

func TestApplyNowEmptyTable(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.scheduler.ApplyNow(context.Background()))
}

func TestApplyNowMigratesAndCompacts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// aged partition, two parts with a duplicate key
	old := f.clock.Now().Add(-time.Hour * 20)
	ref := f.addPart(t, "p_1", old, []map[string]any{{"id": 1.0, "version": 1.0}})
	f.addPart(t, "p_2", old, []map[string]any{{"id": 1.0, "version": 2.0}})

	require.NoError(t, f.scheduler.ApplyNow(ctx))

	// migrated to cold and compacted to one part in one pass
	p, err := f.catalog.Partition(ref)
	require.NoError(t, err)
	require.Equal(t, "cold", p.Tier)
	require.Equal(t, 0, f.hot.PartCount("events", ref.Key))
	require.Equal(t, 1, f.cold.PartCount("events", ref.Key))

	parts, err := f.catalog.LiveParts(ref)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	rows, err := f.cold.ReadPart(ctx, ref.Table, ref.Key, parts[0].ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2.0, rows[0]["version"])
}

func TestApplyNowDeletesExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	expired := f.clock.Now().Add(-time.Hour * 100)
	ref := f.addPart(t, "p_1", expired, []map[string]any{{"id": 1.0, "version": 1.0}})

	require.NoError(t, f.scheduler.ApplyNow(ctx))

	_, err := f.catalog.Partition(ref)
	require.ErrorIs(t, err, catalog.ErrPartitionNotFound)
	require.Equal(t, 0, f.hot.PartCount("events", ref.Key))
}

func TestApplyNowIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	old := f.clock.Now().Add(-time.Hour * 20)
	ref := f.addPart(t, "p_1", old, []map[string]any{{"id": 1.0, "version": 1.0}})

	require.NoError(t, f.scheduler.ApplyNow(ctx))
	before, err := f.catalog.Partition(ref)
	require.NoError(t, err)

	// a second pass at the same clock changes nothing
	require.NoError(t, f.scheduler.ApplyNow(ctx))
	after, err := f.catalog.Partition(ref)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestShutdownFlushesBuffers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ts := f.clock.Now().Add(-time.Minute)
	err := f.buffer.Append("events", []map[string]any{
		{"id": 1.0, "version": 1.0, "ts": float64(ts.UnixMilli())},
	})
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Shutdown(ctx))
	require.Equal(t, int64(0), f.buffer.Stats("events").Rows)
	require.Equal(t, 1, f.hot.PartCount("events", "y=2026/m=08/d=29"))
}
