package migrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/ingest"
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
		OrderingKey: []string{"id"},
		TTL: []schema.TTLRule{
			{After: schema.Duration(time.Hour * 12), ToTier: "cold"},
			{After: schema.Duration(time.Hour * 72), Delete: true},
		},
	}
}

type fixture struct {
	catalog *catalog.Catalog
	mig     *Migrator
	hot     *tierstore.MemoryTierStore
	cold    *tierstore.MemoryTierStore
	ref     catalog.PartitionRef
	maxTS   time.Time
}

// setup seeds one partition on the hot tier holding a single part whose
// newest record is at maxTS
func setup(t *testing.T, ts schema.TableSchema) *fixture {
	t.Helper()
	ctx := context.Background()

	hot := tierstore.NewMemoryTierStore()
	cold := tierstore.NewMemoryTierStore()
	tiers := tierstore.NewTierSetFromStores(map[string]tierstore.TierStore{
		"hot": hot, "cold": cold,
	}, []string{"hot", "cold"})

	cat := catalog.New("hot", nil, clockwork.NewFakeClock())
	require.NoError(t, cat.RegisterTable(ctx, ts))

	maxTS := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	ref, err := cat.Register(ctx, "events", maxTS)
	require.NoError(t, err)

	p := part.Part{
		ID: "p_1", Partition: ref.Key, Alive: true,
		RowCount: 2, MinTimestamp: maxTS.Add(-time.Hour), MaxTimestamp: maxTS,
	}
	written, err := hot.WritePart(ctx, ref.Table, ref.Key, p, []map[string]any{
		{"id": 1.0, "ts": float64(maxTS.Add(-time.Hour).UnixMilli())},
		{"id": 2.0, "ts": float64(maxTS.UnixMilli())},
	})
	require.NoError(t, err)
	require.NoError(t, cat.AddPart(ctx, ref, written))

	return &fixture{
		catalog: cat,
		mig:     New(cat, tiers),
		hot:     hot,
		cold:    cold,
		ref:     ref,
		maxTS:   maxTS,
	}
}

func TestNoDirectiveBeforeThreshold(t *testing.T) {
	f := setup(t, testSchema())
	directives, err := f.mig.Evaluate("events", f.maxTS.Add(time.Hour*11))
	require.NoError(t, err)
	require.Empty(t, directives)
}

func TestMoveThenDelete(t *testing.T) {
	f := setup(t, testSchema())
	ctx := context.Background()

	// 13h past the newest record, the 12h rule fires
	directives, err := f.mig.Evaluate("events", f.maxTS.Add(time.Hour*13))
	require.NoError(t, err)
	require.Len(t, directives, 1)
	require.Equal(t, ActionMoveToTier, directives[0].Action)
	require.Equal(t, "hot", directives[0].FromTier)
	require.Equal(t, "cold", directives[0].TargetTier)

	require.NoError(t, f.mig.Apply(ctx, directives[0]))
	require.Equal(t, 0, f.hot.PartCount("events", f.ref.Key))
	require.Equal(t, 1, f.cold.PartCount("events", f.ref.Key))
	p, err := f.catalog.Partition(f.ref)
	require.NoError(t, err)
	require.Equal(t, "cold", p.Tier)

	// the migrated partition's rows are unchanged
	rows, err := f.cold.ReadPart(ctx, f.ref.Table, f.ref.Key, "p_1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// already on cold, re-evaluating at the same age is a no-op
	directives, err = f.mig.Evaluate("events", f.maxTS.Add(time.Hour*13))
	require.NoError(t, err)
	require.Empty(t, directives)

	// 4 days past, the delete rule fires
	directives, err = f.mig.Evaluate("events", f.maxTS.Add(time.Hour*96))
	require.NoError(t, err)
	require.Len(t, directives, 1)
	require.Equal(t, ActionDelete, directives[0].Action)

	require.NoError(t, f.mig.Apply(ctx, directives[0]))
	require.Equal(t, 0, f.cold.PartCount("events", f.ref.Key))
	_, err = f.catalog.Partition(f.ref)
	require.ErrorIs(t, err, catalog.ErrPartitionNotFound)
}

func TestDeleteDominatesMove(t *testing.T) {
	f := setup(t, testSchema())

	// age exceeds both thresholds at once, only the delete is emitted
	directives, err := f.mig.Evaluate("events", f.maxTS.Add(time.Hour*200))
	require.NoError(t, err)
	require.Len(t, directives, 1)
	require.Equal(t, ActionDelete, directives[0].Action)
	require.Equal(t, "hot", directives[0].FromTier)
}

func TestUnflushedPartitionSkipped(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New("hot", nil, clockwork.NewFakeClock())
	require.NoError(t, cat.RegisterTable(ctx, testSchema()))
	_, err := cat.Register(ctx, "events", time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	mig := New(cat, tierstore.NewTierSetFromStores(map[string]tierstore.TierStore{
		"hot": tierstore.NewMemoryTierStore(),
	}, []string{"hot"}))

	// partition exists but has no flushed parts, no age to measure
	directives, err := mig.Evaluate("events", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, directives)
}

// onFirstWriteStore fires a callback on its first WritePart, used to inject
// work while a relocation is mid-copy
type onFirstWriteStore struct {
	*tierstore.MemoryTierStore
	once    sync.Once
	onFirst func()
}

func (s *onFirstWriteStore) WritePart(ctx context.Context, table, partitionKey string, p part.Part, rows []map[string]any) (part.Part, error) {
	s.once.Do(s.onFirst)
	return s.MemoryTierStore.WritePart(ctx, table, partitionKey, p, rows)
}

func TestApplyExcludesConcurrentFlush(t *testing.T) {
	ctx := context.Background()

	hot := tierstore.NewMemoryTierStore()
	cold := &onFirstWriteStore{MemoryTierStore: tierstore.NewMemoryTierStore()}
	tiers := tierstore.NewTierSetFromStores(map[string]tierstore.TierStore{
		"hot": hot, "cold": cold,
	}, []string{"hot", "cold"})

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	cat := catalog.New("hot", nil, clock)
	require.NoError(t, cat.RegisterTable(ctx, testSchema()))

	buf := ingest.NewBuffer(cat, tiers, ingest.Config{
		MaxRows:       1000,
		MaxBytes:      1 << 30,
		MaxBatchAge:   time.Hour,
		FlushInterval: time.Hour,
		CheckInterval: time.Second,
		FlushRetries:  1,
	}, clock)

	maxTS := clock.Now().Add(-time.Hour * 20)
	ref, err := cat.Register(ctx, "events", maxTS)
	require.NoError(t, err)
	p := part.Part{
		ID: "p_1", Partition: ref.Key, Alive: true,
		CreatedAt: clock.Now(), RowCount: 1,
		MinTimestamp: maxTS, MaxTimestamp: maxTS,
	}
	written, err := hot.WritePart(ctx, ref.Table, ref.Key, p, []map[string]any{
		{"id": 1.0, "ts": float64(maxTS.UnixMilli())},
	})
	require.NoError(t, err)
	require.NoError(t, cat.AddPart(ctx, ref, written))

	// a flush into the same partition fires while the relocation is copying
	// its first part to the cold tier
	var wg sync.WaitGroup
	var flushErr error
	cold.onFirst = func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := buf.Append("events", []map[string]any{
				{"id": 2.0, "ts": float64(maxTS.UnixMilli())},
			}); err != nil {
				flushErr = err
				return
			}
			flushErr = buf.Flush(ctx, "events")
		}()
	}

	mig := New(cat, tiers)
	directives, err := mig.Evaluate("events", clock.Now())
	require.NoError(t, err)
	require.Len(t, directives, 1)
	require.Equal(t, ActionMoveToTier, directives[0].Action)
	require.NoError(t, mig.Apply(ctx, directives[0]))

	wg.Wait()
	require.NoError(t, flushErr)

	// every live part is readable from the tier the catalog reports, no row
	// was lost to the move
	partition, err := cat.Partition(ref)
	require.NoError(t, err)
	require.Equal(t, "cold", partition.Tier)
	store, err := tiers.Store(partition.Tier)
	require.NoError(t, err)

	parts, err := cat.LiveParts(ref)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	total := 0
	for _, lp := range parts {
		rows, err := store.ReadPart(ctx, ref.Table, ref.Key, lp.ID)
		require.NoError(t, err)
		total += len(rows)
	}
	require.Equal(t, 2, total)
}

func TestUnknownTargetTierFailsClosed(t *testing.T) {
	ts := testSchema()
	ts.TTL = []schema.TTLRule{{After: schema.Duration(time.Hour * 12), ToTier: "glacier"}}
	f := setup(t, ts)
	ctx := context.Background()

	directives, err := f.mig.Evaluate("events", f.maxTS.Add(time.Hour*13))
	require.NoError(t, err)
	require.Len(t, directives, 1)

	err = f.mig.Apply(ctx, directives[0])
	require.ErrorIs(t, err, tierstore.ErrUnknownTier)

	// partition stays where it was, data intact
	p, err := f.catalog.Partition(f.ref)
	require.NoError(t, err)
	require.Equal(t, "hot", p.Tier)
	require.Equal(t, 1, f.hot.PartCount("events", f.ref.Key))
}
