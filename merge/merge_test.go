package merge

import (
	"context"
	"testing"
	"time"

	"github.com/danthegoodman1/tierdb/catalog"
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
	}
}

type fixture struct {
	catalog *catalog.Catalog
	store   *tierstore.MemoryTierStore
	merger  *Coordinator
	clock   clockwork.FakeClock
	ref     catalog.PartitionRef
}

func setup(t *testing.T, ts schema.TableSchema) *fixture {
	t.Helper()
	ctx := context.Background()

	store := tierstore.NewMemoryTierStore()
	tiers := tierstore.NewTierSetFromStores(map[string]tierstore.TierStore{"hot": store}, []string{"hot"})
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))
	cat := catalog.New("hot", nil, clock)
	require.NoError(t, cat.RegisterTable(ctx, ts))

	ref, err := cat.Register(ctx, "events", time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	return &fixture{
		catalog: cat,
		store:   store,
		merger:  New(cat, tiers, clock),
		clock:   clock,
		ref:     ref,
	}
}

// addPart writes already-sorted rows as one part. The fake clock is advanced
// so each part gets a distinct creation time, newest last.
func (f *fixture) addPart(t *testing.T, id string, rows []map[string]any) {
	t.Helper()
	ctx := context.Background()
	f.clock.Advance(time.Second)
	p := part.Part{
		ID: id, Partition: f.ref.Key, Alive: true,
		CreatedAt: f.clock.Now(), RowCount: int64(len(rows)),
	}
	written, err := f.store.WritePart(ctx, f.ref.Table, f.ref.Key, p, rows)
	require.NoError(t, err)
	require.NoError(t, f.catalog.AddPart(ctx, f.ref, written))
}

func (f *fixture) readMerged(t *testing.T, partID string) []map[string]any {
	t.Helper()
	rows, err := f.store.ReadPart(context.Background(), f.ref.Table, f.ref.Key, partID)
	require.NoError(t, err)
	return rows
}

func TestCompactSkipsSinglePart(t *testing.T) {
	f := setup(t, testSchema())
	f.addPart(t, "p_1", []map[string]any{{"id": 1.0, "version": 1.0}})

	res, err := f.merger.Compact(context.Background(), f.ref)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 1, f.store.PartCount("events", f.ref.Key))
}

func TestCompactHighestVersionSurvives(t *testing.T) {
	f := setup(t, testSchema())
	f.addPart(t, "p_1", []map[string]any{{"id": 42.0, "version": 5.0, "state": "pending"}})
	f.addPart(t, "p_2", []map[string]any{{"id": 42.0, "version": 7.0, "state": "done"}})

	res, err := f.merger.Compact(context.Background(), f.ref)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 2, res.PartsMerged)
	require.Equal(t, int64(2), res.RowsIn)
	require.Equal(t, int64(1), res.RowsOut)

	rows := f.readMerged(t, res.NewPartID)
	require.Len(t, rows, 1)
	require.Equal(t, 7.0, rows[0]["version"])
	require.Equal(t, "done", rows[0]["state"])

	// replaced parts are gone from storage, only the merged part remains
	require.Equal(t, 1, f.store.PartCount("events", f.ref.Key))
	parts, err := f.catalog.LiveParts(f.ref)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, res.NewPartID, parts[0].ID)
}

func TestCompactIdempotent(t *testing.T) {
	f := setup(t, testSchema())
	f.addPart(t, "p_1", []map[string]any{{"id": 1.0, "version": 1.0}})
	f.addPart(t, "p_2", []map[string]any{{"id": 1.0, "version": 2.0}})

	res, err := f.merger.Compact(context.Background(), f.ref)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	// a second pass has nothing to do and changes nothing
	res2, err := f.merger.Compact(context.Background(), f.ref)
	require.NoError(t, err)
	require.True(t, res2.Skipped)
	rows := f.readMerged(t, res.NewPartID)
	require.Len(t, rows, 1)
	require.Equal(t, 2.0, rows[0]["version"])
}

func TestCompactMergesSorted(t *testing.T) {
	f := setup(t, testSchema())
	f.addPart(t, "p_1", []map[string]any{
		{"id": 1.0, "version": 1.0},
		{"id": 5.0, "version": 1.0},
	})
	f.addPart(t, "p_2", []map[string]any{
		{"id": 2.0, "version": 1.0},
		{"id": 4.0, "version": 1.0},
	})
	f.addPart(t, "p_3", []map[string]any{
		{"id": 3.0, "version": 1.0},
	})

	res, err := f.merger.Compact(context.Background(), f.ref)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.RowsOut)

	rows := f.readMerged(t, res.NewPartID)
	var ids []float64
	for _, row := range rows {
		ids = append(ids, row["id"].(float64))
	}
	require.Equal(t, []float64{1, 2, 3, 4, 5}, ids)
}

func TestCompactNoVersionColumnKeepsAll(t *testing.T) {
	ts := testSchema()
	ts.VersionColumn = ""
	f := setup(t, ts)
	f.addPart(t, "p_1", []map[string]any{{"id": 1.0, "v": "a"}})
	f.addPart(t, "p_2", []map[string]any{{"id": 1.0, "v": "b"}})

	res, err := f.merger.Compact(context.Background(), f.ref)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.RowsOut)
}

func TestCompactVersionTieNewestPartWins(t *testing.T) {
	f := setup(t, testSchema())
	f.addPart(t, "p_1", []map[string]any{{"id": 1.0, "version": 3.0, "origin": "old"}})
	f.addPart(t, "p_2", []map[string]any{{"id": 1.0, "version": 3.0, "origin": "new"}})

	res, err := f.merger.Compact(context.Background(), f.ref)
	require.NoError(t, err)
	rows := f.readMerged(t, res.NewPartID)
	require.Len(t, rows, 1)
	require.Equal(t, "new", rows[0]["origin"])
}

func TestCompactPreservesTimestampBounds(t *testing.T) {
	f := setup(t, testSchema())
	ctx := context.Background()

	early := time.Date(2026, 8, 29, 1, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)

	f.clock.Advance(time.Second)
	p1 := part.Part{ID: "p_1", Partition: f.ref.Key, Alive: true, CreatedAt: f.clock.Now(), RowCount: 1, MinTimestamp: early, MaxTimestamp: early}
	written, err := f.store.WritePart(ctx, f.ref.Table, f.ref.Key, p1, []map[string]any{{"id": 1.0, "version": 1.0}})
	require.NoError(t, err)
	require.NoError(t, f.catalog.AddPart(ctx, f.ref, written))

	f.clock.Advance(time.Second)
	p2 := part.Part{ID: "p_2", Partition: f.ref.Key, Alive: true, CreatedAt: f.clock.Now(), RowCount: 1, MinTimestamp: late, MaxTimestamp: late}
	written, err = f.store.WritePart(ctx, f.ref.Table, f.ref.Key, p2, []map[string]any{{"id": 2.0, "version": 1.0}})
	require.NoError(t, err)
	require.NoError(t, f.catalog.AddPart(ctx, f.ref, written))

	res, err := f.merger.Compact(ctx, f.ref)
	require.NoError(t, err)

	parts, err := f.catalog.LiveParts(f.ref)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, res.NewPartID, parts[0].ID)
	require.Equal(t, early, parts[0].MinTimestamp)
	require.Equal(t, late, parts[0].MaxTimestamp)
}
