package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/gologger"
	"github.com/danthegoodman1/tierdb/part"
	"github.com/danthegoodman1/tierdb/schema"
	"github.com/danthegoodman1/tierdb/tierstore"
	"github.com/danthegoodman1/tierdb/utils"
	"github.com/jonboulle/clockwork"
)

var logger = gologger.NewLogger()

type (
	MergeResult struct {
		Ref         catalog.PartitionRef
		Skipped     bool
		PartsMerged int
		RowsIn      int64
		RowsOut     int64
		NewPartID   string
	}

	// Coordinator compacts a partition's live parts into one larger part,
	// collapsing duplicate ordering-key values to the highest version when
	// the table declares a version column.
	Coordinator struct {
		catalog *catalog.Catalog
		tiers   *tierstore.TierSet
		clock   clockwork.Clock
	}
)

func New(cat *catalog.Catalog, tiers *tierstore.TierSet, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		catalog: cat,
		tiers:   tiers,
		clock:   clock,
	}
}

// Compact merges a partition's live parts. Idempotent: a partition with one
// part (or none) is skipped. It holds the table's storage lock so flushes and
// migrations of the same table wait until the merge lands; the final swap
// still refuses to run if a listed part disappeared meanwhile.
func (mc *Coordinator) Compact(ctx context.Context, ref catalog.PartitionRef) (MergeResult, error) {
	res := MergeResult{Ref: ref}

	lock := mc.catalog.StorageLock(ref.Table)
	lock.Lock()
	defer lock.Unlock()

	ts, err := mc.catalog.Schema(ref.Table)
	if err != nil {
		return res, fmt.Errorf("error in Schema: %w", err)
	}
	parts, err := mc.catalog.LiveParts(ref)
	if err != nil {
		return res, fmt.Errorf("error in LiveParts: %w", err)
	}
	if len(parts) < 2 {
		res.Skipped = true
		return res, nil
	}

	partition, err := mc.catalog.Partition(ref)
	if err != nil {
		return res, fmt.Errorf("error in Partition: %w", err)
	}
	store, err := mc.tiers.Store(partition.Tier)
	if err != nil {
		return res, fmt.Errorf("error resolving tier store: %w", err)
	}

	// parts are listed oldest first, index order is the tie-break order
	partRows := make([][]map[string]any, len(parts))
	for i, p := range parts {
		rows, err := store.ReadPart(ctx, ref.Table, ref.Key, p.ID)
		if err != nil {
			return res, fmt.Errorf("error in ReadPart for %s: %w", p.ID, err)
		}
		partRows[i] = rows
		res.RowsIn += int64(len(rows))
	}

	mergedRows := mergeSorted(partRows, ts)
	res.RowsOut = int64(len(mergedRows))
	res.PartsMerged = len(parts)

	merged := part.Part{
		ID:        utils.GenKSortedID("p_"),
		Partition: ref.Key,
		Alive:     true,
		CreatedAt: mc.clock.Now(),
		RowCount:  int64(len(mergedRows)),
	}
	for i, p := range parts {
		if i == 0 || p.MinTimestamp.Before(merged.MinTimestamp) {
			merged.MinTimestamp = p.MinTimestamp
		}
		if p.MaxTimestamp.After(merged.MaxTimestamp) {
			merged.MaxTimestamp = p.MaxTimestamp
		}
	}

	merged, err = store.WritePart(ctx, ref.Table, ref.Key, merged, mergedRows)
	if err != nil {
		return res, fmt.Errorf("error in WritePart: %w", err)
	}

	oldIDs := make([]string, len(parts))
	for i, p := range parts {
		oldIDs[i] = p.ID
	}
	err = mc.catalog.SwapParts(ctx, ref, oldIDs, merged)
	if err != nil {
		// lost a race, drop our output and leave the partition as-is
		if errors.Is(err, catalog.ErrPartsConflict) {
			if delErr := store.DeletePart(ctx, ref.Table, ref.Key, merged.ID); delErr != nil {
				logger.Error().Err(delErr).Str("partID", merged.ID).Msg("error deleting orphaned merge output")
			}
			res.Skipped = true
			return res, nil
		}
		return res, fmt.Errorf("error in SwapParts: %w", err)
	}

	for _, id := range oldIDs {
		if err := store.DeletePart(ctx, ref.Table, ref.Key, id); err != nil {
			logger.Error().Err(err).Str("partID", id).Msg("error deleting replaced part")
		}
	}

	res.NewPartID = merged.ID
	logger.Debug().Str("table", ref.Table).Str("partition", ref.Key).Int("partsMerged", res.PartsMerged).Int64("rowsIn", res.RowsIn).Int64("rowsOut", res.RowsOut).Msg("compacted partition")
	return res, nil
}

// mergeSorted k-way merges already-sorted part rows in ordering-key order.
// With a version column, only the row with the greatest version survives per
// key. Equal versions resolve to the row from the most recently created part
// (deterministic within a process, order-dependent across processes).
func mergeSorted(partRows [][]map[string]any, ts schema.TableSchema) []map[string]any {
	cursors := make([]int, len(partRows))
	var out []map[string]any

	for {
		// find the smallest head key across parts
		minPart := -1
		for i := range partRows {
			if cursors[i] >= len(partRows[i]) {
				continue
			}
			if minPart == -1 || part.CompareKeys(partRows[i][cursors[i]], partRows[minPart][cursors[minPart]], ts.OrderingKey) < 0 {
				minPart = i
			}
		}
		if minPart == -1 {
			return out
		}
		minRow := partRows[minPart][cursors[minPart]]

		// gather the full run of rows equal to that key, oldest part first
		var run []map[string]any
		for i := range partRows {
			for cursors[i] < len(partRows[i]) && part.CompareKeys(partRows[i][cursors[i]], minRow, ts.OrderingKey) == 0 {
				run = append(run, partRows[i][cursors[i]])
				cursors[i]++
			}
		}

		if ts.VersionColumn == "" || len(ts.OrderingKey) == 0 {
			// no dedup declared, keep every row
			out = append(out, run...)
			continue
		}

		// >= makes the later (more recently created) occurrence win version
		// ties
		survivor := run[0]
		for _, row := range run[1:] {
			if part.Version(row, ts.VersionColumn) >= part.Version(survivor, ts.VersionColumn) {
				survivor = row
			}
		}
		out = append(out, survivor)
	}
}
