package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/gologger"
	"github.com/danthegoodman1/tierdb/part"
	"github.com/danthegoodman1/tierdb/partitioner"
	"github.com/danthegoodman1/tierdb/schema"
	"github.com/danthegoodman1/tierdb/tierstore"
	"github.com/danthegoodman1/tierdb/utils"
	"github.com/jonboulle/clockwork"
)

var (
	logger = gologger.NewLogger()

	// ErrRetryBudgetExceeded means flushes kept failing past the retry
	// budget while thresholds were exceeded. Surfaced to the operator, the
	// batch is still retained.
	ErrRetryBudgetExceeded = errors.New("flush retry budget exceeded")
)

type (
	// Config bounds a table's buffered batch. Thresholds are OR'd: the first
	// one crossed triggers a flush. Count and byte limits protect memory
	// under bursts, the two time limits bound staleness when traffic is
	// idle.
	Config struct {
		MaxRows  int64
		MaxBytes int64
		// MaxBatchAge is measured from the first append into the batch
		MaxBatchAge time.Duration
		// FlushInterval is measured from the last completed flush
		FlushInterval time.Duration
		// CheckInterval is the cadence of the shared flush checker
		CheckInterval time.Duration
		// FlushRetries bounds in-place retries of a failing flush before the
		// condition is surfaced as fatal
		FlushRetries uint64
	}

	pendingRow struct {
		row  map[string]any
		ts   time.Time
		size int64
	}

	tableBatch struct {
		mu  sync.Mutex
		cfg Config

		pending     []pendingRow
		bytes       int64
		firstAppend time.Time
		lastFlush   time.Time

		failedFlushes uint64
		lastErr       error
	}

	// Buffer accumulates incoming rows per destination table and flushes
	// them as parts once any threshold is crossed. Rows are not durable
	// until flushed.
	Buffer struct {
		mu      sync.Mutex
		batches map[string]*tableBatch

		catalog  *catalog.Catalog
		tiers    *tierstore.TierSet
		clock    clockwork.Clock
		defaults Config

		kick chan struct{}
	}

	BufferStats struct {
		Rows          int64
		Bytes         int64
		FailedFlushes uint64
		LastError     string
	}
)

func DefaultConfig() Config {
	return Config{
		MaxRows:       utils.GetEnvOrDefaultInt("BUFFER_MAX_ROWS", 100_000),
		MaxBytes:      utils.GetEnvOrDefaultInt("BUFFER_MAX_BYTES", 32_000_000),
		MaxBatchAge:   time.Duration(utils.GetEnvOrDefaultInt("BUFFER_MAX_AGE_SEC", 30)) * time.Second,
		FlushInterval: time.Duration(utils.GetEnvOrDefaultInt("BUFFER_FLUSH_INTERVAL_SEC", 300)) * time.Second,
		CheckInterval: time.Duration(utils.GetEnvOrDefaultInt("BUFFER_CHECK_INTERVAL_MS", 1000)) * time.Millisecond,
		FlushRetries:  uint64(utils.GetEnvOrDefaultInt("BUFFER_FLUSH_RETRIES", 5)),
	}
}

func NewBuffer(cat *catalog.Catalog, tiers *tierstore.TierSet, defaults Config, clock clockwork.Clock) *Buffer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Buffer{
		batches:  make(map[string]*tableBatch),
		catalog:  cat,
		tiers:    tiers,
		clock:    clock,
		defaults: defaults,
		kick:     make(chan struct{}, 1),
	}
}

// resolveConfig overlays a table's declared buffer spec on the defaults
func (b *Buffer) resolveConfig(spec schema.BufferSpec) Config {
	cfg := b.defaults
	if spec.MaxRows > 0 {
		cfg.MaxRows = spec.MaxRows
	}
	if spec.MaxBytes > 0 {
		cfg.MaxBytes = spec.MaxBytes
	}
	if spec.MaxBatchAge > 0 {
		cfg.MaxBatchAge = spec.MaxBatchAge.Duration()
	}
	if spec.FlushInterval > 0 {
		cfg.FlushInterval = spec.FlushInterval.Duration()
	}
	return cfg
}

func (b *Buffer) batch(table string) (*tableBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tb, exists := b.batches[table]; exists {
		return tb, nil
	}
	ts, err := b.catalog.Schema(table)
	if err != nil {
		return nil, err
	}
	tb := &tableBatch{
		cfg:       b.resolveConfig(ts.Buffer),
		lastFlush: b.clock.Now(),
	}
	b.batches[table] = tb
	return tb, nil
}

// Append adds rows to the table's current batch. It validates and sizes the
// rows first, takes the batch lock only to append, and never blocks on I/O:
// crossing a count/byte threshold just signals the flush checker.
func (b *Buffer) Append(table string, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}
	ts, err := b.catalog.Schema(table)
	if err != nil {
		return err
	}
	tb, err := b.batch(table)
	if err != nil {
		return err
	}

	pending := make([]pendingRow, 0, len(records))
	for _, row := range records {
		recordTime, err := partitioner.RecordTime(row, ts.TimestampColumn)
		if err != nil {
			return fmt.Errorf("error in RecordTime: %w", err)
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("error in json.Marshal: %w", err)
		}
		pending = append(pending, pendingRow{
			row:  row,
			ts:   recordTime,
			size: int64(len(encoded)),
		})
	}

	tb.mu.Lock()
	if len(tb.pending) == 0 {
		tb.firstAppend = b.clock.Now()
	}
	for _, p := range pending {
		tb.pending = append(tb.pending, p)
		tb.bytes += p.size
	}
	crossed := int64(len(tb.pending)) >= tb.cfg.MaxRows || tb.bytes >= tb.cfg.MaxBytes
	tb.mu.Unlock()

	if crossed {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (tb *tableBatch) shouldFlush(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.pending) == 0 {
		return false
	}
	return int64(len(tb.pending)) >= tb.cfg.MaxRows ||
		tb.bytes >= tb.cfg.MaxBytes ||
		now.Sub(tb.firstAppend) >= tb.cfg.MaxBatchAge ||
		now.Sub(tb.lastFlush) >= tb.cfg.FlushInterval
}

// Flush forces a flush of a table's batch regardless of thresholds, used at
// shutdown and by the admin surface.
func (b *Buffer) Flush(ctx context.Context, table string) error {
	b.mu.Lock()
	tb, exists := b.batches[table]
	b.mu.Unlock()
	if !exists {
		return nil
	}
	return b.flushBatch(ctx, table, tb)
}

// FlushAll force-flushes every table, returning the first error.
func (b *Buffer) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	tables := make([]string, 0, len(b.batches))
	for table := range b.batches {
		tables = append(tables, table)
	}
	b.mu.Unlock()

	var firstErr error
	for _, table := range tables {
		if err := b.Flush(ctx, table); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushBatch converts the batch's pending rows into one part per destination
// partition. On failure the unflushed rows are retained and retried, bounded
// by the retry budget. Readers only ever observe fully written parts.
//
// The table's storage lock serializes this against forced flushes, the
// checker, and migration/compaction of the same table, so the tier resolved
// per partition cannot change mid-flush.
func (b *Buffer) flushBatch(ctx context.Context, table string, tb *tableBatch) error {
	lock := b.catalog.StorageLock(table)
	lock.Lock()
	defer lock.Unlock()

	tb.mu.Lock()
	n := len(tb.pending)
	if n == 0 {
		tb.mu.Unlock()
		return nil
	}
	snapshot := tb.pending[:n:n]
	tb.mu.Unlock()

	ts, err := b.catalog.Schema(table)
	if err != nil {
		return err
	}

	// Group rows by destination partition
	groups := make(map[catalog.PartitionRef][]pendingRow)
	var order []catalog.PartitionRef
	for _, p := range snapshot {
		ref, err := b.catalog.Register(ctx, table, p.ts)
		if err != nil {
			return fmt.Errorf("error in Register: %w", err)
		}
		if _, exists := groups[ref]; !exists {
			order = append(order, ref)
		}
		groups[ref] = append(groups[ref], p)
	}

	// correlates the per-partition log lines of one flush
	flushID := utils.GenRandomID("f_")

	var failed []pendingRow
	var flushErr error
	for _, ref := range order {
		if err := b.flushGroup(ctx, ts, ref, groups[ref], tb.cfg.FlushRetries); err != nil {
			logger.Error().Err(err).Str("flushID", flushID).Str("table", table).Str("partition", ref.Key).Msg("error flushing batch group, retaining rows")
			failed = append(failed, groups[ref]...)
			if flushErr == nil {
				flushErr = err
			}
		}
	}

	now := b.clock.Now()
	tb.mu.Lock()
	remainder := append(failed, tb.pending[n:]...)
	tb.pending = remainder
	tb.bytes = 0
	for _, p := range remainder {
		tb.bytes += p.size
	}
	if len(remainder) > 0 {
		tb.firstAppend = now
	}
	if flushErr == nil {
		tb.lastFlush = now
		tb.failedFlushes = 0
		tb.lastErr = nil
	} else {
		tb.failedFlushes++
		tb.lastErr = flushErr
		budgetExceeded := tb.failedFlushes > tb.cfg.FlushRetries
		tb.mu.Unlock()
		if budgetExceeded {
			logger.Error().Err(flushErr).Str("flushID", flushID).Str("table", table).Msg("flush retry budget exceeded, buffered rows at risk")
			return fmt.Errorf("%w: %s", ErrRetryBudgetExceeded, flushErr.Error())
		}
		return flushErr
	}
	tb.mu.Unlock()
	logger.Debug().Str("flushID", flushID).Str("table", table).Int("rows", n).Int("partitions", len(order)).Msg("flushed batch")
	return nil
}

// flushGroup writes exactly one part for one partition's rows, retrying
// transient storage failures with backoff.
func (b *Buffer) flushGroup(ctx context.Context, ts schema.TableSchema, ref catalog.PartitionRef, group []pendingRow, retries uint64) error {
	rows := make([]map[string]any, len(group))
	minTS, maxTS := group[0].ts, group[0].ts
	for i, p := range group {
		rows[i] = p.row
		if p.ts.Before(minTS) {
			minTS = p.ts
		}
		if p.ts.After(maxTS) {
			maxTS = p.ts
		}
	}
	// Parts are written in ordering-key order so merges can stream them
	part.SortRows(rows, ts.OrderingKey)

	partition, err := b.catalog.Partition(ref)
	if err != nil {
		return fmt.Errorf("error in Partition: %w", err)
	}
	store, err := b.tiers.Store(partition.Tier)
	if err != nil {
		return fmt.Errorf("error resolving tier store: %w", err)
	}

	newPart := part.Part{
		ID:           utils.GenKSortedID("p_"),
		Partition:    ref.Key,
		Alive:        true,
		CreatedAt:    b.clock.Now(),
		RowCount:     int64(len(rows)),
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
	err = backoff.Retry(func() error {
		written, err := store.WritePart(ctx, ref.Table, ref.Key, newPart, rows)
		if err != nil {
			return err
		}
		if err := b.catalog.AddPart(ctx, ref, written); err != nil {
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("error writing part: %w", err)
	}
	return nil
}

// Run drives the shared flush checker until ctx is cancelled. One checker
// serves all tables.
func (b *Buffer) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.defaults.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-b.kick:
		}
		b.sweep(ctx)
	}
}

func (b *Buffer) sweep(ctx context.Context) {
	b.mu.Lock()
	type entry struct {
		table string
		tb    *tableBatch
	}
	entries := make([]entry, 0, len(b.batches))
	for table, tb := range b.batches {
		entries = append(entries, entry{table, tb})
	}
	b.mu.Unlock()

	now := b.clock.Now()
	for _, e := range entries {
		if e.tb.shouldFlush(now) {
			if err := b.flushBatch(ctx, e.table, e.tb); err != nil {
				logger.Error().Err(err).Str("table", e.table).Msg("error in periodic flush")
			}
		}
	}
}

func (b *Buffer) Stats(table string) BufferStats {
	b.mu.Lock()
	tb, exists := b.batches[table]
	b.mu.Unlock()
	if !exists {
		return BufferStats{}
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	stats := BufferStats{
		Rows:          int64(len(tb.pending)),
		Bytes:         tb.bytes,
		FailedFlushes: tb.failedFlushes,
	}
	if tb.lastErr != nil {
		stats.LastError = tb.lastErr.Error()
	}
	return stats
}
