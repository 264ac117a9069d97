package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danthegoodman1/tierdb/gologger"
	"github.com/danthegoodman1/tierdb/metastore"
	"github.com/danthegoodman1/tierdb/part"
	"github.com/danthegoodman1/tierdb/partitioner"
	"github.com/danthegoodman1/tierdb/schema"
	"github.com/jonboulle/clockwork"
)

var (
	logger = gologger.NewLogger()

	ErrTableNotFound     = errors.New("table not found")
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrPartsConflict means a swap lost a race with another mutation, the
	// caller should re-list and try again next pass
	ErrPartsConflict = errors.New("parts changed since listing")
)

type (
	PartitionRef struct {
		Table string
		Key   string
	}

	// Partition is the unit the TTL/tiering policy operates on. The catalog
	// exclusively owns this metadata.
	Partition struct {
		Key          string
		Tier         string
		CreatedAt    time.Time
		MinTimestamp time.Time
		MaxTimestamp time.Time
		Parts        map[string]part.Part
	}

	PartitionStat struct {
		Table        string
		Partition    string
		Tier         string
		Bytes        int64
		Rows         int64
		Parts        int
		MaxTimestamp time.Time
	}

	// Catalog tracks, per table, the set of partitions, their tier and their
	// parts. State is partitioned by table so operations on different tables
	// never contend.
	Catalog struct {
		mu     sync.RWMutex
		tables map[string]*tableState

		storageMu    sync.Mutex
		storageLocks map[string]*sync.Mutex

		defaultTier string
		// meta durably mirrors mutations when set
		meta  metastore.MetaStore
		clock clockwork.Clock
	}

	tableState struct {
		mu         sync.RWMutex
		schema     schema.TableSchema
		partitions map[string]*Partition
	}
)

func New(defaultTier string, meta metastore.MetaStore, clock clockwork.Clock) *Catalog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Catalog{
		tables:       make(map[string]*tableState),
		storageLocks: make(map[string]*sync.Mutex),
		defaultTier:  defaultTier,
		meta:         meta,
		clock:        clock,
	}
}

// StorageLock returns the table's storage lock. Anything that moves part data
// on the media (buffer flushes, migration apply, compaction) holds it for the
// whole operation, so a part listing taken under it cannot go stale against
// the stores before the operation finishes.
func (c *Catalog) StorageLock(table string) *sync.Mutex {
	c.storageMu.Lock()
	defer c.storageMu.Unlock()
	lock, exists := c.storageLocks[table]
	if !exists {
		lock = &sync.Mutex{}
		c.storageLocks[table] = lock
	}
	return lock
}

// RegisterTable declares (or re-declares) a table. Re-declaring replaces the
// policy but keeps known partitions, so re-running bootstrap converges to
// identical state. With a metastore attached, partition and part metadata is
// rehydrated from it.
func (c *Catalog) RegisterTable(ctx context.Context, ts schema.TableSchema) error {
	c.mu.Lock()
	state, exists := c.tables[ts.Name]
	if !exists {
		state = &tableState{
			partitions: make(map[string]*Partition),
		}
		c.tables[ts.Name] = state
	}
	c.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()
	state.schema = ts

	if c.meta == nil {
		return nil
	}

	if err := c.meta.UpsertTable(ctx, ts.Name); err != nil {
		return fmt.Errorf("error in UpsertTable: %w", err)
	}
	records, err := c.meta.ListPartitions(ctx, ts.Name)
	if err != nil {
		return fmt.Errorf("error in ListPartitions: %w", err)
	}
	for _, rec := range records {
		if _, exists := state.partitions[rec.Partition]; exists {
			continue
		}
		p := &Partition{
			Key:          rec.Partition,
			Tier:         rec.Tier,
			CreatedAt:    rec.CreatedAt,
			MinTimestamp: rec.MinTimestamp,
			MaxTimestamp: rec.MaxTimestamp,
			Parts:        make(map[string]part.Part),
		}
		parts, err := c.meta.ListParts(ctx, ts.Name, rec.Partition)
		if err != nil {
			return fmt.Errorf("error in ListParts: %w", err)
		}
		for _, pt := range parts {
			if pt.Alive {
				p.Parts[pt.ID] = pt
			}
		}
		state.partitions[rec.Partition] = p
	}
	return nil
}

func (c *Catalog) table(name string) (*tableState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, exists := c.tables[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return state, nil
}

func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) Schema(table string) (schema.TableSchema, error) {
	state, err := c.table(table)
	if err != nil {
		return schema.TableSchema{}, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.schema, nil
}

// Register resolves or creates the partition for a record timestamp. The same
// timestamp always resolves to the same ref, and concurrent registration of
// the same derived key yields one partition, never a duplicate.
func (c *Catalog) Register(ctx context.Context, table string, ts time.Time) (PartitionRef, error) {
	state, err := c.table(table)
	if err != nil {
		return PartitionRef{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	key, err := partitioner.DerivePartition(ts, state.schema.PartitionBy)
	if err != nil {
		return PartitionRef{}, fmt.Errorf("error in DerivePartition: %w", err)
	}

	ref := PartitionRef{Table: table, Key: key}
	if _, exists := state.partitions[key]; exists {
		return ref, nil
	}

	p := &Partition{
		Key:       key,
		Tier:      c.defaultTier,
		CreatedAt: c.clock.Now(),
		Parts:     make(map[string]part.Part),
	}
	state.partitions[key] = p

	if c.meta != nil {
		err = c.meta.UpsertPartition(ctx, metastore.PartitionRecord{
			Table:     table,
			Partition: key,
			Tier:      p.Tier,
			CreatedAt: p.CreatedAt,
		})
		if err != nil {
			delete(state.partitions, key)
			return PartitionRef{}, fmt.Errorf("error in UpsertPartition: %w", err)
		}
	}
	return ref, nil
}

// AddPart attaches a freshly written part to its partition, widening the
// partition's timestamp bounds.
func (c *Catalog) AddPart(ctx context.Context, ref PartitionRef, p part.Part) error {
	state, err := c.table(ref.Table)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	partition, exists := state.partitions[ref.Key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, ref.Key)
	}

	partition.Parts[p.ID] = p
	if partition.MinTimestamp.IsZero() || p.MinTimestamp.Before(partition.MinTimestamp) {
		partition.MinTimestamp = p.MinTimestamp
	}
	if p.MaxTimestamp.After(partition.MaxTimestamp) {
		partition.MaxTimestamp = p.MaxTimestamp
	}

	if c.meta != nil {
		if err := c.meta.UpsertPart(ctx, ref.Table, p); err != nil {
			return fmt.Errorf("error in UpsertPart: %w", err)
		}
		err = c.meta.UpsertPartition(ctx, metastore.PartitionRecord{
			Table:        ref.Table,
			Partition:    ref.Key,
			Tier:         partition.Tier,
			CreatedAt:    partition.CreatedAt,
			MinTimestamp: partition.MinTimestamp,
			MaxTimestamp: partition.MaxTimestamp,
		})
		if err != nil {
			return fmt.Errorf("error in UpsertPartition: %w", err)
		}
	}
	return nil
}

// LiveParts lists a partition's alive parts oldest first.
func (c *Catalog) LiveParts(ref PartitionRef) ([]part.Part, error) {
	state, err := c.table(ref.Table)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	defer state.mu.RUnlock()

	partition, exists := state.partitions[ref.Key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, ref.Key)
	}

	parts := make([]part.Part, 0, len(partition.Parts))
	for _, p := range partition.Parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		return part.ByCreation(parts[i], parts[j]) < 0
	})
	return parts, nil
}

// SwapParts atomically replaces oldIDs with the merged part. Fails with
// ErrPartsConflict if any of oldIDs is no longer alive, so a merge that
// raced a concurrent swap cannot destroy data.
func (c *Catalog) SwapParts(ctx context.Context, ref PartitionRef, oldIDs []string, merged part.Part) error {
	state, err := c.table(ref.Table)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	partition, exists := state.partitions[ref.Key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, ref.Key)
	}
	for _, id := range oldIDs {
		if _, alive := partition.Parts[id]; !alive {
			return fmt.Errorf("%w: part %s", ErrPartsConflict, id)
		}
	}

	if c.meta != nil {
		if err := c.meta.UpsertPart(ctx, ref.Table, merged); err != nil {
			return fmt.Errorf("error in UpsertPart: %w", err)
		}
		if err := c.meta.SetPartStates(ctx, ref.Table, ref.Key, oldIDs, false); err != nil {
			return fmt.Errorf("error in SetPartStates: %w", err)
		}
	}

	for _, id := range oldIDs {
		delete(partition.Parts, id)
	}
	partition.Parts[merged.ID] = merged
	return nil
}

// SetTier records a completed migration.
func (c *Catalog) SetTier(ctx context.Context, ref PartitionRef, tier string) error {
	state, err := c.table(ref.Table)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	partition, exists := state.partitions[ref.Key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, ref.Key)
	}

	if c.meta != nil {
		if err := c.meta.SetPartitionTier(ctx, ref.Table, ref.Key, tier); err != nil {
			return fmt.Errorf("error in SetPartitionTier: %w", err)
		}
	}
	partition.Tier = tier
	return nil
}

// MarkDeleted removes a partition entirely. Readers observe either the full
// partition or nothing.
func (c *Catalog) MarkDeleted(ctx context.Context, ref PartitionRef) error {
	state, err := c.table(ref.Table)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, exists := state.partitions[ref.Key]; !exists {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, ref.Key)
	}

	if c.meta != nil {
		if err := c.meta.DeletePartition(ctx, ref.Table, ref.Key); err != nil {
			return fmt.Errorf("error in DeletePartition: %w", err)
		}
	}
	delete(state.partitions, ref.Key)
	return nil
}

// Partition returns a copy of a partition's metadata.
func (c *Catalog) Partition(ref PartitionRef) (Partition, error) {
	state, err := c.table(ref.Table)
	if err != nil {
		return Partition{}, err
	}

	state.mu.RLock()
	defer state.mu.RUnlock()

	partition, exists := state.partitions[ref.Key]
	if !exists {
		return Partition{}, fmt.Errorf("%w: %s", ErrPartitionNotFound, ref.Key)
	}
	return copyPartition(partition), nil
}

// Partitions returns copies of all partitions of a table.
func (c *Catalog) Partitions(table string) ([]Partition, error) {
	state, err := c.table(table)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	defer state.mu.RUnlock()

	partitions := make([]Partition, 0, len(state.partitions))
	for _, p := range state.partitions {
		partitions = append(partitions, copyPartition(p))
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].Key < partitions[j].Key
	})
	return partitions, nil
}

// Stats returns the current byte/row/tier snapshot per partition.
func (c *Catalog) Stats(table string) ([]PartitionStat, error) {
	partitions, err := c.Partitions(table)
	if err != nil {
		return nil, err
	}
	stats := make([]PartitionStat, 0, len(partitions))
	for _, p := range partitions {
		stat := PartitionStat{
			Table:        table,
			Partition:    p.Key,
			Tier:         p.Tier,
			Parts:        len(p.Parts),
			MaxTimestamp: p.MaxTimestamp,
		}
		for _, pt := range p.Parts {
			stat.Bytes += pt.Bytes
			stat.Rows += pt.RowCount
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

func copyPartition(p *Partition) Partition {
	cp := *p
	cp.Parts = make(map[string]part.Part, len(p.Parts))
	for id, pt := range p.Parts {
		cp.Parts[id] = pt
	}
	return cp
}
