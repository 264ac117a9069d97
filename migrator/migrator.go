package migrator

import (
	"context"
	"fmt"
	"time"

	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/gologger"
	"github.com/danthegoodman1/tierdb/tierstore"
)

var logger = gologger.NewLogger()

type (
	Action string

	// MigrationDirective instructs the storage layer to relocate or delete a
	// partition's data.
	MigrationDirective struct {
		Ref        catalog.PartitionRef
		Action     Action
		FromTier   string
		TargetTier string
	}

	// Migrator evaluates per-table TTL rules and applies the resulting
	// directives against the tier stores.
	Migrator struct {
		catalog *catalog.Catalog
		tiers   *tierstore.TierSet
	}
)

const (
	ActionMoveToTier Action = "move"
	ActionDelete     Action = "delete"
)

func New(cat *catalog.Catalog, tiers *tierstore.TierSet) *Migrator {
	return &Migrator{
		catalog: cat,
		tiers:   tiers,
	}
}

// Evaluate computes directives for every partition of a table. Age is
// measured from the newest record timestamp in the partition, so a partition
// stays hot while it still receives fresh data near the boundary. A directive
// is only emitted when the target state differs from the current one, so
// re-evaluating an already migrated partition is a no-op.
func (m *Migrator) Evaluate(table string, now time.Time) ([]MigrationDirective, error) {
	ts, err := m.catalog.Schema(table)
	if err != nil {
		return nil, fmt.Errorf("error in Schema: %w", err)
	}
	partitions, err := m.catalog.Partitions(table)
	if err != nil {
		return nil, fmt.Errorf("error in Partitions: %w", err)
	}

	var directives []MigrationDirective
	for _, p := range partitions {
		if p.MaxTimestamp.IsZero() {
			// nothing flushed yet, no age to measure
			continue
		}
		rule := ts.DominantRule(now.Sub(p.MaxTimestamp))
		if rule == nil {
			continue
		}
		if rule.Delete {
			directives = append(directives, MigrationDirective{
				Ref:      catalog.PartitionRef{Table: table, Key: p.Key},
				Action:   ActionDelete,
				FromTier: p.Tier,
			})
		} else if rule.ToTier != p.Tier {
			directives = append(directives, MigrationDirective{
				Ref:        catalog.PartitionRef{Table: table, Key: p.Key},
				Action:     ActionMoveToTier,
				FromTier:   p.Tier,
				TargetTier: rule.ToTier,
			})
		}
	}
	return directives, nil
}

// Apply executes a directive. It holds the table's storage lock for the whole
// move, so a buffer flush into the same partition either completes before the
// move (and its part is relocated with the rest) or waits and lands on the
// new tier. An unknown target tier fails closed: the partition stays where it
// is and the error is returned for reporting, it is retried on the next
// scheduler pass.
func (m *Migrator) Apply(ctx context.Context, d MigrationDirective) error {
	lock := m.catalog.StorageLock(d.Ref.Table)
	lock.Lock()
	defer lock.Unlock()

	from, err := m.tiers.Store(d.FromTier)
	if err != nil {
		return fmt.Errorf("error resolving source tier: %w", err)
	}

	switch d.Action {
	case ActionDelete:
		if err := from.DeletePartition(ctx, d.Ref.Table, d.Ref.Key); err != nil {
			return fmt.Errorf("error in DeletePartition: %w", err)
		}
		if err := m.catalog.MarkDeleted(ctx, d.Ref); err != nil {
			return fmt.Errorf("error in MarkDeleted: %w", err)
		}
		logger.Info().Str("table", d.Ref.Table).Str("partition", d.Ref.Key).Msg("deleted expired partition")
		return nil

	case ActionMoveToTier:
		to, err := m.tiers.Store(d.TargetTier)
		if err != nil {
			return fmt.Errorf("error resolving target tier: %w", err)
		}
		parts, err := m.catalog.LiveParts(d.Ref)
		if err != nil {
			return fmt.Errorf("error in LiveParts: %w", err)
		}
		if err := tierstore.Relocate(ctx, from, to, d.Ref.Table, d.Ref.Key, parts); err != nil {
			return fmt.Errorf("error in Relocate: %w", err)
		}
		if err := m.catalog.SetTier(ctx, d.Ref, d.TargetTier); err != nil {
			return fmt.Errorf("error in SetTier: %w", err)
		}
		logger.Info().Str("table", d.Ref.Table).Str("partition", d.Ref.Key).Str("fromTier", d.FromTier).Str("toTier", d.TargetTier).Msg("migrated partition")
		return nil

	default:
		return fmt.Errorf("unknown directive action %s", d.Action)
	}
}
