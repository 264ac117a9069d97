package main

import (
	"context"
	"fmt"

	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/ingest"
	"github.com/danthegoodman1/tierdb/lifecycle"
	"github.com/danthegoodman1/tierdb/merge"
	"github.com/danthegoodman1/tierdb/metastore"
	"github.com/danthegoodman1/tierdb/migrator"
	"github.com/danthegoodman1/tierdb/reporter"
	"github.com/danthegoodman1/tierdb/schema"
	"github.com/danthegoodman1/tierdb/tierstore"
	"github.com/jonboulle/clockwork"
)

type (
	TierDB struct {
		Config    *schema.Config
		Catalog   *catalog.Catalog
		Tiers     *tierstore.TierSet
		Buffer    *ingest.Buffer
		Migrator  *migrator.Migrator
		Merger    *merge.Coordinator
		Scheduler *lifecycle.Scheduler
		Reporter  *reporter.Reporter
	}
)

func NewTierDB(cfg *schema.Config, meta metastore.MetaStore, clock clockwork.Clock) (*TierDB, error) {
	tiers, err := tierstore.NewTierSet(cfg.Tiers)
	if err != nil {
		return nil, fmt.Errorf("error in NewTierSet: %w", err)
	}

	cat := catalog.New(cfg.DefaultTier(), meta, clock)
	buf := ingest.NewBuffer(cat, tiers, ingest.DefaultConfig(), clock)
	mig := migrator.New(cat, tiers)
	merger := merge.New(cat, tiers, clock)

	tdb := &TierDB{
		Config:    cfg,
		Catalog:   cat,
		Tiers:     tiers,
		Buffer:    buf,
		Migrator:  mig,
		Merger:    merger,
		Scheduler: lifecycle.New(cat, mig, merger, buf, clock),
		Reporter:  reporter.New(cat),
	}
	return tdb, nil
}

// Bootstrap declares every table idempotently and synchronously enforces its
// policies (migration and one compaction pass), so a freshly created table is
// already in its target state before any traffic. Safe to re-run: the second
// run converges to identical state.
func (t *TierDB) Bootstrap(ctx context.Context) error {
	for _, ts := range t.Config.Tables {
		if err := t.Catalog.RegisterTable(ctx, ts); err != nil {
			return fmt.Errorf("error registering table %s: %w", ts.Name, err)
		}
	}
	if err := t.Scheduler.ApplyNow(ctx); err != nil {
		return fmt.Errorf("error in ApplyNow: %w", err)
	}
	return nil
}
