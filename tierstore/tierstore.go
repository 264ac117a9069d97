package tierstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/danthegoodman1/tierdb/gologger"
	"github.com/danthegoodman1/tierdb/part"
	"github.com/danthegoodman1/tierdb/schema"
)

var (
	logger = gologger.NewLogger()

	// ErrUnknownTier means a directive targets a tier that is not configured.
	// Migration fails closed on it.
	ErrUnknownTier = errors.New("unknown tier")

	ErrPartNotFound = errors.New("part not found")
)

type (
	// TierStore is the narrow contract to one storage medium. Parts are
	// written whole and are immutable afterwards.
	TierStore interface {
		// WritePart durably writes one part's rows, keeping the identity of
		// p, and returns it with Bytes filled in
		WritePart(ctx context.Context, table, partitionKey string, p part.Part, rows []map[string]any) (part.Part, error)
		ReadPart(ctx context.Context, table, partitionKey, partID string) ([]map[string]any, error)
		DeletePart(ctx context.Context, table, partitionKey, partID string) error
		DeletePartition(ctx context.Context, table, partitionKey string) error
		Shutdown(ctx context.Context) error
	}

	// TierSet maps configured tier names to their backing stores.
	TierSet struct {
		stores map[string]TierStore
		order  []string
	}
)

func NewTierSet(specs []schema.TierSpec) (*TierSet, error) {
	ts := &TierSet{
		stores: make(map[string]TierStore, len(specs)),
	}
	for _, spec := range specs {
		var (
			store TierStore
			err   error
		)
		switch spec.Medium {
		case "disk":
			store, err = NewDiskTierStore(spec.Path)
		case "s3":
			store, err = NewS3TierStore(spec.Bucket, spec.Prefix)
		case "memory":
			store = NewMemoryTierStore()
		default:
			err = fmt.Errorf("unknown medium %s for tier %s", spec.Medium, spec.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("error creating store for tier %s: %w", spec.Name, err)
		}
		ts.stores[spec.Name] = store
		ts.order = append(ts.order, spec.Name)
	}
	return ts, nil
}

// NewTierSetFromStores wires pre-built stores, used in tests.
func NewTierSetFromStores(stores map[string]TierStore, order []string) *TierSet {
	return &TierSet{stores: stores, order: order}
}

func (ts *TierSet) Store(tier string) (TierStore, error) {
	store, exists := ts.stores[tier]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return store, nil
}

func (ts *TierSet) Has(tier string) bool {
	_, exists := ts.stores[tier]
	return exists
}

func (ts *TierSet) Names() []string {
	return ts.order
}

func (ts *TierSet) Shutdown(ctx context.Context) error {
	var lastErr error
	for name, store := range ts.stores {
		if err := store.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Str("tier", name).Msg("error shutting down tier store")
			lastErr = err
		}
	}
	return lastErr
}

// Relocate copies the listed parts from one store to another, preserving part
// identity, then removes only those parts from the source. Parts written to
// the partition after the listing was taken are untouched. The destination
// writes happen first so a failure leaves the source intact.
func Relocate(ctx context.Context, from, to TierStore, table, partitionKey string, parts []part.Part) error {
	for _, p := range parts {
		rows, err := from.ReadPart(ctx, table, partitionKey, p.ID)
		if err != nil {
			return fmt.Errorf("error in ReadPart for %s: %w", p.ID, err)
		}
		if _, err := to.WritePart(ctx, table, partitionKey, p, rows); err != nil {
			return fmt.Errorf("error in WritePart for %s: %w", p.ID, err)
		}
	}
	for _, p := range parts {
		if err := from.DeletePart(ctx, table, partitionKey, p.ID); err != nil {
			return fmt.Errorf("error in DeletePart for %s: %w", p.ID, err)
		}
	}
	return nil
}
