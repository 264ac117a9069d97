package reporter

import (
	"github.com/danthegoodman1/tierdb/catalog"
)

type (
	// Reporter is a read-only view over the catalog for observability. It
	// never mutates state and is safe to call at any time.
	Reporter struct {
		catalog *catalog.Catalog
	}

	SnapshotRow struct {
		Table     string `json:"table"`
		Partition string `json:"partition"`
		Tier      string `json:"tier"`
		Bytes     int64  `json:"bytes"`
		Rows      int64  `json:"rows"`
		Parts     int    `json:"parts"`
	}
)

func New(cat *catalog.Catalog) *Reporter {
	return &Reporter{
		catalog: cat,
	}
}

// Snapshot lists current byte/row totals per table, partition and tier.
func (r *Reporter) Snapshot() ([]SnapshotRow, error) {
	var out []SnapshotRow
	for _, table := range r.catalog.Tables() {
		stats, err := r.catalog.Stats(table)
		if err != nil {
			return nil, err
		}
		for _, stat := range stats {
			out = append(out, SnapshotRow{
				Table:     stat.Table,
				Partition: stat.Partition,
				Tier:      stat.Tier,
				Bytes:     stat.Bytes,
				Rows:      stat.Rows,
				Parts:     stat.Parts,
			})
		}
	}
	return out, nil
}
