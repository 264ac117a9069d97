package schema

import (
	"testing"
	"time"

	"github.com/danthegoodman1/tierdb/partitioner"
	"github.com/stretchr/testify/require"
)

func testTable() TableSchema {
	return TableSchema{
		Name:            "events",
		TimestampColumn: "ts",
		PartitionBy: []partitioner.PartitionPlan{
			{Func: "toYear", As: "year"},
			{Func: "toMonth", As: "month"},
		},
		OrderingKey:   []string{"tenant_id", "event_id"},
		VersionColumn: "ver",
		TTL: []TTLRule{
			{After: Duration(12 * time.Hour), ToTier: "cold"},
			{After: Duration(72 * time.Hour), Delete: true},
		},
	}
}

func TestValidateTable(t *testing.T) {
	tiers := []string{"hot", "cold"}

	ts := testTable()
	require.NoError(t, ts.Validate(tiers))

	ts = testTable()
	ts.TTL[0].ToTier = "frozen"
	err := ts.Validate(tiers)
	require.Error(t, err)
	var ce ConfigError
	require.ErrorAs(t, err, &ce)

	// Move rule past the delete threshold is unreachable
	ts = testTable()
	ts.TTL[0].After = Duration(96 * time.Hour)
	err = ts.Validate(tiers)
	require.Error(t, err)
	require.ErrorAs(t, err, &ce)

	// Rule must pick exactly one action
	ts = testTable()
	ts.TTL[0].Delete = true
	require.Error(t, ts.Validate(tiers))

	ts = testTable()
	ts.VersionColumn = "ver"
	ts.OrderingKey = nil
	require.Error(t, ts.Validate(tiers))

	// Uppercase-leading columns would be renamed by the parquet round-trip,
	// so they are rejected up front
	ts = testTable()
	ts.TimestampColumn = "Ts"
	err = ts.Validate(tiers)
	require.Error(t, err)
	require.ErrorAs(t, err, &ce)

	ts = testTable()
	ts.OrderingKey = []string{"Tenant", "event_id"}
	require.Error(t, ts.Validate(tiers))

	ts = testTable()
	ts.VersionColumn = "Ver"
	require.Error(t, ts.Validate(tiers))
}

func TestDominantRule(t *testing.T) {
	ts := testTable()

	require.Nil(t, ts.DominantRule(time.Hour))

	rule := ts.DominantRule(13 * time.Hour)
	require.NotNil(t, rule)
	require.Equal(t, "cold", rule.ToTier)

	// Delete dominates once its threshold is crossed, even though the move
	// rule also matches
	rule = ts.DominantRule(4 * 24 * time.Hour)
	require.NotNil(t, rule)
	require.True(t, rule.Delete)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
tiers:
  - name: hot
    medium: disk
    path: /tmp/tierdb/hot
  - name: cold
    medium: memory
tables:
  - name: events
    timestamp_column: ts
    partition_by:
      - {func: toYear, as: year}
      - {func: toMonth, as: month}
    ordering_key: [tenant_id, event_id]
    version_column: ver
    ttl:
      - {after: 12h, to_tier: cold}
      - {after: 72h, delete: true}
    buffer:
      max_rows: 1000
      max_bytes: 5242880
      max_age: 30s
      flush_interval: 5m
`))
	require.NoError(t, err)
	require.Equal(t, "hot", cfg.DefaultTier())
	require.Len(t, cfg.Tables, 1)
	require.Equal(t, 12*time.Hour, cfg.Tables[0].TTL[0].After.Duration())
	require.Equal(t, int64(1000), cfg.Tables[0].Buffer.MaxRows)
	require.Equal(t, 30*time.Second, cfg.Tables[0].Buffer.MaxBatchAge.Duration())

	_, err = ParseConfig([]byte(`
tiers:
  - name: hot
    medium: floppy
tables: []
`))
	require.Error(t, err)
}
