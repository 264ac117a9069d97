package partitioner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDerivePartition(t *testing.T) {
	ts := time.Date(2022, 1, 24, 13, 5, 0, 0, time.UTC)

	key, err := DerivePartition(ts, []PartitionPlan{
		{Func: "toYear", As: "year"},
		{Func: "toMonth", As: "month"},
		{Func: "toDay", As: "day"},
	})
	require.NoError(t, err)
	require.Equal(t, "year=2022/month=01/day=24", key)

	// Same timestamp, same key
	again, err := DerivePartition(ts, []PartitionPlan{
		{Func: "toYear", As: "year"},
		{Func: "toMonth", As: "month"},
		{Func: "toDay", As: "day"},
	})
	require.NoError(t, err)
	require.Equal(t, key, again)

	_, err = DerivePartition(ts, []PartitionPlan{{Func: "toCentury", As: "c"}})
	require.ErrorIs(t, err, ErrFuncNotFound)
}

func TestRecordTime(t *testing.T) {
	ts, err := RecordTime(map[string]any{"ts": "2022-01-24T00:00:00.000Z"}, "ts")
	require.NoError(t, err)
	require.Equal(t, 24, ts.Day())

	ts, err = RecordTime(map[string]any{"ts": 1672406408279.0}, "ts")
	require.NoError(t, err)
	require.Equal(t, 30, ts.UTC().Day())

	_, err = RecordTime(map[string]any{"ts": 1672406408279}, "ts")
	require.ErrorIs(t, err, ErrInvalidColumnType)

	_, err = RecordTime(map[string]any{"other": "x"}, "ts")
	require.ErrorIs(t, err, ErrMissingColumn)
}
