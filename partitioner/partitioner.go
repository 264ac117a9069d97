package partitioner

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// PartitionPlan is one segment of a table's partition key, e.g.
	// {Func: "toMonth", As: "month"} renders as `month=12`.
	PartitionPlan struct {
		Func string `yaml:"func"`
		As   string `yaml:"as"`
	}

	PartitionFunc func(t time.Time) string
)

var (
	Functions = map[string]PartitionFunc{
		"toDay": func(t time.Time) string {
			return fmt.Sprintf("%02d", t.Day())
		},
		"toMonth": func(t time.Time) string {
			return fmt.Sprintf("%02d", int(t.Month()))
		},
		"toYear": func(t time.Time) string {
			return fmt.Sprint(t.Year())
		},
		"toYearDay": func(t time.Time) string {
			return fmt.Sprint(t.YearDay())
		},
		"toYearWeek": func(t time.Time) string {
			year, week := t.ISOWeek()
			return fmt.Sprintf("%d-%02d", year, week)
		},
		"toWeekDay": func(t time.Time) string {
			return fmt.Sprint(int(t.Weekday()))
		},
	}

	ErrFuncNotFound = errors.New("partition function not found")

	ErrMissingColumn     = errors.New("missing timestamp column")
	ErrInvalidColumnType = errors.New("invalid timestamp column type")
)

// DerivePartition computes the partition key for a timestamp. The same
// timestamp always produces the same key for a given plan.
func DerivePartition(t time.Time, plans []PartitionPlan) (string, error) {
	var finalParts []string
	for _, plan := range plans {
		f, ok := Functions[plan.Func]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrFuncNotFound, plan.Func)
		}
		finalParts = append(finalParts, fmt.Sprintf("%s=%s", plan.As, f(t.UTC())))
	}
	return strings.Join(finalParts, "/"), nil
}

// ValidatePlans checks that every referenced partition function exists.
func ValidatePlans(plans []PartitionPlan) error {
	for _, plan := range plans {
		if _, ok := Functions[plan.Func]; !ok {
			return fmt.Errorf("%w: %s", ErrFuncNotFound, plan.Func)
		}
		if plan.As == "" {
			return fmt.Errorf("partition plan for %s is missing `as`", plan.Func)
		}
	}
	return nil
}

// RecordTime extracts the timestamp column from a flattened row. Accepts a
// datetime string like YYYY-MM-DDTHH:mm:ss.sssZ or a float of unix millis
// (JSON numbers decode as float64).
func RecordTime(row map[string]any, column string) (time.Time, error) {
	value, exists := row[column]
	if !exists {
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissingColumn, column)
	}

	if valString, isStr := value.(string); isStr {
		t, err := time.Parse("2006-01-02T15:04:05.000Z", valString)
		if err != nil {
			return time.Time{}, fmt.Errorf("error in time.Parse for string: %w", err)
		}
		return t, nil
	}
	if valFloat, isFloat := value.(float64); isFloat {
		return time.UnixMilli(int64(valFloat)), nil
	}
	if valTime, isTime := value.(time.Time); isTime {
		return valTime, nil
	}
	return time.Time{}, ErrInvalidColumnType
}
