package part

import (
	"fmt"
	"sort"
)

// CompareKeys compares two rows by the given ordering key fields. Numbers
// sort before strings per field, missing values sort first.
func CompareKeys(a, b map[string]any, orderingKey []string) int {
	for _, field := range orderingKey {
		if c := compareValues(a[field], b[field]); c != 0 {
			return c
		}
	}
	return 0
}

func compareValues(a, b any) int {
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case aNum && bNum:
		if af < bf {
			return -1
		}
		if af > bf {
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	default:
		as := fmt.Sprint(a)
		bs := fmt.Sprint(b)
		if as < bs {
			return -1
		}
		if as > bs {
			return 1
		}
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// SortRows sorts rows in ordering-key order, stably so duplicate keys keep
// their append order within a part.
func SortRows(rows []map[string]any, orderingKey []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		return CompareKeys(rows[i], rows[j], orderingKey) < 0
	})
}

// Version extracts a row's version column as a float, 0 when absent or not
// numeric.
func Version(row map[string]any, column string) float64 {
	if column == "" {
		return 0
	}
	f, ok := asFloat(row[column])
	if !ok {
		return 0
	}
	return f
}
