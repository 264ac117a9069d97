package part

import "time"

type (
	// Part is an immutable write unit inside a partition, produced by a
	// buffer flush or by merging other parts. A partition's visible content
	// is the union of its alive parts.
	Part struct {
		ID        string
		Partition string
		Alive     bool
		CreatedAt time.Time
		RowCount  int64
		Bytes     int64
		// MinTimestamp and MaxTimestamp bound the record timestamps the part
		// contains. MaxTimestamp drives TTL age computation.
		MinTimestamp time.Time
		MaxTimestamp time.Time
	}
)

// ByCreation orders parts oldest first, ID as tie-break so the order is
// stable within a process.
func ByCreation(a, b Part) int {
	if a.CreatedAt.Before(b.CreatedAt) {
		return -1
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return 1
	}
	if a.ID < b.ID {
		return -1
	}
	if a.ID > b.ID {
		return 1
	}
	return 0
}
