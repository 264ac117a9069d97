package tierstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/danthegoodman1/tierdb/part"
)

type (
	// MemoryTierStore is an in-process medium. Cheap and volatile, also the
	// store used by unit tests.
	MemoryTierStore struct {
		mu sync.RWMutex
		// table -> partition -> partID -> rows
		parts map[string]map[string]map[string][]map[string]any
	}
)

func NewMemoryTierStore() *MemoryTierStore {
	return &MemoryTierStore{
		parts: make(map[string]map[string]map[string][]map[string]any),
	}
}

func (ms *MemoryTierStore) WritePart(_ context.Context, table, partitionKey string, p part.Part, rows []map[string]any) (part.Part, error) {
	b, err := json.Marshal(rows)
	if err != nil {
		return part.Part{}, fmt.Errorf("error in json.Marshal: %w", err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.parts[table] == nil {
		ms.parts[table] = make(map[string]map[string][]map[string]any)
	}
	if ms.parts[table][partitionKey] == nil {
		ms.parts[table][partitionKey] = make(map[string][]map[string]any)
	}
	copied := make([]map[string]any, len(rows))
	for i, row := range rows {
		copied[i] = row
	}
	ms.parts[table][partitionKey][p.ID] = copied

	p.Bytes = int64(len(b))
	return p, nil
}

func (ms *MemoryTierStore) ReadPart(_ context.Context, table, partitionKey, partID string) ([]map[string]any, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rows, exists := ms.parts[table][partitionKey][partID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPartNotFound, partID)
	}
	out := make([]map[string]any, len(rows))
	copy(out, rows)
	return out, nil
}

func (ms *MemoryTierStore) DeletePart(_ context.Context, table, partitionKey, partID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.parts[table][partitionKey], partID)
	return nil
}

func (ms *MemoryTierStore) DeletePartition(_ context.Context, table, partitionKey string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.parts[table], partitionKey)
	return nil
}

// PartCount reports how many parts a partition holds, used by tests.
func (ms *MemoryTierStore) PartCount(table, partitionKey string) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.parts[table][partitionKey])
}

func (ms *MemoryTierStore) Shutdown(_ context.Context) error {
	return nil
}
