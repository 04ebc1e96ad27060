package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a Store kept in memory. Records are stored encoded, like
// the durable stores, so tests see the same round-trip behaviour.
type MemoryStore[R any] struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore[R any]() *MemoryStore[R] {
	return &MemoryStore[R]{records: make(map[string][]byte)}
}

func (s *MemoryStore[R]) Put(_ context.Context, id string, record R) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = data
	return nil
}

func (s *MemoryStore[R]) Get(_ context.Context, id string) (R, error) {
	var record R
	s.mu.Lock()
	data, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return record, ErrNotFound
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("decoding record %s: %w", id, err)
	}
	return record, nil
}

func (s *MemoryStore[R]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// List returns the records ordered by id.
func (s *MemoryStore[R]) List(_ context.Context) ([]R, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	encoded := make([][]byte, len(ids))
	for i, id := range ids {
		encoded[i] = s.records[id]
	}
	s.mu.Unlock()

	records := make([]R, 0, len(encoded))
	for i, data := range encoded {
		var record R
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decoding record %s: %w", ids[i], err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Len returns the number of stored records.
func (s *MemoryStore[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
