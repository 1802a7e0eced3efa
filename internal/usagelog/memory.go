package usagelog

import (
	"sync"

	"github.com/howard-nolan/llmgateway/internal/unified"
)

// MemoryUsageStore keeps usage records in memory, newest last.
type MemoryUsageStore struct {
	mu      sync.Mutex
	records []Record
	byID    map[string]int
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{byID: make(map[string]int)}
}

func (s *MemoryUsageStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.RequestID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryUsageStore) UpdateUsage(requestID string, usage unified.Usage, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[requestID]
	if !ok {
		return nil
	}
	s.records[i].Usage = usage
	s.records[i].Cost = cost
	s.records[i].Pending = false
	return nil
}

func (s *MemoryUsageStore) Query(f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if f.Alias != "" && rec.Alias != f.Alias {
			continue
		}
		if f.Provider != "" && rec.Provider != f.Provider {
			continue
		}
		if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
			continue
		}
		if f.Pending != nil && rec.Pending != *f.Pending {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryUsageStore) Delete(requestIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		drop[id] = true
	}
	kept := s.records[:0]
	for _, rec := range s.records {
		if !drop[rec.RequestID] {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	s.byID = make(map[string]int, len(s.records))
	for i, rec := range s.records {
		s.byID[rec.RequestID] = i
	}
	return nil
}

// MemoryErrorStore keeps error records in memory.
type MemoryErrorStore struct {
	mu      sync.Mutex
	records []ErrorRecord
}

func NewMemoryErrorStore() *MemoryErrorStore {
	return &MemoryErrorStore{}
}

func (s *MemoryErrorStore) Append(rec ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryErrorStore) QueryByRequestID(requestID string) ([]ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ErrorRecord
	for _, rec := range s.records {
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryErrorStore) Delete(requestIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		drop[id] = true
	}
	kept := s.records[:0]
	for _, rec := range s.records {
		if !drop[rec.RequestID] {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	return nil
}

// MemoryDebugStore keeps captured stream chunks in memory.
type MemoryDebugStore struct {
	mu      sync.Mutex
	records []DebugRecord
}

func NewMemoryDebugStore() *MemoryDebugStore {
	return &MemoryDebugStore{}
}

func (s *MemoryDebugStore) Append(rec DebugRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryDebugStore) QueryByRequestID(requestID string) ([]DebugRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DebugRecord
	for _, rec := range s.records {
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryDebugStore) Delete(requestIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		drop[id] = true
	}
	kept := s.records[:0]
	for _, rec := range s.records {
		if !drop[rec.RequestID] {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	return nil
}
