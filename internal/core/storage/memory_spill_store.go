package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/google/uuid"
)

type memoryRun struct {
	seq     int
	payload []byte
}

// MemorySpillStore keeps compressed runs in process memory. It is the default
// backend and the one used by tests.
type MemorySpillStore struct {
	mu     sync.Mutex
	spills map[uuid.UUID][]memoryRun
}

func NewMemorySpillStore() *MemorySpillStore {
	return &MemorySpillStore{spills: make(map[uuid.UUID][]memoryRun)}
}

func (s *MemorySpillStore) Backend() string { return "memory" }

func (s *MemorySpillStore) WriteRun(_ context.Context, spillID uuid.UUID, seq int, run *block.Page) (int, error) {
	payload := EncodeRun(run)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.spills[spillID] {
		if r.seq == seq {
			return 0, fmt.Errorf("spill %s: run %d already written", spillID, seq)
		}
	}
	s.spills[spillID] = append(s.spills[spillID], memoryRun{seq: seq, payload: payload})
	return len(payload), nil
}

func (s *MemorySpillStore) ReadRuns(_ context.Context, spillID uuid.UUID) ([]*block.Page, error) {
	s.mu.Lock()
	runs := append([]memoryRun(nil), s.spills[spillID]...)
	s.mu.Unlock()

	if len(runs) == 0 {
		return nil, fmt.Errorf("spill %s: %w", spillID, ErrSpillNotFound)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].seq < runs[j].seq })

	pages := make([]*block.Page, 0, len(runs))
	for _, r := range runs {
		page, err := DecodeRun(r.payload)
		if err != nil {
			return nil, fmt.Errorf("spill %s run %d: %w", spillID, r.seq, err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func (s *MemorySpillStore) Delete(_ context.Context, spillID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spills, spillID)
	return nil
}

// RunCount reports how many runs a spill currently holds.
func (s *MemorySpillStore) RunCount(spillID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spills[spillID])
}

// SpillCount reports how many spills hold at least one run.
func (s *MemorySpillStore) SpillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spills)
}
