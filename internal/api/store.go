package api

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RunStore keeps finished runs in memory, oldest evicted first once limit
// runs are held.
type RunStore struct {
	mu    sync.Mutex
	runs  map[string]*Run
	order []string
	limit int
}

func NewRunStore(limit int) *RunStore {
	if limit <= 0 {
		limit = defaultStoreLimit
	}
	return &RunStore{
		runs:  make(map[string]*Run),
		limit: limit,
	}
}

func (s *RunStore) Save(run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = &run
	for len(s.order) > s.limit {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *RunStore) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// List returns every stored run, newest first.
func (s *RunStore) List() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, id := range s.order {
		out = append(out, *s.runs[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func newRunID() string {
	return "run_" + uuid.NewString()
}
