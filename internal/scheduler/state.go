package scheduler

import (
	"sync"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// openCycle is the single Open cycle. Its own lock serialises signal appends
// so ingestion never waits on wager admission.
type openCycle struct {
	mu    sync.Mutex
	cycle domain.Cycle
}

func (o *openCycle) snapshot() domain.Cycle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycle.Clone()
}

// State is everything the scheduler owns. Exactly one cycle is Open; the
// pointer swap under mu is what redirects admission to the next cycle.
type State struct {
	mu      sync.RWMutex
	current *openCycle
	nextID  int64

	// closing holds cycles between close and settled, keyed by id. An entry
	// here is the re-entrancy guard for closeWindow.
	closing map[int64]domain.Cycle

	// history holds settled cycles, newest first.
	history     []domain.Cycle
	historySize int
}

func newState(firstID int64, start time.Time, historySize int) *State {
	s := &State{
		nextID:      firstID,
		closing:     make(map[int64]domain.Cycle),
		historySize: historySize,
	}
	s.current = s.open(start)
	return s
}

// open allocates the next cycle. Caller holds mu for writing, or owns s
// exclusively.
func (s *State) open(start time.Time) *openCycle {
	c := &openCycle{cycle: domain.Cycle{
		ID:           s.nextID,
		StartTime:    start,
		Status:       domain.CycleOpen,
		CommitStatus: domain.CommitPending,
	}}
	s.nextID++
	return c
}

// rotate closes the current cycle and opens the next one in one step. It
// returns false if the current cycle is somehow already closing.
func (s *State) rotate(now time.Time) (closed, opened domain.Cycle, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current
	cur.mu.Lock()
	defer cur.mu.Unlock()

	if _, busy := s.closing[cur.cycle.ID]; busy {
		return domain.Cycle{}, domain.Cycle{}, false
	}

	closed = cur.cycle.Clone()
	closed.Status = domain.CycleClosing
	closed.EndTime = &now
	s.closing[closed.ID] = closed

	s.current = s.open(now)
	return closed, s.current.cycle.Clone(), true
}

// currentCycle returns a copy of the Open cycle.
func (s *State) currentCycle() domain.Cycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.snapshot()
}

func (s *State) updateClosing(c domain.Cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.closing[c.ID]; ok {
		s.closing[c.ID] = c.Clone()
	}
}

// finish moves a cycle from closing to history.
func (s *State) finish(c domain.Cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.closing, c.ID)
	s.pushHistory(c)
}

func (s *State) pushHistory(c domain.Cycle) {
	s.history = append([]domain.Cycle{c.Clone()}, s.history...)
	if s.historySize > 0 && len(s.history) > s.historySize {
		s.history = s.history[:s.historySize]
	}
}

func (s *State) lookup(id int64) (domain.Cycle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cur := s.current.snapshot(); cur.ID == id {
		return cur, true
	}
	if c, ok := s.closing[id]; ok {
		return c.Clone(), true
	}
	for _, c := range s.history {
		if c.ID == id {
			return c.Clone(), true
		}
	}
	return domain.Cycle{}, false
}

func (s *State) recent(limit int) []domain.Cycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Cycle, n)
	for i := 0; i < n; i++ {
		out[i] = s.history[i].Clone()
	}
	return out
}

func (s *State) closingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.closing)
}
