package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler holds at most one pending expiry timer. Scheduling a new poll
// replaces the previous timer.
type Scheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	pollID  uuid.UUID
	gen     uint64
	closed  bool
	running sync.WaitGroup
	fire    func(pollID uuid.UUID)
}

// NewScheduler creates a scheduler that calls fire when a timer elapses.
func NewScheduler(fire func(pollID uuid.UUID)) *Scheduler {
	return &Scheduler{fire: fire}
}

// Schedule arms the expiry timer for pollID to fire after d.
func (s *Scheduler) Schedule(pollID uuid.UUID, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.pollID = pollID
	s.timer = time.AfterFunc(d, func() { s.expire(gen, pollID) })
}

func (s *Scheduler) expire(gen uint64, pollID uuid.UUID) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.pollID = uuid.Nil
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	s.fire(pollID)
}

// Cancel stops the pending timer if it belongs to pollID.
func (s *Scheduler) Cancel(pollID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil || s.pollID != pollID {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	s.pollID = uuid.Nil
	s.gen++
	return true
}

// Pending returns the poll the armed timer belongs to.
func (s *Scheduler) Pending() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollID, s.timer != nil
}

// Stop disarms the timer and waits for a callback that is already running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.running.Wait()
}
