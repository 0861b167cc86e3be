// Package cleanup schedules post-completion teardown of a ticket's channel.
package cleanup

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs one delayed callback per ticket. Scheduling again replaces the pending timer.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	due     func(ticketID string)
	now     func() time.Time
	log     *zap.Logger
	stopped bool
}

// New returns a scheduler that calls due when a ticket's deadline passes.
func New(due func(ticketID string), log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		due:    due,
		now:    time.Now,
		log:    log,
	}
}

// Schedule arranges for the due callback to run for ticketID at at.
func (s *Scheduler) Schedule(ticketID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[ticketID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(at.Sub(s.now()), func() {
		s.mu.Lock()
		if s.timers[ticketID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, ticketID)
		s.mu.Unlock()
		s.log.Info("cleanup: due", zap.String("ticket_id", ticketID))
		s.due(ticketID)
	})
	s.timers[ticketID] = timer
	s.log.Info("cleanup: scheduled", zap.String("ticket_id", ticketID), zap.Time("at", at))
}

// Cancel drops the pending cleanup for ticketID and reports whether one existed.
func (s *Scheduler) Cancel(ticketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[ticketID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, ticketID)
	s.log.Info("cleanup: cancelled", zap.String("ticket_id", ticketID))
	return true
}

// Pending reports whether a cleanup is scheduled for ticketID.
func (s *Scheduler) Pending(ticketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[ticketID]
	return ok
}

// Stop cancels every pending timer. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
