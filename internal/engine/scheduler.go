package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReviveScheduler keeps at most one pending revive timer per user. Arm
// replaces any existing timer and returns a fresh episode handle; a timer
// fires at most once per episode and never after Disarm. Deadlines are
// persisted on the user record, not here, so restarts re-arm from the
// registry.
type ReviveScheduler struct {
	mu      sync.Mutex
	timers  map[string]*reviveTimer
	fire    func(steamID string)
	stopped bool
}

type reviveTimer struct {
	episode  string
	deadline time.Time
	timer    *time.Timer
}

// NewReviveScheduler creates a scheduler delivering fires to the given
// callback. The callback runs on the timer goroutine and must hand off
// quickly.
func NewReviveScheduler(fire func(steamID string)) *ReviveScheduler {
	return &ReviveScheduler{
		timers: make(map[string]*reviveTimer),
		fire:   fire,
	}
}

// Arm schedules a fire at deadline, replacing any pending timer for the
// user. A past deadline fires immediately. Returns the episode handle.
func (s *ReviveScheduler) Arm(steamID string, deadline time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ""
	}
	if existing, ok := s.timers[steamID]; ok {
		existing.timer.Stop()
	}

	episode := uuid.NewString()
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	rt := &reviveTimer{episode: episode, deadline: deadline}
	rt.timer = time.AfterFunc(d, func() {
		s.expire(steamID, episode)
	})
	s.timers[steamID] = rt
	return episode
}

// Disarm cancels the user's pending timer, if any.
func (s *ReviveScheduler) Disarm(steamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rt, ok := s.timers[steamID]; ok {
		rt.timer.Stop()
		delete(s.timers, steamID)
	}
}

// DisarmAll cancels every pending timer but keeps the scheduler usable.
func (s *ReviveScheduler) DisarmAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for steamID, rt := range s.timers {
		rt.timer.Stop()
		delete(s.timers, steamID)
	}
}

// Armed returns the deadline of the user's pending timer, if any.
func (s *ReviveScheduler) Armed(steamID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rt, ok := s.timers[steamID]; ok {
		return rt.deadline, true
	}
	return time.Time{}, false
}

// Stop cancels every timer and rejects further arming.
func (s *ReviveScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for steamID, rt := range s.timers {
		rt.timer.Stop()
		delete(s.timers, steamID)
	}
}

// expire delivers a fire if its episode is still the pending one. Replaced
// or disarmed episodes are dropped here, which is what makes a fire
// at-most-once.
func (s *ReviveScheduler) expire(steamID, episode string) {
	s.mu.Lock()
	rt, ok := s.timers[steamID]
	if !ok || rt.episode != episode || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, steamID)
	s.mu.Unlock()

	s.fire(steamID)
}
