package testutil

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a scheduler whose time only moves when a test
// advances it. It satisfies engine.Scheduler.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
// Callbacks run on the goroutine that calls Advance or FireNext, outside
// the lock.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*manualTimer
	delays []time.Duration
}

type manualTimer struct {
	at      time.Duration
	seq     int
	f       func()
	stopped bool
}

// NewManualScheduler creates a scheduler at virtual time zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc schedules f to run once virtual time has advanced by d.
func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &manualTimer{at: s.now + d, seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	s.delays = append(s.delays, d)

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		s.remove(t)
		return true
	}
}

func (s *ManualScheduler) remove(t *manualTimer) {
	for i, cur := range s.timers {
		if cur == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// Advance moves virtual time forward by d and runs every timer that became
// due, in due order.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		t := s.nextDue(target)
		if t == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = t.at
		t.stopped = true
		s.remove(t)
		s.mu.Unlock()

		t.f()
	}
}

// FireNext advances to the earliest pending timer and runs it. It returns
// false when no timer is pending.
func (s *ManualScheduler) FireNext() bool {
	s.mu.Lock()
	if len(s.timers) == 0 {
		s.mu.Unlock()
		return false
	}
	s.sortTimers()
	t := s.timers[0]
	s.now = t.at
	t.stopped = true
	s.timers = s.timers[1:]
	s.mu.Unlock()

	t.f()
	return true
}

func (s *ManualScheduler) nextDue(target time.Duration) *manualTimer {
	s.sortTimers()
	if len(s.timers) == 0 || s.timers[0].at > target {
		return nil
	}
	return s.timers[0]
}

func (s *ManualScheduler) sortTimers() {
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].at != s.timers[j].at {
			return s.timers[i].at < s.timers[j].at
		}
		return s.timers[i].seq < s.timers[j].seq
	})
}

// Now returns the current virtual time.
func (s *ManualScheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending returns the number of timers that have not fired or been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Delays returns the delay of every AfterFunc call so far, in call order.
func (s *ManualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
