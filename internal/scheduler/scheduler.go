// Package scheduler runs periodic jobs and one-shot delayed calls.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps cron-based jobs.
type Scheduler struct {
	cron *cron.Cron
}

// New returns a stopped scheduler that evaluates schedules in loc.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		cron: cron.New(cron.WithLocation(loc), cron.WithSeconds()),
	}
}

// Every registers a periodic job. Intervals are rounded down to whole
// seconds, with a one second floor.
func (s *Scheduler) Every(interval time.Duration, job func()) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	seconds := int(interval.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	spec := fmt.Sprintf("@every %ds", seconds)
	return s.cron.AddFunc(spec, job)
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Timers schedules one-shot delayed calls. The returned function cancels
// the call if it has not run yet.
type Timers interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// RealTimers uses time.AfterFunc.
type RealTimers struct{}

// AfterFunc wraps time.AfterFunc.
func (RealTimers) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ManualTimers holds delayed calls until Fire is called. Tests use it to
// run delayed work deterministically.
type ManualTimers struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]ManualCall
}

// ManualCall is a delayed call waiting in ManualTimers.
type ManualCall struct {
	Delay time.Duration
	f     func()
	id    int
}

// NewManualTimers returns timers that only fire when told to.
func NewManualTimers() *ManualTimers {
	return &ManualTimers{pending: make(map[int]ManualCall)}
}

// AfterFunc queues f. The returned func cancels it and reports whether it
// was still waiting.
func (m *ManualTimers) AfterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.pending[id] = ManualCall{Delay: d, f: f, id: id}

	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.pending[id]; !ok {
			return false
		}
		delete(m.pending, id)
		return true
	}
}

// Pending returns the delays of the calls still waiting, in scheduling
// order.
func (m *ManualTimers) Pending() []time.Duration {
	calls := m.snapshot()
	delays := make([]time.Duration, len(calls))
	for i, c := range calls {
		delays[i] = c.Delay
	}
	return delays
}

// Fire runs every waiting call, in scheduling order, outside the lock.
// Calls scheduled while firing wait for the next Fire.
func (m *ManualTimers) Fire() int {
	calls := m.snapshot()

	m.mu.Lock()
	for _, c := range calls {
		delete(m.pending, c.id)
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.f()
	}
	return len(calls)
}

func (m *ManualTimers) snapshot() []ManualCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]ManualCall, 0, len(m.pending))
	for id := 1; id <= m.nextID; id++ {
		if c, ok := m.pending[id]; ok {
			calls = append(calls, c)
		}
	}
	return calls
}
