// Package timer schedules repeat and count timers on behalf of stages. The
// service never runs user callbacks itself: each fire is handed to the post
// function, which enqueues it on the owning stage's event loop so callbacks
// observe the same single-threaded world as every other stage event.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Service owns every active timer on a node. Timer ids are node-unique and
// never reused within a process lifetime.
type Service struct {
	post   func(stageId, timerId int64, fire func())
	nextId atomic.Int64

	mu     sync.Mutex
	timers map[int64]*state
	closed bool
}

type state struct {
	id        int64
	stageId   int64
	delay     time.Duration
	period    time.Duration
	remaining int // 0 means unlimited
	fn        func()

	stopCh    chan struct{}
	cancelled atomic.Bool
}

// New creates a Service. post receives every due fire together with the
// owning stage and timer id; it must not block.
func New(post func(stageId, timerId int64, fire func())) *Service {
	return &Service{
		post:   post,
		timers: make(map[int64]*state),
	}
}

// AddRepeat schedules fn every period after initialDelay, until cancelled.
// Returns the timer id, or 0 when the arguments cannot schedule anything.
func (s *Service) AddRepeat(stageId int64, initialDelay, period time.Duration, fn func()) int64 {
	return s.add(stageId, initialDelay, period, 0, fn)
}

// AddCount schedules fn count times, then removes the timer itself.
func (s *Service) AddCount(stageId int64, initialDelay, period time.Duration, count int, fn func()) int64 {
	if count <= 0 {
		return 0
	}
	return s.add(stageId, initialDelay, period, count, fn)
}

func (s *Service) add(stageId int64, delay, period time.Duration, count int, fn func()) int64 {
	// A timer that fires more than once needs a positive period.
	if period <= 0 && count != 1 {
		return 0
	}
	if delay < 0 {
		delay = 0
	}

	st := &state{
		id:        s.nextId.Add(1),
		stageId:   stageId,
		delay:     delay,
		period:    period,
		remaining: count,
		fn:        fn,
		stopCh:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.timers[st.id] = st
	s.mu.Unlock()

	go s.run(st)
	return st.id
}

// Cancel stops the timer. Fires already posted but not yet executed are
// dropped by the stage loop. Returns false for unknown or finished timers.
func (s *Service) Cancel(timerId int64) bool {
	s.mu.Lock()
	st, ok := s.timers[timerId]
	if ok {
		delete(s.timers, timerId)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	st.cancelled.Store(true)
	close(st.stopCh)
	return true
}

// CancelStage stops every timer owned by stageId. Called on stage destroy.
func (s *Service) CancelStage(stageId int64) int {
	s.mu.Lock()
	var stopped []*state
	for id, st := range s.timers {
		if st.stageId == stageId {
			stopped = append(stopped, st)
			delete(s.timers, id)
		}
	}
	s.mu.Unlock()

	for _, st := range stopped {
		st.cancelled.Store(true)
		close(st.stopCh)
	}
	return len(stopped)
}

// Close cancels all timers and refuses new ones.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	var stopped []*state
	for id, st := range s.timers {
		stopped = append(stopped, st)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	for _, st := range stopped {
		st.cancelled.Store(true)
		close(st.stopCh)
	}
}

// Active returns the number of scheduled timers.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Service) run(st *state) {
	delay := st.delay
	for {
		t := time.NewTimer(delay)
		select {
		case <-st.stopCh:
			t.Stop()
			return
		case <-t.C:
		}

		// The stage loop re-checks cancellation so a fire racing a Cancel
		// never executes. A count timer's final fire is not a cancellation
		// and still runs.
		s.post(st.stageId, st.id, func() {
			if !st.cancelled.Load() {
				st.fn()
			}
		})

		if st.remaining > 0 {
			st.remaining--
			if st.remaining == 0 {
				s.mu.Lock()
				delete(s.timers, st.id)
				s.mu.Unlock()
				return
			}
		}
		delay = st.period
	}
}
