package groot

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

// Timer is a pending delayed callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already ran or was stopped.
	Stop() bool
	Pending() bool
}

// Scheduler arms delayed callbacks and tells the time. Callbacks must run on the same goroutine
// as every other Node entry point.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// ManualScheduler is a logical clock. Time only moves in Advance, which runs due callbacks in
// order of their due time on the caller's goroutine.
type ManualScheduler struct {
	now   time.Time
	seq   uint64
	queue timerQueue
}

var manualEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func NewManualScheduler(start time.Time) *ManualScheduler {
	if start.IsZero() {
		start = manualEpoch
	}
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	return s.now
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	s.seq++
	t := &manualTimer{
		scheduler: s,
		due:       s.now.Add(d),
		seq:       s.seq,
		f:         f,
		pending:   true,
	}
	heap.Push(&s.queue, t)
	return t
}

// Advance moves the clock forward by d, firing every callback that falls due on the way,
// including callbacks armed by callbacks.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for len(s.queue) > 0 && !s.queue[0].due.After(target) {
		t := heap.Pop(&s.queue).(*manualTimer)
		if t.due.After(s.now) {
			s.now = t.due
		}
		t.pending = false
		t.f()
	}
	s.now = target
}

// Pending returns the number of armed callbacks.
func (s *ManualScheduler) Pending() int {
	return len(s.queue)
}

type manualTimer struct {
	scheduler *ManualScheduler
	due       time.Time
	seq       uint64
	f         func()
	index     int
	pending   bool
}

func (t *manualTimer) Stop() bool {
	if !t.pending {
		return false
	}
	heap.Remove(&t.scheduler.queue, t.index)
	t.pending = false
	return true
}

func (t *manualTimer) Pending() bool {
	return t.pending
}

type timerQueue []*manualTimer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

const loopQueueSize = 1024

// Loop runs posted functions one at a time. Transports and LoopScheduler post into it so a Node
// only ever sees a single goroutine.
type Loop struct {
	events chan func()
}

func NewLoop() *Loop {
	return &Loop{
		events: make(chan func(), loopQueueSize),
	}
}

func (l *Loop) Post(f func()) {
	l.events <- f
}

// Run executes posted functions until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case f := <-l.events:
			f()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LoopScheduler uses the wall clock and delivers fired callbacks through a Loop.
type LoopScheduler struct {
	loop *Loop
}

func NewLoopScheduler(loop *Loop) *LoopScheduler {
	return &LoopScheduler{loop: loop}
}

func (s *LoopScheduler) Now() time.Time {
	return time.Now()
}

func (s *LoopScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		s.loop.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.fired.Store(true)
			f()
		})
	})
	return t
}

type loopTimer struct {
	timer   *time.Timer
	fired   atomic.Bool
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.fired.Load() || t.stopped.Load() {
		return false
	}
	t.stopped.Store(true)
	t.timer.Stop()
	return true
}

func (t *loopTimer) Pending() bool {
	return !t.fired.Load() && !t.stopped.Load()
}
