package reactor

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshkv/go-client/internal/future"
)

// ErrLoopClosed is returned by operations attempted after Shutdown.
var ErrLoopClosed = errors.New("reactor: loop is shut down")

// defaultPollTimeout bounds how long a single Poll call blocks when no
// timer is pending; grounded on reactor.py's asyncore.loop(timeout=0.01)
// cadence. Submit does not interrupt a Poll in progress, so this is also
// how long a newly submitted job or a Shutdown can wait to be noticed.
const defaultPollTimeout = 10 * time.Millisecond

// Loop is the reactor (L2): one dispatch goroutine owns a readiness poller,
// a job queue, and a deadline-ordered timer heap. All callbacks registered
// with the loop — I/O readiness, timers, submitted jobs — run serially on
// that one goroutine, so none of them may block.
type Loop struct {
	poller *poller
	state  *fastState

	jobs   chan func()
	stopCh chan struct{}
	doneCh chan struct{}

	timersMu sync.Mutex
	timers   timerHeap

	insideDispatch atomic.Bool
}

// NewLoop constructs a Loop with its platform poller initialized but not
// yet running; call Run to start the dispatch goroutine.
func NewLoop() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		poller: p,
		state:  newFastState(),
		jobs:   make(chan func(), 1024),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	return l, nil
}

// Run starts the dispatch goroutine and installs this loop's reactor-thread
// detector into the future package, so Future.Result rejects reentrant
// blocking waits performed from inside a callback this loop is dispatching.
func (l *Loop) Run() {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		return
	}
	future.SetReactorThreadChecker(l.onLoopGoroutine)
	go l.run()
}

func (l *Loop) onLoopGoroutine() bool {
	return l.insideDispatch.Load()
}

func (l *Loop) run() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			l.drainTimers()
			l.state.Store(StateTerminated)
			return
		default:
		}

		l.runDueJobs()
		l.runDueTimers()

		timeout := l.nextPollTimeout()
		l.state.TryTransition(StateRunning, StateSleeping)
		if _, err := l.poller.Poll(timeout); err != nil && !errors.Is(err, ErrPollerClosed) {
			// A poll error outside shutdown is unrecoverable for this
			// loop; stop rather than spin on a broken poller.
			l.state.Store(StateTerminated)
			return
		}
		l.state.TryTransition(StateSleeping, StateRunning)
	}
}

func (l *Loop) runDueJobs() {
	for {
		select {
		case job := <-l.jobs:
			l.dispatch(job)
		default:
			return
		}
	}
}

// dispatch runs fn with insideDispatch set, so a nested Future.Result call
// made synchronously from within fn is correctly identified as reentrant.
func (l *Loop) dispatch(fn func()) {
	l.insideDispatch.Store(true)
	defer l.insideDispatch.Store(false)
	fn()
}

// Submit enqueues fn to run on the loop goroutine. Safe to call from any
// goroutine.
func (l *Loop) Submit(fn func()) error {
	if l.state.Load() == StateTerminated {
		return ErrLoopClosed
	}
	select {
	case l.jobs <- fn:
		return nil
	case <-l.stopCh:
		return ErrLoopClosed
	}
}

// RegisterFD registers fd for the given readiness events; cb runs on the
// loop goroutine when the fd becomes ready.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	return l.poller.Register(fd, events, func(ev IOEvents) {
		l.dispatch(func() { cb(ev) })
	})
}

// ModifyFD updates the readiness events monitored for fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.Modify(fd, events)
}

// UnregisterFD stops monitoring fd. Callers must do this before closing fd.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.Unregister(fd)
}

// AddTimer schedules cb to run on the loop goroutine once, no earlier than
// delay from now. It returns a cancel function, safe to call from any
// goroutine and safe to call more than once.
func (l *Loop) AddTimer(delay time.Duration, cb func()) func() {
	return l.AddTimerAbsolute(time.Now().Add(delay), cb)
}

// AddTimerAbsolute is AddTimer with an absolute deadline instead of a delay.
func (l *Loop) AddTimerAbsolute(deadline time.Time, cb func()) func() {
	t := &timer{deadline: deadline, callback: cb}
	l.timersMu.Lock()
	heap.Push(&l.timers, t)
	l.timersMu.Unlock()
	return t.Cancel
}

func (l *Loop) runDueTimers() {
	now := time.Now()
	for {
		l.timersMu.Lock()
		if l.timers.Len() == 0 {
			l.timersMu.Unlock()
			return
		}
		next := l.timers[0]
		if next.deadline.After(now) {
			l.timersMu.Unlock()
			return
		}
		heap.Pop(&l.timers)
		l.timersMu.Unlock()

		if !next.canceled {
			l.dispatch(next.callback)
		}
	}
}

func (l *Loop) nextPollTimeout() int {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	if l.timers.Len() == 0 {
		return int(defaultPollTimeout / time.Millisecond)
	}
	until := time.Until(l.timers[0].deadline)
	if until <= 0 {
		return 0
	}
	if until > defaultPollTimeout {
		return int(defaultPollTimeout / time.Millisecond)
	}
	return int(until/time.Millisecond) + 1
}

// drainTimers runs the callback of every remaining, non-cancelled timer
// instead of discarding it; grounded on reactor.py's _cleanup_all_timers, which calls
// each timer's ended-callback during shutdown rather than silently
// dropping it, so pending deadline timers still complete (e.g. an
// invocation waiting on a timeout future still gets unblocked).
func (l *Loop) drainTimers() {
	l.timersMu.Lock()
	pending := make([]*timer, len(l.timers))
	copy(pending, l.timers)
	l.timers = l.timers[:0]
	l.timersMu.Unlock()

	for _, t := range pending {
		if !t.canceled {
			l.dispatch(t.callback)
		}
	}
}

// Shutdown stops the dispatch goroutine, closes the poller, and fires any
// still-pending timer callbacks. It blocks until the goroutine has exited.
// Safe to call more than once, and safe to call even if Run was never
// called.
func (l *Loop) Shutdown() {
	if l.state.TryTransition(StateAwake, StateTerminated) {
		// Run was never called: no goroutine to join, nothing polled yet.
		l.drainTimers()
		_ = l.poller.Close()
		return
	}
	if !l.state.TransitionAny([]LoopState{StateRunning, StateSleeping}, StateTerminating) {
		<-l.doneCh
		return
	}
	close(l.stopCh)
	<-l.doneCh
	_ = l.poller.Close()
}

// State returns the loop's current run state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}
