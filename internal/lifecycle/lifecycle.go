// Package lifecycle implements the client-wide state machine and
// lifecycle event dispatch described in spec.md §4.9.
package lifecycle

import (
	"sync"
	"sync/atomic"
)

// RunState is the STARTING/STARTED/SHUTTING_DOWN/SHUTDOWN axis.
type RunState uint32

const (
	// NotStarted is the state before Start() is first called.
	NotStarted RunState = iota
	Starting
	Started
	ShuttingDown
	Shutdown
)

func (s RunState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Starting:
		return "STARTING"
	case Started:
		return "STARTED"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// ConnectionState is the orthogonal CONNECTED/DISCONNECTED axis: a STARTED
// client can flip between the two many times as connections come and go.
type ConnectionState uint32

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// Event is the payload passed to a registered Listener.
type Event struct {
	Run        RunState
	Connection ConnectionState
	// IsConnectionEvent distinguishes a CONNECTED/DISCONNECTED transition
	// (Connection meaningful) from a run-state transition (Run meaningful).
	IsConnectionEvent bool
}

// Listener receives lifecycle events, synchronously, on the caller's
// goroutine. Implementations must not block indefinitely.
type Listener func(Event)

// Service is the lock-free lifecycle state machine, grounded on
// eventloop.FastState: an atomic run-state plus an independent atomic
// connection-state, each transitioned with CompareAndSwap. A mutex guards
// the listener table; dispatch calls a snapshot of it in registration
// order, outside the lock.
type Service struct {
	run   atomic.Uint32
	conn  atomic.Uint32
	mu    sync.Mutex
	next  int64
	byID  map[int64]Listener
	order []int64
}

// New returns a Service in NotStarted/Disconnected state.
func New() *Service {
	s := &Service{byID: make(map[int64]Listener)}
	s.run.Store(uint32(NotStarted))
	s.conn.Store(uint32(Disconnected))
	return s
}

// AddListener registers a listener and returns a registration id usable
// with RemoveListener. Registration order is preserved for dispatch.
func (s *Service) AddListener(l Listener) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.byID[id] = l
	s.order = append(s.order, id)
	return id
}

// RemoveListener unregisters a listener by its registration id.
func (s *Service) RemoveListener(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// RunState returns the current run state.
func (s *Service) RunState() RunState {
	return RunState(s.run.Load())
}

// ConnectionState returns the current connection state.
func (s *Service) ConnectionState() ConnectionState {
	return ConnectionState(s.conn.Load())
}

// Start is a no-op if already running (NotStarted -> Starting transition
// fails the CAS, detected via the guard below), else fires STARTING,
// flips to STARTED, and fires STARTED.
func (s *Service) Start() {
	if !s.run.CompareAndSwap(uint32(NotStarted), uint32(Starting)) {
		return
	}
	s.dispatchRun(Starting)
	s.run.Store(uint32(Started))
	s.dispatchRun(Started)
}

// Shutdown is idempotent: only the first call (from any state other than
// Shutdown) performs the SHUTTING_DOWN -> SHUTDOWN transition and fires
// both events.
func (s *Service) Shutdown() {
	for {
		current := RunState(s.run.Load())
		if current == Shutdown || current == ShuttingDown {
			return
		}
		if s.run.CompareAndSwap(uint32(current), uint32(ShuttingDown)) {
			break
		}
	}
	s.dispatchRun(ShuttingDown)
	s.run.Store(uint32(Shutdown))
	s.dispatchRun(Shutdown)
}

// SetConnected transitions the connection axis to CONNECTED and fires a
// listener event, but only if it was previously DISCONNECTED (callers
// representing "zero live connections to at least one" per spec.md §4.5
// call this; redundant calls are no-ops).
func (s *Service) SetConnected() {
	if s.conn.CompareAndSwap(uint32(Disconnected), uint32(Connected)) {
		s.dispatchConn(Connected)
	}
}

// SetDisconnected transitions the connection axis to DISCONNECTED (the
// reverse of SetConnected) and fires a listener event, only on the actual
// edge transition.
func (s *Service) SetDisconnected() {
	if s.conn.CompareAndSwap(uint32(Connected), uint32(Disconnected)) {
		s.dispatchConn(Disconnected)
	}
}

func (s *Service) dispatchRun(state RunState) {
	s.dispatch(Event{Run: state})
}

func (s *Service) dispatchConn(state ConnectionState) {
	s.dispatch(Event{Connection: state, IsConnectionEvent: true})
}

func (s *Service) dispatch(evt Event) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		listeners = append(listeners, s.byID[id])
	}
	s.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() { recover() }()
			l(evt)
		}()
	}
}
