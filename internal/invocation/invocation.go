// Package invocation implements the Invocation Service (L4): request
// submission, correlation-id assignment, routing, retry/backoff, and
// deadline enforcement.
package invocation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshkv/go-client/internal/backoff"
	"github.com/meshkv/go-client/internal/conn"
	"github.com/meshkv/go-client/internal/future"
	"github.com/meshkv/go-client/internal/kverrors"
	"github.com/meshkv/go-client/internal/reactor"
	"github.com/meshkv/go-client/internal/wire"
)

// RoutingKind selects how Invoke picks a target connection.
type RoutingKind int

const (
	// Random lets the supplied Router pick any live connection.
	Random RoutingKind = iota
	// Partition routes via a partition id, resolved to a member UUID by
	// the caller-supplied Router.
	Partition
	// Member targets a specific member UUID's connection.
	Member
	// OnConnection pins the invocation to one already-resolved connection.
	OnConnection
)

// Routing describes how to pick a target connection for one invocation.
type Routing struct {
	Kind        RoutingKind
	PartitionID int32
	MemberUUID  string
	Connection  *conn.Connection
}

// Router resolves routing decisions to concrete connections; implemented
// by the connection manager / partition service / load balancer stack.
// Kept as a narrow interface here so invocation has no import-time
// dependency on connmgr, cluster, or partition.
type Router interface {
	RandomConnection() (*conn.Connection, error)
	ConnectionForPartition(partitionID int32) (*conn.Connection, error)
	ConnectionForMember(memberUUID string) (*conn.Connection, error)
}

// invocationRecord is the in-flight bookkeeping entry for one request,
// matching spec.md §3's Invocation record.
type invocationRecord struct {
	correlationID int64
	request       *wire.Frame
	routing       Routing
	future        *future.Future
	deadline      time.Time
	attempt       int
	boundConn     *conn.Connection
	cancelTimer   func()
}

// Service owns the correlation map, the monotonic id generator, and the
// retry/backoff policy. Grounded on eventloop/registry.go's map-plus-mutex
// shape for the correlation table and RejectAll-style fan-out on
// connection death, though with strong references throughout (not weak
// pointers): every invocation here must complete exactly once, so nothing
// may be silently GC'd before that happens, unlike the JS-promise use case
// registry.go was built for.
type Service struct {
	loop   *reactor.Loop
	router Router

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*invocationRecord

	retrySchedule   backoff.Schedule
	eventListener   func(*conn.Connection, *wire.Frame)
	defaultTimeout  time.Duration
}

// NewService constructs an invocation service. retrySchedule paces
// capped-exponential retry attempts; defaultTimeout is used when Invoke is
// called with a zero timeout.
func NewService(loop *reactor.Loop, router Router, retrySchedule backoff.Schedule, defaultTimeout time.Duration) *Service {
	return &Service{
		loop:           loop,
		router:         router,
		pending:        make(map[int64]*invocationRecord),
		retrySchedule:  retrySchedule,
		defaultTimeout: defaultTimeout,
	}
}

// SetEventListener installs the handler for frames flagged FlagEvent that
// don't correlate to any in-flight invocation (unsolicited server pushes).
// fn receives the connection the event arrived on, since membership and
// partition-table admission both key on which connection a view came from.
func (s *Service) SetEventListener(fn func(*conn.Connection, *wire.Frame)) {
	s.mu.Lock()
	s.eventListener = fn
	s.mu.Unlock()
}

// Invoke assigns a correlation id, resolves a target connection per
// routing, enqueues the request frame, arms a deadline timer, and returns
// the invocation's future.
func (s *Service) Invoke(request *wire.Frame, routing Routing, timeout time.Duration) *future.Future {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	id := s.nextID.Add(1)
	request.CorrelationID = id

	f := future.New()
	rec := &invocationRecord{
		correlationID: id,
		request:       request,
		routing:       routing,
		future:        f,
		deadline:      time.Now().Add(timeout),
	}

	s.mu.Lock()
	s.pending[id] = rec
	s.mu.Unlock()

	s.attempt(rec)
	return f
}

func (s *Service) attempt(rec *invocationRecord) {
	rec.attempt++

	target, err := s.resolve(rec.routing)
	if err != nil {
		s.fail(rec, err)
		return
	}
	rec.boundConn = target

	remaining := time.Until(rec.deadline)
	if remaining <= 0 {
		s.fail(rec, &kverrors.OperationTimeoutError{CorrelationID: rec.correlationID})
		return
	}

	if err := target.WriteFrame(rec.request); err != nil {
		s.retryOrFail(rec, err)
		return
	}

	rec.cancelTimer = s.loop.AddTimer(remaining, func() {
		s.onDeadline(rec.correlationID)
	})
}

func (s *Service) resolve(r Routing) (*conn.Connection, error) {
	switch r.Kind {
	case OnConnection:
		if r.Connection == nil || !r.Connection.Live() {
			return nil, &kverrors.TargetDisconnectedError{}
		}
		return r.Connection, nil
	case Member:
		return s.router.ConnectionForMember(r.MemberUUID)
	case Partition:
		c, err := s.router.ConnectionForPartition(r.PartitionID)
		if err != nil {
			return s.router.RandomConnection()
		}
		return c, nil
	default:
		return s.router.RandomConnection()
	}
}

func (s *Service) retryOrFail(rec *invocationRecord, err error) {
	if !kverrors.IsRetryable(err) || time.Now().After(rec.deadline) {
		s.fail(rec, err)
		return
	}
	delay := s.retrySchedule.Delay(rec.attempt - 1)
	rec.cancelTimer = s.loop.AddTimer(delay, func() {
		s.attempt(rec)
	})
}

func (s *Service) onDeadline(id int64) {
	s.mu.Lock()
	rec, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rec.future.SetException(&kverrors.OperationTimeoutError{CorrelationID: id})
}

func (s *Service) fail(rec *invocationRecord, err error) {
	s.mu.Lock()
	delete(s.pending, rec.correlationID)
	s.mu.Unlock()
	if rec.cancelTimer != nil {
		rec.cancelTimer()
	}
	rec.future.SetException(err)
}

// HandleFrame is the Connection FrameHandler: it demultiplexes an inbound
// frame by correlation id, completing the matching invocation's future, or
// routes it to the event listener when flagged FlagEvent and unmatched.
func (s *Service) HandleFrame(source *conn.Connection, f *wire.Frame) {
	s.mu.Lock()
	rec, ok := s.pending[f.CorrelationID]
	if ok {
		delete(s.pending, f.CorrelationID)
	}
	listener := s.eventListener
	s.mu.Unlock()

	if !ok {
		if f.IsEvent() && listener != nil {
			listener(source, f)
		}
		return
	}

	if rec.cancelTimer != nil {
		rec.cancelTimer()
	}
	rec.future.SetResult(f)
}

// RejectAllForConnection fails every invocation currently bound to conn
// with cause; wired as a Connection's CloseHandler (via the connection
// manager) so a dead connection never leaves an invocation hanging.
func (s *Service) RejectAllForConnection(target *conn.Connection, cause error) {
	s.mu.Lock()
	var victims []*invocationRecord
	for id, rec := range s.pending {
		if rec.boundConn == target {
			victims = append(victims, rec)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, rec := range victims {
		if rec.cancelTimer != nil {
			rec.cancelTimer()
		}
		rec.future.SetException(fmt.Errorf("invocation: %w", cause))
	}
}

// Shutdown fails every still-pending invocation with a ClientOfflineError.
func (s *Service) Shutdown() {
	s.mu.Lock()
	victims := make([]*invocationRecord, 0, len(s.pending))
	for id, rec := range s.pending {
		victims = append(victims, rec)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, rec := range victims {
		if rec.cancelTimer != nil {
			rec.cancelTimer()
		}
		rec.future.SetException(&kverrors.ClientOfflineError{})
	}
}
