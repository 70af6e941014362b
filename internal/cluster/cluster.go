// Package cluster implements the Cluster Service (L6): the versioned
// membership snapshot, membership listener dispatch, and the initial-list
// gate that Client Root waits on during startup.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshkv/go-client/internal/kverrors"
	"github.com/meshkv/go-client/internal/logging"
)

// MemberInfo is an immutable cluster member record; equality is by UUID.
type MemberInfo struct {
	UUID       string
	Address    string
	Lite       bool
	Attributes map[string]string
}

// Snapshot is a versioned, ordered view of cluster membership. Ordering
// matches the order the cluster reported members in, preserved via Order.
type Snapshot struct {
	Version int64
	Order   []string // member UUIDs in canonical cluster order
	Members map[string]MemberInfo
}

// emptySnapshot is the sentinel initial state, grounded on
// hazelcast/cluster.py's _EMPTY_SNAPSHOT = _MemberListSnapshot(-1, OrderedDict()).
var emptySnapshot = &Snapshot{Version: -1, Members: map[string]MemberInfo{}}

const initialMembersTimeout = 120 * time.Second

// MembershipListener is notified when a member is added or removed. Either
// callback may be nil.
type MembershipListener struct {
	OnAdded   func(MemberInfo)
	OnRemoved func(MemberInfo)
}

// ConnectionCloser closes a live connection to a member with a cause, used
// to tear down connections to members that left the cluster. Implemented
// by the connection manager; kept narrow here to avoid an import cycle.
type ConnectionCloser interface {
	CloseConnectionForMember(memberUUID string, cause error)
}

// Service holds the current membership Snapshot and dispatches membership
// change events in registration order, removals before additions, matching
// hazelcast/cluster.py's _InternalClusterService.
type Service struct {
	closer ConnectionCloser
	logger zerolog.Logger

	mu            sync.Mutex
	snapshot      *Snapshot
	listeners     map[int64]MembershipListener
	listenerOrder []int64 // registration order, survives RemoveListener gaps
	nextID        int64

	initialFetched chan struct{}
	gateOnce       sync.Once
}

// SetLogger overrides the component logger used for membership change
// records. Safe to call once, before the service starts receiving views.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = logging.Component(l, "cluster")
}

// New constructs a Service. closer may be nil; if set, it is used to close
// connections to members that leave the cluster.
func New(closer ConnectionCloser) *Service {
	return &Service{
		logger:         logging.Component(logging.New(nil), "cluster"),
		closer:         closer,
		snapshot:       emptySnapshot,
		listeners:      make(map[int64]MembershipListener),
		initialFetched: make(chan struct{}),
	}
}

// AddListener registers a membership listener, returning a registration id
// usable with RemoveListener. If fireForExisting is true, OnAdded fires
// immediately for every member in the current snapshot.
func (s *Service) AddListener(l MembershipListener, fireForExisting bool) int64 {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenerOrder = append(s.listenerOrder, id)
	snapshot := s.snapshot
	s.mu.Unlock()

	if fireForExisting && l.OnAdded != nil {
		for _, uuid := range snapshot.Order {
			l.OnAdded(snapshot.Members[uuid])
		}
	}
	return id
}

// RemoveListener unregisters a previously registered listener.
func (s *Service) RemoveListener(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return false
	}
	delete(s.listeners, id)
	for i, lid := range s.listenerOrder {
		if lid == id {
			s.listenerOrder = append(s.listenerOrder[:i], s.listenerOrder[i+1:]...)
			break
		}
	}
	return true
}

// Members returns the members of the current snapshot in cluster order.
func (s *Service) Members() []MemberInfo {
	s.mu.Lock()
	snapshot := s.snapshot
	s.mu.Unlock()

	out := make([]MemberInfo, 0, len(snapshot.Order))
	for _, uuid := range snapshot.Order {
		out = append(out, snapshot.Members[uuid])
	}
	return out
}

// Member returns the member with the given UUID, if present.
func (s *Service) Member(uuid string) (MemberInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.snapshot.Members[uuid]
	return m, ok
}

// Size returns the number of members in the current snapshot.
func (s *Service) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshot.Members)
}

// WaitInitialMemberListFetched blocks until the first non-empty membership
// snapshot is accepted, or returns IllegalStateError after 120 seconds.
func (s *Service) WaitInitialMemberListFetched() error {
	select {
	case <-s.initialFetched:
		return nil
	case <-time.After(initialMembersTimeout):
		return &kverrors.IllegalStateError{State: "could not fetch initial member list from cluster"}
	}
}

// ClearMemberListVersion resets the snapshot version to 0 while preserving
// the member map, used when a CLIENT_CHANGED_CLUSTER reset occurs.
func (s *Service) ClearMemberListVersion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == emptySnapshot {
		return
	}
	s.snapshot = &Snapshot{Version: 0, Order: s.snapshot.Order, Members: s.snapshot.Members}
}

// HandleMembersView applies a members-view event per spec: builds a new
// snapshot, publishes it only if version >= current, diffs against the
// prior snapshot (removed before added, registration order), closes
// connections to removed members, and releases the initial-list gate on
// the first non-empty snapshot.
func (s *Service) HandleMembersView(version int64, members []MemberInfo) {
	snapshot := buildSnapshot(version, members)

	s.mu.Lock()
	current := s.snapshot
	if version < current.Version {
		s.mu.Unlock()
		return
	}
	s.snapshot = snapshot

	var removed, added []MemberInfo
	if current != emptySnapshot {
		removed, added = diffSnapshots(current, snapshot)
	} else {
		added = cloneInOrder(snapshot)
	}

	listeners := make([]MembershipListener, 0, len(s.listenerOrder))
	for _, id := range s.listenerOrder {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	for _, m := range removed {
		logging.WithMember(s.logger, m.UUID).Info().Str("address", m.Address).Msg("member removed")
		if s.closer != nil {
			s.closer.CloseConnectionForMember(m.UUID, &kverrors.TargetDisconnectedError{
				Cause: fmt.Errorf("member %s left the cluster", m.UUID),
			})
		}
	}
	for _, m := range added {
		logging.WithMember(s.logger, m.UUID).Info().Str("address", m.Address).Msg("member added")
	}

	dispatch(listeners, removed, added)

	if len(snapshot.Order) > 0 {
		s.gateOnce.Do(func() { close(s.initialFetched) })
	}
}

func dispatch(listeners []MembershipListener, removed, added []MemberInfo) {
	for _, m := range removed {
		for _, l := range listeners {
			if l.OnRemoved != nil {
				safeInvoke(func() { l.OnRemoved(m) })
			}
		}
	}
	for _, m := range added {
		for _, l := range listeners {
			if l.OnAdded != nil {
				safeInvoke(func() { l.OnAdded(m) })
			}
		}
	}
}

// safeInvoke runs fn, swallowing a panic so one misbehaving listener never
// stops dispatch to the rest, matching hazelcast/cluster.py's broad except
// around each listener invocation.
func safeInvoke(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

func buildSnapshot(version int64, members []MemberInfo) *Snapshot {
	order := make([]string, 0, len(members))
	byUUID := make(map[string]MemberInfo, len(members))
	for _, m := range members {
		order = append(order, m.UUID)
		byUUID[m.UUID] = m
	}
	return &Snapshot{Version: version, Order: order, Members: byUUID}
}

func cloneInOrder(s *Snapshot) []MemberInfo {
	out := make([]MemberInfo, 0, len(s.Order))
	for _, uuid := range s.Order {
		out = append(out, s.Members[uuid])
	}
	return out
}

func diffSnapshots(old, new *Snapshot) (removed, added []MemberInfo) {
	for _, uuid := range old.Order {
		if _, ok := new.Members[uuid]; !ok {
			removed = append(removed, old.Members[uuid])
		}
	}
	for _, uuid := range new.Order {
		if _, ok := old.Members[uuid]; !ok {
			added = append(added, new.Members[uuid])
		}
	}
	return removed, added
}
