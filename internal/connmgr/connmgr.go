// Package connmgr implements the Connection Manager (L5): opening,
// authenticating, pooling, and closing member connections, smart vs
// non-smart routing, and the backoff-paced reconnection loop. Grounded on
// kgo/broker.go's broker/newBroker/stopForever composition (a live-member
// table plus a reconnect timer) and its sasl()/doSasl() challenge-response
// shape, generalized here to spec.md §6's single authentication
// request/response exchange.
package connmgr

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meshkv/go-client/internal/backoff"
	"github.com/meshkv/go-client/internal/cluster"
	"github.com/meshkv/go-client/internal/conn"
	"github.com/meshkv/go-client/internal/invocation"
	"github.com/meshkv/go-client/internal/kverrors"
	"github.com/meshkv/go-client/internal/lifecycle"
	"github.com/meshkv/go-client/internal/loadbalancer"
	"github.com/meshkv/go-client/internal/logging"
	"github.com/meshkv/go-client/internal/partition"
	"github.com/meshkv/go-client/internal/reactor"
	"github.com/meshkv/go-client/internal/wire"
)

const (
	msgTypeAuthRequest  int32 = 1
	msgTypeAuthResponse int32 = 2

	authTimeout = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	ClusterName           string
	Labels                []string
	SmartRouting          bool
	SeedAddresses         []string
	ReconnectWindow       time.Duration
	ReconnectMaxPerWindow int
	RetrySchedule         backoff.Schedule
	Conn                  conn.Options
	// Balancer, when set, is consulted by RandomConnection before falling
	// back to arbitrary live-connection selection.
	Balancer loadbalancer.LoadBalancer
	// Logger receives connection lifecycle events. Nil logs them to stderr.
	Logger *zerolog.Logger
}

// Manager owns activeConnections (by member UUID), the client's own UUID,
// and the reconnection loop. It also implements invocation.Router, so the
// invocation service routes RANDOM/PARTITION/MEMBER requests through it
// directly without a separate adapter.
type Manager struct {
	loop         *reactor.Loop
	invocations  *invocation.Service
	clusterSvc   *cluster.Service
	partitionSvc *partition.Service
	lifecycleSvc *lifecycle.Service
	opts         Options
	logger       zerolog.Logger

	clientUUID uuid.UUID

	mu        sync.Mutex
	byMember  map[string]*conn.Connection
	clusterID uuid.UUID
	haveClusterID bool

	throttle *backoff.ReconnectThrottle
	stopped  atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Manager. The client UUID is generated once, here.
func New(loop *reactor.Loop, invocations *invocation.Service, clusterSvc *cluster.Service, partitionSvc *partition.Service, lifecycleSvc *lifecycle.Service, opts Options) *Manager {
	window := opts.ReconnectWindow
	if window <= 0 {
		window = time.Second
	}
	maxPerWindow := opts.ReconnectMaxPerWindow
	if maxPerWindow <= 0 {
		maxPerWindow = 5
	}
	logger := logging.Component(logging.New(nil), "connmgr")
	if opts.Logger != nil {
		logger = logging.Component(*opts.Logger, "connmgr")
	}
	return &Manager{
		loop:         loop,
		invocations:  invocations,
		clusterSvc:   clusterSvc,
		partitionSvc: partitionSvc,
		lifecycleSvc: lifecycleSvc,
		opts:         opts,
		logger:       logger,
		clientUUID:   uuid.New(),
		byMember:     make(map[string]*conn.Connection),
		throttle:     backoff.NewReconnectThrottle(window, maxPerWindow),
		stopCh:       make(chan struct{}),
	}
}

// ClientUUID returns the client's own identity, generated once at
// construction.
func (m *Manager) ClientUUID() uuid.UUID { return m.clientUUID }

// Start performs the first authenticated connection, trying each seed
// address in order until one succeeds, and subscribes to cluster
// membership for smart-routing mode. It blocks the calling goroutine (the
// client's startup sequence, never the reactor) until a connection is
// established or every seed address has failed.
func (m *Manager) Start() error {
	var lastErr error
	for _, addr := range m.opts.SeedAddresses {
		if _, err := m.connectAndAuthenticate(addr); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("connmgr: could not connect to any seed address: %w", lastErr)
	}

	if m.opts.SmartRouting {
		m.clusterSvc.AddListener(cluster.MembershipListener{
			OnAdded: m.ensureConnection,
		}, true)
	} else {
		m.wg.Add(1)
		go m.maintainSingleConnection()
	}

	return nil
}

// Shutdown stops the reconnection loop and closes every live connection.
func (m *Manager) Shutdown() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	conns := make([]*conn.Connection, 0, len(m.byMember))
	for _, c := range m.byMember {
		conns = append(conns, c)
	}
	m.byMember = make(map[string]*conn.Connection)
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(&kverrors.ClientOfflineError{})
	}
}

// CloseConnectionForMember implements cluster.ConnectionCloser: called when
// a member leaves the cluster, so its connection (if any) is torn down.
func (m *Manager) CloseConnectionForMember(memberUUID string, cause error) {
	m.mu.Lock()
	c, ok := m.byMember[memberUUID]
	m.mu.Unlock()
	if ok {
		_ = c.Close(cause)
	}
}

// GetConnection returns the current connection for memberUUID, or nil.
func (m *Manager) GetConnection(memberUUID string) *conn.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byMember[memberUUID]
}

// RandomConnection implements invocation.Router: prefers the configured
// load balancer's pick, falling back to any live connection.
func (m *Manager) RandomConnection() (*conn.Connection, error) {
	if m.opts.Balancer != nil {
		if member, ok := m.opts.Balancer.Next(); ok {
			if c, err := m.ConnectionForMember(member.UUID); err == nil {
				return c, nil
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byMember {
		if c.Live() {
			return c, nil
		}
	}
	return nil, &kverrors.ClientOfflineError{}
}

// ConnectionForMember implements invocation.Router.
func (m *Manager) ConnectionForMember(memberUUID string) (*conn.Connection, error) {
	m.mu.Lock()
	c, ok := m.byMember[memberUUID]
	m.mu.Unlock()
	if !ok || !c.Live() {
		return nil, &kverrors.TargetDisconnectedError{}
	}
	return c, nil
}

// ConnectionForPartition implements invocation.Router: resolves the
// partition's owner via the partition service, then its connection.
func (m *Manager) ConnectionForPartition(partitionID int32) (*conn.Connection, error) {
	owner, ok := m.partitionSvc.OwnerOf(partitionID)
	if !ok {
		return nil, &kverrors.TargetDisconnectedError{}
	}
	return m.ConnectionForMember(owner)
}

func (m *Manager) ensureConnection(member cluster.MemberInfo) {
	m.mu.Lock()
	_, exists := m.byMember[member.UUID]
	m.mu.Unlock()
	if exists || m.stopped.Load() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectWithRetry(member.UUID, member.Address)
	}()
}

// maintainSingleConnection is the non-smart-routing reconnect loop: it
// keeps exactly one live connection, reselecting a seed address whenever
// the current one is lost.
func (m *Manager) maintainSingleConnection() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		liveCount := len(m.byMember)
		m.mu.Unlock()
		if liveCount > 0 {
			select {
			case <-time.After(200 * time.Millisecond):
				continue
			case <-m.stopCh:
				return
			}
		}

		for _, addr := range m.opts.SeedAddresses {
			if m.stopped.Load() {
				return
			}
			if _, err := m.connectAndAuthenticate(addr); err == nil {
				break
			}
		}

		select {
		case <-time.After(m.opts.RetrySchedule.Delay(0)):
		case <-m.stopCh:
			return
		}
	}
}

// connectWithRetry attempts to (re)connect to address for a known member,
// retrying with capped backoff, throttled by the reconnect limiter, until
// it succeeds or the manager is stopped.
func (m *Manager) connectWithRetry(memberUUID, address string) {
	attempt := 0
	for {
		if m.stopped.Load() {
			return
		}
		m.mu.Lock()
		_, already := m.byMember[memberUUID]
		m.mu.Unlock()
		if already {
			return
		}

		if next, ok := m.throttle.Allow(memberUUID); !ok {
			select {
			case <-time.After(time.Until(next)):
			case <-m.stopCh:
				return
			}
			continue
		}

		if _, err := m.connectAndAuthenticate(address); err == nil {
			return
		}

		delay := m.opts.RetrySchedule.Delay(attempt)
		attempt++
		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		}
	}
}

type authOutcome struct {
	memberUUID     uuid.UUID
	clusterID      uuid.UUID
	partitionCount int32
	err            error
}

// connectAndAuthenticate dials address, performs the single-round-trip
// authentication handshake, and (on success) registers the resulting
// connection under its member UUID. Blocks the calling goroutine until the
// handshake completes, fails, or times out.
func (m *Manager) connectAndAuthenticate(address string) (*conn.Connection, error) {
	connID := uuid.NewString()
	authCh := make(chan authOutcome, 1)
	var authDone atomic.Bool

	handleFrame := func(cn *conn.Connection, f *wire.Frame) {
		if f.MessageType == msgTypeAuthResponse && authDone.CompareAndSwap(false, true) {
			memberUUID, clusterID, partitionCount, err := decodeAuthResponse(f.Body)
			authCh <- authOutcome{memberUUID, clusterID, partitionCount, err}
			return
		}
		m.invocations.HandleFrame(cn, f)
	}

	onClose := func(cn *conn.Connection, cause error) {
		m.handleConnectionClosed(cn, cause)
	}

	c, err := conn.Dial(m.loop, connID, address, m.opts.Conn, handleFrame, onClose)
	if err != nil {
		return nil, err
	}

	req := encodeAuthRequest(m.clientUUID, m.opts.ClusterName, m.opts.Labels)
	if err := c.WriteFrame(&wire.Frame{MessageType: msgTypeAuthRequest, Body: req}); err != nil {
		_ = c.Close(err)
		return nil, err
	}

	select {
	case outcome := <-authCh:
		if outcome.err != nil {
			_ = c.Close(outcome.err)
			return nil, outcome.err
		}
		if err := m.applyAuthOutcome(c, outcome); err != nil {
			_ = c.Close(err)
			return nil, err
		}
		return c, nil
	case <-time.After(authTimeout):
		authErr := &kverrors.AuthenticationError{Reason: "timed out waiting for authentication response"}
		_ = c.Close(authErr)
		return nil, authErr
	}
}

// applyAuthOutcome records the partition count (first connection only),
// detects a CLIENT_CHANGED_CLUSTER condition, and registers the connection.
func (m *Manager) applyAuthOutcome(c *conn.Connection, outcome authOutcome) error {
	if !m.partitionSvc.CheckAndSetPartitionCount(outcome.partitionCount) {
		return &kverrors.AuthenticationError{Reason: "partition count changed mid-session"}
	}

	m.mu.Lock()
	if m.haveClusterID && m.clusterID != outcome.clusterID {
		m.mu.Unlock()
		m.clusterSvc.ClearMemberListVersion()
		m.mu.Lock()
	}
	m.clusterID = outcome.clusterID
	m.haveClusterID = true
	wasEmpty := len(m.byMember) == 0
	c.SetMemberUUID(outcome.memberUUID.String())
	m.byMember[outcome.memberUUID.String()] = c
	m.mu.Unlock()

	logging.WithConnection(logging.WithMember(m.logger, outcome.memberUUID.String()), c.ID).
		Info().Msg("connection authenticated")

	if wasEmpty && m.lifecycleSvc != nil {
		m.lifecycleSvc.SetConnected()
	}
	return nil
}

func (m *Manager) handleConnectionClosed(c *conn.Connection, cause error) {
	m.invocations.RejectAllForConnection(c, cause)

	memberUUID := c.MemberUUID()
	logging.WithConnection(logging.WithMember(m.logger, memberUUID), c.ID).
		Warn().Err(cause).Msg("connection closed")
	if memberUUID == "" {
		return
	}

	m.mu.Lock()
	empty := false
	if m.byMember[memberUUID] == c {
		delete(m.byMember, memberUUID)
		empty = len(m.byMember) == 0
	}
	m.mu.Unlock()

	if empty && m.lifecycleSvc != nil {
		m.lifecycleSvc.SetDisconnected()
	}
}

// encodeAuthRequest serializes the authentication request body: the
// client's own UUID, the configured cluster name, and its label set.
func encodeAuthRequest(clientUUID uuid.UUID, clusterName string, labels []string) []byte {
	buf := make([]byte, 0, 16+2+len(clusterName)+2)
	buf = append(buf, clientUUID[:]...)
	buf = appendLengthPrefixedString(buf, clusterName)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(labels)))
	for _, l := range labels {
		buf = appendLengthPrefixedString(buf, l)
	}
	return buf
}

func appendLengthPrefixedString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// decodeAuthResponse parses the authentication response body: the member
// UUID that accepted the connection, the cluster's identity, and the
// cluster's fixed partition count.
func decodeAuthResponse(body []byte) (memberUUID, clusterID uuid.UUID, partitionCount int32, err error) {
	const minLen = 16 + 16 + 4
	if len(body) < minLen {
		return uuid.Nil, uuid.Nil, 0, &kverrors.ProtocolError{Cause: fmt.Errorf("connmgr: authentication response too short (%d bytes)", len(body))}
	}
	memberUUID, err = uuid.FromBytes(body[0:16])
	if err != nil {
		return uuid.Nil, uuid.Nil, 0, &kverrors.ProtocolError{Cause: err}
	}
	clusterID, err = uuid.FromBytes(body[16:32])
	if err != nil {
		return uuid.Nil, uuid.Nil, 0, &kverrors.ProtocolError{Cause: err}
	}
	partitionCount = int32(binary.BigEndian.Uint32(body[32:36]))
	return memberUUID, clusterID, partitionCount, nil
}
