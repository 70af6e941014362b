// Package meshkv is the client root (L10): it composes the reactor,
// connection manager, cluster/partition services, invocation service, and
// lifecycle service into one orchestrated startup/shutdown sequence, and
// exposes the public proxy surface.
package meshkv

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meshkv/go-client/internal/backoff"
	"github.com/meshkv/go-client/internal/cluster"
	"github.com/meshkv/go-client/internal/conn"
	"github.com/meshkv/go-client/internal/connmgr"
	"github.com/meshkv/go-client/internal/invocation"
	"github.com/meshkv/go-client/internal/lifecycle"
	"github.com/meshkv/go-client/internal/loadbalancer"
	"github.com/meshkv/go-client/internal/logging"
	"github.com/meshkv/go-client/internal/partition"
	"github.com/meshkv/go-client/internal/reactor"
	"github.com/meshkv/go-client/internal/serialization"
	"github.com/meshkv/go-client/internal/wire"
	"github.com/meshkv/go-client/proxy/mapproxy"
	"github.com/meshkv/go-client/proxy/queueproxy"
)

// Unsolicited server-pushed event message types the client demultiplexes
// off the invocation service's event listener. Not part of the
// authentication exchange (internal/connmgr claims msgType 1/2 for that).
const (
	msgTypeMembersView    int32 = 100
	msgTypePartitionsView int32 = 101
)

// Client is one connected session against a cluster: the composition root
// for every internal service.
type Client struct {
	cfg    *config
	logger zerolog.Logger

	loop         *reactor.Loop
	lifecycleSvc *lifecycle.Service
	clusterSvc   *cluster.Service
	partitionSvc *partition.Service
	invocations  *invocation.Service
	connMgr      *connmgr.Manager
	balancer     loadbalancer.LoadBalancer
	registry     *serialization.Registry

	mu     sync.Mutex
	maps   map[string]*mapproxy.Proxy
	queues map[string]*queueproxy.Proxy
}

// forwardingRouter breaks the construction cycle between invocation.Service
// (which needs a Router at construction) and connmgr.Manager (which needs
// the invocation.Service at construction, and is itself the Router): it
// forwards to mgr once New has finished building it.
type forwardingRouter struct {
	mgr *connmgr.Manager
}

func (r *forwardingRouter) RandomConnection() (*conn.Connection, error) {
	return r.mgr.RandomConnection()
}

func (r *forwardingRouter) ConnectionForPartition(partitionID int32) (*conn.Connection, error) {
	return r.mgr.ConnectionForPartition(partitionID)
}

func (r *forwardingRouter) ConnectionForMember(memberUUID string) (*conn.Connection, error) {
	return r.mgr.ConnectionForMember(memberUUID)
}

// managerCloser breaks the same construction cycle for cluster.Service,
// which needs a ConnectionCloser before the Manager that implements it
// exists.
type managerCloser struct {
	mgr *connmgr.Manager
}

func (c *managerCloser) CloseConnectionForMember(memberUUID string, cause error) {
	if c.mgr != nil {
		c.mgr.CloseConnectionForMember(memberUUID, cause)
	}
}

// New builds and starts a Client per the startup order spec.md §4.10
// fixes: lifecycle groundwork → reactor → connection manager (first
// authenticated connection) → wait for the initial member list → partition
// service (populated by the first view, piggybacked on auth) → invocation
// service ready → STARTED fires. Each stage is run through an errgroup so
// every stage's failure is reported uniformly and none is silently
// skipped.
func New(opts ...Option) (*Client, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}
	if len(cfg.seedAddresses) == 0 {
		return nil, fmt.Errorf("meshkv: at least one seed address is required (WithSeedAddresses)")
	}

	c := &Client{
		logger:       logging.Component(logging.New(nil), "client"),
		lifecycleSvc: lifecycle.New(),
		partitionSvc: partition.New(),
		registry:     serialization.NewDefaultRegistry(),
		maps:         make(map[string]*mapproxy.Proxy),
		queues:       make(map[string]*queueproxy.Proxy),
		cfg:          cfg,
	}

	// clusterSvc needs a ConnectionCloser before connmgr.Manager (which
	// implements it) exists; closer forwards to mgr once New finishes
	// building it, below.
	closer := &managerCloser{}
	c.clusterSvc = cluster.New(closer)
	c.clusterSvc.SetLogger(logging.New(nil))

	for _, fn := range cfg.lifecycleListeners {
		fn := fn
		c.lifecycleSvc.AddListener(func(evt lifecycle.Event) {
			if evt.IsConnectionEvent {
				fn("", evt.Connection.String())
			} else {
				fn(evt.Run.String(), "")
			}
		})
	}
	for _, fn := range cfg.membershipListeners {
		fn := fn
		c.clusterSvc.AddListener(cluster.MembershipListener{
			OnAdded:   func(m cluster.MemberInfo) { fn(true, m.UUID, m.Address) },
			OnRemoved: func(m cluster.MemberInfo) { fn(false, m.UUID, m.Address) },
		}, true)
	}

	var g errgroup.Group

	g.Go(func() error {
		loop, err := reactor.NewLoop()
		if err != nil {
			return fmt.Errorf("meshkv: starting reactor: %w", err)
		}
		loop.Run()
		c.loop = loop
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Info().Msg("reactor started")

	router := &forwardingRouter{}
	c.invocations = invocation.NewService(c.loop, router, backoff.NewSchedule(cfg.retryBase, cfg.retryCap), cfg.invocationTimeout)
	c.invocations.SetEventListener(c.handleEventFrame)

	c.balancer = cfg.balancerFactory(c.clusterSvc)

	connMgrLogger := logging.Component(logging.New(nil), "connmgr")
	g.Go(func() error {
		mgr := connmgr.New(c.loop, c.invocations, c.clusterSvc, c.partitionSvc, c.lifecycleSvc, connmgr.Options{
			ClusterName:           cfg.clusterName,
			Labels:                cfg.labels,
			SmartRouting:          cfg.smartRouting,
			SeedAddresses:         cfg.seedAddresses,
			ReconnectWindow:       cfg.reconnectWindow,
			ReconnectMaxPerWindow: cfg.reconnectMaxPerWindow,
			RetrySchedule:         backoff.NewSchedule(cfg.retryBase, cfg.retryCap),
			Conn: conn.Options{
				ConnectTimeout: cfg.connectTimeout,
				ReadBufferSize: cfg.readBufferSize,
				TLS:            cfg.tls,
			},
			Balancer: c.balancer,
			Logger:   &connMgrLogger,
		})
		router.mgr = mgr
		closer.mgr = mgr
		c.connMgr = mgr
		if err := mgr.Start(); err != nil {
			return fmt.Errorf("meshkv: connection manager: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		c.teardownPartial()
		return nil, err
	}
	c.logger.Info().Msg("connection manager authenticated against a seed address")

	g.Go(func() error {
		if err := c.clusterSvc.WaitInitialMemberListFetched(); err != nil {
			return fmt.Errorf("meshkv: waiting for initial member list: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		c.teardownPartial()
		return nil, err
	}

	// Partition service became ready as a side effect of the first
	// authenticated connection (connmgr.applyAuthOutcome calls
	// CheckAndSetPartitionCount); invocation service has been live and
	// routable since c.invocations was constructed. Only the STARTED
	// transition remains.
	c.lifecycleSvc.Start()
	c.logger.Info().Msg("client started")

	return c, nil
}

// teardownPartial best-effort tears down whatever was already constructed
// when New fails partway through the startup sequence.
func (c *Client) teardownPartial() {
	if c.connMgr != nil {
		c.connMgr.Shutdown()
	}
	if c.loop != nil {
		c.loop.Shutdown()
	}
}

// handleEventFrame demultiplexes unsolicited server-pushed frames into the
// cluster and partition services.
func (c *Client) handleEventFrame(source *conn.Connection, f *wire.Frame) {
	switch f.MessageType {
	case msgTypeMembersView:
		version, members, err := decodeMembersView(f.Body)
		if err != nil {
			return
		}
		c.clusterSvc.HandleMembersView(version, members)
	case msgTypePartitionsView:
		version, entries, err := decodePartitionsView(f.Body)
		if err != nil {
			return
		}
		c.partitionSvc.HandlePartitionsView(source, entries, version)
	}
}

// GetMap returns a proxy for the named distributed map, caching proxies
// per name so repeated calls share one instance.
func (c *Client) GetMap(name string) *mapproxy.Proxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.maps[name]; ok {
		return p
	}
	p := mapproxy.New(name, c.invocations, c.partitionSvc, c.registry, serialization.StringTypeID)
	c.maps[name] = p
	return p
}

// GetQueue returns a proxy for the named distributed queue. Unlike
// GetMap, this can fail: a queue's partition is resolved once, at proxy
// construction, and that requires the partition count to already be known.
func (c *Client) GetQueue(name string) (*queueproxy.Proxy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.queues[name]; ok {
		return p, nil
	}
	p, err := queueproxy.New(name, c.invocations, c.partitionSvc, c.registry, serialization.StringTypeID)
	if err != nil {
		return nil, err
	}
	c.queues[name] = p
	return p, nil
}

// Shutdown tears every subsystem down in the reverse of startup order:
// lifecycle, invocations, connections, then the reactor loop, each stage
// finishing before the next begins.
func (c *Client) Shutdown() {
	c.logger.Info().Msg("client shutting down")
	c.lifecycleSvc.Shutdown()

	var g errgroup.Group
	g.Go(func() error {
		c.invocations.Shutdown()
		return nil
	})
	_ = g.Wait()

	g.Go(func() error {
		c.connMgr.Shutdown()
		return nil
	})
	_ = g.Wait()

	g.Go(func() error {
		c.loop.Shutdown()
		return nil
	})
	_ = g.Wait()
}

// decodeMembersView parses a members-view event body: 8-byte BE version,
// 4-byte BE member count, then per member a 2-byte-length-prefixed UUID,
// 2-byte-length-prefixed address, a lite flag byte, and a 2-byte attribute
// count followed by that many 2-byte-length-prefixed key/value pairs.
func decodeMembersView(body []byte) (int64, []cluster.MemberInfo, error) {
	r := &byteCursor{buf: body}
	version, err := r.int64()
	if err != nil {
		return 0, nil, err
	}
	count, err := r.uint32()
	if err != nil {
		return 0, nil, err
	}

	members := make([]cluster.MemberInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		uuid, err := r.lengthPrefixedString()
		if err != nil {
			return 0, nil, err
		}
		address, err := r.lengthPrefixedString()
		if err != nil {
			return 0, nil, err
		}
		lite, err := r.byte1()
		if err != nil {
			return 0, nil, err
		}
		attrCount, err := r.uint16()
		if err != nil {
			return 0, nil, err
		}
		attrs := make(map[string]string, attrCount)
		for j := uint16(0); j < attrCount; j++ {
			k, err := r.lengthPrefixedString()
			if err != nil {
				return 0, nil, err
			}
			v, err := r.lengthPrefixedString()
			if err != nil {
				return 0, nil, err
			}
			attrs[k] = v
		}
		members = append(members, cluster.MemberInfo{UUID: uuid, Address: address, Lite: lite != 0, Attributes: attrs})
	}
	return version, members, nil
}

// decodePartitionsView parses a partitions-view event body: 8-byte BE
// version, 4-byte BE entry count, then per entry a 2-byte-length-prefixed
// member UUID, a 4-byte BE partition count, and that many 4-byte BE
// partition ids.
func decodePartitionsView(body []byte) (int64, []partition.Entry, error) {
	r := &byteCursor{buf: body}
	version, err := r.int64()
	if err != nil {
		return 0, nil, err
	}
	count, err := r.uint32()
	if err != nil {
		return 0, nil, err
	}

	entries := make([]partition.Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		uuid, err := r.lengthPrefixedString()
		if err != nil {
			return 0, nil, err
		}
		partCount, err := r.uint32()
		if err != nil {
			return 0, nil, err
		}
		ids := make([]int32, partCount)
		for j := uint32(0); j < partCount; j++ {
			v, err := r.uint32()
			if err != nil {
				return 0, nil, err
			}
			ids[j] = int32(v)
		}
		entries = append(entries, partition.Entry{MemberUUID: uuid, Partitions: ids})
	}
	return version, entries, nil
}

// byteCursor is a minimal forward-only reader over a fixed byte slice,
// grounded on kgo/broker.go's inline big-endian field parsing style (no
// generic binary.Reader wrapper, since every field here is fixed-width or
// length-prefixed and the whole body is already buffered).
type byteCursor struct {
	buf []byte
	pos int
}

var errShortBuffer = fmt.Errorf("meshkv: event frame body truncated")

func (c *byteCursor) need(n int) error {
	if len(c.buf)-c.pos < n {
		return errShortBuffer
	}
	return nil
}

func (c *byteCursor) int64() (int64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(c.buf[c.pos:]))
	c.pos += 8
	return v, nil
}

func (c *byteCursor) uint32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *byteCursor) uint16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *byteCursor) byte1() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *byteCursor) lengthPrefixedString() (string, error) {
	n, err := c.uint16()
	if err != nil {
		return "", err
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}
