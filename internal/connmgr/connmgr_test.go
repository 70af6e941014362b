package connmgr

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meshkv/go-client/internal/backoff"
	"github.com/meshkv/go-client/internal/cluster"
	"github.com/meshkv/go-client/internal/invocation"
	"github.com/meshkv/go-client/internal/lifecycle"
	"github.com/meshkv/go-client/internal/partition"
	"github.com/meshkv/go-client/internal/reactor"
	"github.com/meshkv/go-client/internal/wire"
)

// fakeServer accepts any number of connections; on each it discards the
// preamble and answers every frame it reads with an authentication response
// carrying a fixed member/cluster UUID and partition count.
type fakeServer struct {
	ln         net.Listener
	memberUUID uuid.UUID
	clusterID  uuid.UUID
	partitions int32
}

func newFakeServer(t *testing.T, partitions int32) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, memberUUID: uuid.New(), clusterID: uuid.New(), partitions: partitions}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *fakeServer) handle(c net.Conn) {
	defer c.Close()
	preamble := make([]byte, 3)
	if _, err := readFull(c, preamble); err != nil {
		return
	}

	reader := wire.NewReader(4096)
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			reader.Feed(buf[:n])
			stop := false
			readAllErr := reader.ReadAll(func(f *wire.Frame) {
				resp := &wire.Frame{CorrelationID: f.CorrelationID, MessageType: 2, Body: s.authResponseBody()}
				if _, werr := c.Write(wire.Encode(resp)); werr != nil {
					stop = true
				}
			})
			if readAllErr != nil || stop {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *fakeServer) authResponseBody() []byte {
	buf := make([]byte, 0, 36)
	buf = append(buf, s.memberUUID[:]...)
	buf = append(buf, s.clusterID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(s.partitions))
	return buf
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTestManager(t *testing.T, addr string) (*Manager, *cluster.Service, *partition.Service) {
	t.Helper()
	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	loop.Run()
	t.Cleanup(loop.Shutdown)

	clusterSvc := cluster.New(nil)
	partitionSvc := partition.New()
	lifecycleSvc := lifecycle.New()
	invocations := invocation.NewService(loop, nil, backoff.NewSchedule(time.Millisecond, 10*time.Millisecond), time.Second)

	mgr := New(loop, invocations, clusterSvc, partitionSvc, lifecycleSvc, Options{
		ClusterName:           "dev",
		SeedAddresses:         []string{addr},
		RetrySchedule:         backoff.NewSchedule(time.Millisecond, 10*time.Millisecond),
		ReconnectWindow:       time.Second,
		ReconnectMaxPerWindow: 5,
	})
	t.Cleanup(mgr.Shutdown)
	return mgr, clusterSvc, partitionSvc
}

func TestStartAuthenticatesAgainstSeedAddress(t *testing.T) {
	srv := newFakeServer(t, 271)
	mgr, _, partitionSvc := newTestManager(t, srv.ln.Addr().String())

	require.NoError(t, mgr.Start())
	require.Equal(t, int32(271), partitionSvc.PartitionCount())

	c := mgr.GetConnection(srv.memberUUID.String())
	require.NotNil(t, c)
	require.True(t, c.Live())
}

func TestGetConnectionReturnsNilForUnknownMember(t *testing.T) {
	srv := newFakeServer(t, 271)
	mgr, _, _ := newTestManager(t, srv.ln.Addr().String())
	require.NoError(t, mgr.Start())

	require.Nil(t, mgr.GetConnection("nonexistent"))
}

func TestRandomConnectionReturnsLiveConnection(t *testing.T) {
	srv := newFakeServer(t, 271)
	mgr, _, _ := newTestManager(t, srv.ln.Addr().String())
	require.NoError(t, mgr.Start())

	c, err := mgr.RandomConnection()
	require.NoError(t, err)
	require.True(t, c.Live())
}

func TestShutdownClosesAllConnections(t *testing.T) {
	srv := newFakeServer(t, 271)
	mgr, _, _ := newTestManager(t, srv.ln.Addr().String())
	require.NoError(t, mgr.Start())

	c := mgr.GetConnection(srv.memberUUID.String())
	require.NotNil(t, c)

	mgr.Shutdown()
	require.False(t, c.Live())
}

func TestStartFailsWhenNoSeedAddressReachable(t *testing.T) {
	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	loop.Run()
	t.Cleanup(loop.Shutdown)

	clusterSvc := cluster.New(nil)
	partitionSvc := partition.New()
	lifecycleSvc := lifecycle.New()
	invocations := invocation.NewService(loop, nil, backoff.NewSchedule(time.Millisecond, 10*time.Millisecond), time.Second)

	mgr := New(loop, invocations, clusterSvc, partitionSvc, lifecycleSvc, Options{
		ClusterName:   "dev",
		SeedAddresses: []string{"127.0.0.1:1"},
		RetrySchedule: backoff.NewSchedule(time.Millisecond, 10*time.Millisecond),
	})
	t.Cleanup(mgr.Shutdown)

	require.Error(t, mgr.Start())
}
