package mapproxy

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshkv/go-client/internal/backoff"
	"github.com/meshkv/go-client/internal/conn"
	"github.com/meshkv/go-client/internal/invocation"
	"github.com/meshkv/go-client/internal/partition"
	"github.com/meshkv/go-client/internal/reactor"
	"github.com/meshkv/go-client/internal/serialization"
	"github.com/meshkv/go-client/internal/wire"
)

type fakeRouter struct {
	conn *conn.Connection
}

func (r *fakeRouter) RandomConnection() (*conn.Connection, error)         { return r.conn, nil }
func (r *fakeRouter) ConnectionForPartition(int32) (*conn.Connection, error) { return r.conn, nil }
func (r *fakeRouter) ConnectionForMember(string) (*conn.Connection, error)   { return r.conn, nil }

// fakeStore is an in-memory single-key-space map server: it discards the
// preamble, then for each frame echoes back a response keyed by message
// type, storing/retrieving/deleting from an in-memory map keyed by the
// request body's leading key bytes.
type fakeStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMapServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	store := &fakeStore{values: make(map[string][]byte)}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
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
				_ = reader.ReadAll(func(f *wire.Frame) {
					resp := store.handle(f)
					_, _ = c.Write(wire.Encode(resp))
				})
			}
			if err != nil {
				return
			}
		}
	}()
	return ln
}

func (s *fakeStore) handle(f *wire.Frame) *wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.MessageType {
	case msgTypeMapGet:
		key := string(f.Body)
		return &wire.Frame{CorrelationID: f.CorrelationID, Body: s.values[key]}
	case msgTypeMapPut:
		klen := int(f.Body[0])<<8 | int(f.Body[1])
		key := string(f.Body[2 : 2+klen])
		value := f.Body[2+klen:]
		old := s.values[key]
		s.values[key] = append([]byte(nil), value...)
		return &wire.Frame{CorrelationID: f.CorrelationID, Body: old}
	case msgTypeMapRemove:
		key := string(f.Body)
		old := s.values[key]
		delete(s.values, key)
		return &wire.Frame{CorrelationID: f.CorrelationID, Body: old}
	default:
		return &wire.Frame{CorrelationID: f.CorrelationID}
	}
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

func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	ln := newMapServer(t)

	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	loop.Run()
	t.Cleanup(loop.Shutdown)

	partitions := partition.New()
	partitions.CheckAndSetPartitionCount(271)

	var svc *invocation.Service
	c, err := conn.Dial(loop, "c1", ln.Addr().String(), conn.Options{}, func(cn *conn.Connection, f *wire.Frame) {
		svc.HandleFrame(cn, f)
	}, func(*conn.Connection, error) {})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(nil) })

	svc = invocation.NewService(loop, &fakeRouter{conn: c}, backoff.NewSchedule(10*time.Millisecond, time.Second), time.Second)
	return New("test-map", svc, partitions, serialization.NewDefaultRegistry(), serialization.StringTypeID)
}

func TestPutGetRemoveRoundTrip(t *testing.T) {
	p := newTestProxy(t)

	old, err := p.Put("k1", "v1", time.Second)
	require.NoError(t, err)
	require.Nil(t, old)

	v, err := p.Get("k1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	old, err = p.Remove("k1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "v1", old)

	v, err = p.Get("k1", time.Second)
	require.NoError(t, err)
	require.Nil(t, v)
}
