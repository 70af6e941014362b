package invocation

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshkv/go-client/internal/backoff"
	"github.com/meshkv/go-client/internal/conn"
	"github.com/meshkv/go-client/internal/kverrors"
	"github.com/meshkv/go-client/internal/reactor"
	"github.com/meshkv/go-client/internal/wire"
)

type fakeRouter struct {
	conn *conn.Connection
	err  error
}

func (r *fakeRouter) RandomConnection() (*conn.Connection, error) { return r.conn, r.err }
func (r *fakeRouter) ConnectionForPartition(int32) (*conn.Connection, error) {
	return r.conn, r.err
}
func (r *fakeRouter) ConnectionForMember(string) (*conn.Connection, error) { return r.conn, r.err }

func newTestLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	l.Run()
	t.Cleanup(l.Shutdown)
	return l
}

// dialEcho dials a loopback server that echoes back every frame it reads,
// with its correlation id preserved, after discarding the client preamble.
func dialEcho(t *testing.T, loop *reactor.Loop, onFrame conn.FrameHandler) *conn.Connection {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		server, err := ln.Accept()
		if err != nil {
			return
		}
		defer server.Close()
		preamble := make([]byte, 3)
		if _, err := readFullBuf(server, preamble); err != nil {
			return
		}
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if n > 0 {
				if _, werr := server.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	c, err := conn.Dial(loop, "c1", ln.Addr().String(), conn.Options{}, onFrame, func(*conn.Connection, error) {})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(nil) })
	return c
}

func readFullBuf(c net.Conn, buf []byte) (int, error) {
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

func TestInvokeResolvesAndCompletesOnResponse(t *testing.T) {
	loop := newTestLoop(t)

	var svc *Service
	c := dialEcho(t, loop, func(cn *conn.Connection, f *wire.Frame) {
		svc.HandleFrame(cn, f)
	})
	svc = NewService(loop, &fakeRouter{conn: c}, backoff.NewSchedule(time.Millisecond, 10*time.Millisecond), time.Second)

	f := svc.Invoke(&wire.Frame{MessageType: 1, Body: []byte("ping")}, Routing{Kind: Random}, 0)
	v, err := f.Result(2 * time.Second)
	require.NoError(t, err)
	resp := v.(*wire.Frame)
	require.Equal(t, []byte("ping"), resp.Body)
}

func TestInvokeFailsWhenRouterErrors(t *testing.T) {
	loop := newTestLoop(t)
	svc := NewService(loop, &fakeRouter{err: errors.New("no route")}, backoff.NewSchedule(time.Millisecond, 10*time.Millisecond), time.Second)

	f := svc.Invoke(&wire.Frame{}, Routing{Kind: Random}, 0)
	_, err := f.Result(time.Second)
	require.Error(t, err)
}

func TestInvokeTimesOutWhenNoResponseArrives(t *testing.T) {
	loop := newTestLoop(t)
	c := dialEcho(t, loop, func(*conn.Connection, *wire.Frame) {})
	svc := NewService(loop, &fakeRouter{conn: c}, backoff.NewSchedule(time.Millisecond, 10*time.Millisecond), 50*time.Millisecond)

	f := svc.Invoke(&wire.Frame{MessageType: 1}, Routing{Kind: OnConnection, Connection: c}, 0)
	_, err := f.Result(2 * time.Second)
	require.Error(t, err)
	var timeoutErr *kverrors.OperationTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestRejectAllForConnectionFailsBoundInvocations(t *testing.T) {
	loop := newTestLoop(t)
	c := dialEcho(t, loop, func(*conn.Connection, *wire.Frame) {})
	svc := NewService(loop, &fakeRouter{conn: c}, backoff.NewSchedule(time.Millisecond, 10*time.Millisecond), time.Second)

	f := svc.Invoke(&wire.Frame{MessageType: 1}, Routing{Kind: OnConnection, Connection: c}, 0)
	svc.RejectAllForConnection(c, errors.New("dead"))

	_, err := f.Result(time.Second)
	require.Error(t, err)
}

func TestShutdownFailsAllPendingInvocations(t *testing.T) {
	loop := newTestLoop(t)
	c := dialEcho(t, loop, func(*conn.Connection, *wire.Frame) {})
	svc := NewService(loop, &fakeRouter{conn: c}, backoff.NewSchedule(time.Millisecond, 10*time.Millisecond), time.Second)

	f := svc.Invoke(&wire.Frame{MessageType: 1}, Routing{Kind: OnConnection, Connection: c}, 0)
	svc.Shutdown()

	_, err := f.Result(time.Second)
	require.Error(t, err)
	var offlineErr *kverrors.ClientOfflineError
	require.ErrorAs(t, err, &offlineErr)
}

func TestUnmatchedEventFrameRoutesToListener(t *testing.T) {
	loop := newTestLoop(t)

	var svc *Service
	c := dialEcho(t, loop, func(cn *conn.Connection, f *wire.Frame) {
		svc.HandleFrame(cn, f)
	})
	svc = NewService(loop, &fakeRouter{conn: c}, backoff.NewSchedule(time.Millisecond, 10*time.Millisecond), time.Second)

	got := make(chan *wire.Frame, 1)
	svc.SetEventListener(func(_ *conn.Connection, f *wire.Frame) { got <- f })

	// Bypass Invoke (which would register a correlation id) to simulate an
	// unsolicited server push with a correlation id the client never sent.
	require.NoError(t, c.WriteFrame(&wire.Frame{CorrelationID: 999, Flags: wire.FlagEvent, Body: []byte("evt")}))

	select {
	case f := <-got:
		require.Equal(t, []byte("evt"), f.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("event frame never routed to listener")
	}
}
