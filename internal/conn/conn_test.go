package conn

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshkv/go-client/internal/reactor"
	"github.com/meshkv/go-client/internal/wire"
)

func newLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l, err := reactor.NewLoop()
	require.NoError(t, err)
	l.Run()
	t.Cleanup(l.Shutdown)
	return l
}

func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		server, err := ln.Accept()
		if err != nil {
			return
		}
		defer server.Close()

		// Discard the client's 3-byte preamble before echoing frames.
		preamble := make([]byte, 3)
		if _, err := readFull(server, preamble); err != nil {
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

func TestDialSendsPreambleAndEchoesFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	echoServer(t, ln)

	loop := newLoop(t)

	var mu sync.Mutex
	var got []*wire.Frame
	done := make(chan struct{}, 1)

	c, err := Dial(loop, "conn-1", ln.Addr().String(), Options{}, func(conn *Connection, f *wire.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}, func(conn *Connection, cause error) {})
	require.NoError(t, err)
	defer c.Close(nil)

	require.NoError(t, c.WriteFrame(&wire.Frame{CorrelationID: 7, Body: []byte("ping")}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("never received echoed frame")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, int64(7), got[0].CorrelationID)
	require.Equal(t, []byte("ping"), got[0].Body)
}

func TestCloseIsIdempotentAndFiresHandlerOnce(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	echoServer(t, ln)

	loop := newLoop(t)

	var closes int32
	closed := make(chan struct{})
	c, err := Dial(loop, "conn-2", ln.Addr().String(), Options{}, func(*Connection, *wire.Frame) {}, func(conn *Connection, cause error) {
		closes++
		close(closed)
	})
	require.NoError(t, err)

	cause := errors.New("boom")
	require.NoError(t, c.Close(cause))
	require.NoError(t, c.Close(cause))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close handler never ran")
	}
	require.False(t, c.Live())

	err = c.Write([]byte("late"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestWriteAfterCloseFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	echoServer(t, ln)

	loop := newLoop(t)
	c, err := Dial(loop, "conn-3", ln.Addr().String(), Options{}, func(*Connection, *wire.Frame) {}, func(*Connection, error) {})
	require.NoError(t, err)

	require.NoError(t, c.Close(nil))
	require.ErrorIs(t, c.Write([]byte("x")), ErrClosed)
}
