// Package conn implements the Connection (L3): one framed bidirectional
// stream to one member. Grounded on kgo/broker.go's brokerCxn (serialized
// writes, atomic live flag, split between request submission and response
// completion) and spec.md §4.3/§6 for the preamble and TLS behavior.
package conn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshkv/go-client/internal/kverrors"
	"github.com/meshkv/go-client/internal/reactor"
	"github.com/meshkv/go-client/internal/wire"
)

// TLSOptions mirrors spec.md §6's ssl config block.
type TLSOptions struct {
	Enabled bool
	// MinVersion and MaxVersion pin the accepted TLS version range; for a
	// single fixed protocol (spec.md's PROTOCOL enum), set both equal.
	MinVersion uint16
	MaxVersion uint16
	ServerName string
	CAFile     string
	CertFile   string
	KeyFile    string
	Ciphers    []uint16
}

// Options configures a dialed Connection.
type Options struct {
	ConnectTimeout time.Duration
	ReadBufferSize int
	SocketOptions  func(conn *net.TCPConn) error
	TLS            TLSOptions
}

const defaultReadBufferSize = 128 * 1024 // 128 KiB, per spec.md §4.3

// FrameHandler receives each fully parsed inbound frame, dispatched on the
// reactor loop goroutine.
type FrameHandler func(*Connection, *wire.Frame)

// CloseHandler is invoked exactly once when a Connection dies, on the
// reactor loop goroutine, with the cause passed to Close (a
// TargetDisconnectedError wrapping ErrClosed when Close was given nil).
type CloseHandler func(*Connection, error)

// Connection is one framed stream to one cluster member.
type Connection struct {
	ID            string
	RemoteAddress string
	LocalAddress  string
	StartTime     time.Time

	loop    *reactor.Loop
	netConn net.Conn

	memberUUID atomic.Value // string
	lastRead   atomic.Int64 // unix nanos
	lastWrite  atomic.Int64
	live       atomic.Bool

	// dieMu guards sending on writeCh against a concurrent Close, so a
	// backed-up writer can never block connection teardown and enqueue
	// never sends on a channel Close has already closed. Grounded on
	// kgo/broker.go's brokerCxn.dieMu RWMutex pattern.
	dieMu   sync.RWMutex
	writeCh chan []byte

	onFrame FrameHandler
	onClose CloseHandler

	closeOnce sync.Once
}

// Dial opens a TCP (optionally TLS) connection to address, sends the
// protocol preamble, and starts its reader/writer goroutines. Frame
// dispatch and close notification both happen via loop.Submit, so they run
// serially with every other reactor callback.
func Dial(loop *reactor.Loop, id, address string, opts Options, onFrame FrameHandler, onClose CloseHandler) (*Connection, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	raw, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", address, err)
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		if opts.SocketOptions != nil {
			if err := opts.SocketOptions(tcp); err != nil {
				_ = raw.Close()
				return nil, err
			}
		}
	}

	netConn := raw
	if opts.TLS.Enabled {
		tlsConn, err := wrapTLS(raw, opts.TLS)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
		netConn = tlsConn
	}

	readBufSize := opts.ReadBufferSize
	if readBufSize <= 0 {
		readBufSize = defaultReadBufferSize
	}

	c := &Connection{
		ID:            id,
		RemoteAddress: netConn.RemoteAddr().String(),
		LocalAddress:  netConn.LocalAddr().String(),
		StartTime:     time.Now(),
		loop:          loop,
		netConn:       netConn,
		writeCh:       make(chan []byte, 256),
		onFrame:       onFrame,
		onClose:       onClose,
	}
	c.live.Store(true)
	c.memberUUID.Store("")

	go c.readLoop(readBufSize)
	go c.writeLoop()

	if err := c.enqueue(wire.Preamble[:]); err != nil {
		_ = c.Close(err)
		return nil, err
	}

	return c, nil
}

// wrapTLS builds the client TLS connection per spec.md §4.3: server
// verification is always required (crypto/tls never skips it here);
// optional mutual-TLS via a client cert/key; an optional fixed cipher
// list; the accepted version range pinned to the configured protocol.
func wrapTLS(raw net.Conn, opts TLSOptions) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName:   opts.ServerName,
		MinVersion:   opts.MinVersion,
		MaxVersion:   opts.MaxVersion,
		CipherSuites: opts.Ciphers,
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("conn: read cafile: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("conn: cafile %s contains no usable certificates", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("conn: load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("conn: tls handshake: %w", err)
	}
	return tlsConn, nil
}

func (c *Connection) readLoop(bufSize int) {
	reader := wire.NewReader(bufSize)
	buf := make([]byte, bufSize)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.lastRead.Store(time.Now().UnixNano())
			reader.Feed(buf[:n])
			parseErr := reader.ReadAll(func(f *wire.Frame) {
				frame := f
				_ = c.loop.Submit(func() { c.onFrame(c, frame) })
			})
			if parseErr != nil {
				_ = c.Close(parseErr)
				return
			}
		}
		if err != nil {
			_ = c.Close(err)
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for buf := range c.writeCh {
		remaining := buf
		for len(remaining) > 0 {
			n, err := c.netConn.Write(remaining)
			if err != nil {
				_ = c.Close(err)
				return
			}
			remaining = remaining[n:]
		}
		c.lastWrite.Store(time.Now().UnixNano())
	}
}

// enqueue appends buf to the write queue. Returns an error if the
// connection is no longer live. Blocks the caller if the queue is
// momentarily full, rather than drop the frame; the caller can be the
// reactor goroutine itself, since invocation retries call Write from a
// timer callback.
func (c *Connection) enqueue(buf []byte) error {
	c.dieMu.RLock()
	defer c.dieMu.RUnlock()
	if !c.live.Load() {
		return ErrClosed
	}
	cp := append([]byte(nil), buf...)
	c.writeCh <- cp
	return nil
}

// Write enqueues buf for sending. Safe to call from any goroutine.
func (c *Connection) Write(buf []byte) error {
	return c.enqueue(buf)
}

// WriteFrame encodes and enqueues f.
func (c *Connection) WriteFrame(f *wire.Frame) error {
	return c.Write(wire.Encode(f))
}

// Live reports whether the connection is still open.
func (c *Connection) Live() bool { return c.live.Load() }

// MemberUUID returns the member UUID learned from authentication, or "" if
// not yet known.
func (c *Connection) MemberUUID() string {
	return c.memberUUID.Load().(string)
}

// SetMemberUUID records the member UUID this connection authenticated
// against.
func (c *Connection) SetMemberUUID(uuid string) {
	c.memberUUID.Store(uuid)
}

// LastReadTime returns the time of the most recent successful read, or the
// zero Time if none has occurred yet.
func (c *Connection) LastReadTime() time.Time {
	return nanosToTime(c.lastRead.Load())
}

// LastWriteTime returns the time of the most recent successful write, or
// the zero Time if none has occurred yet.
func (c *Connection) LastWriteTime() time.Time {
	return nanosToTime(c.lastWrite.Load())
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ErrClosed is returned by Write after the connection has died.
var ErrClosed = fmt.Errorf("conn: connection closed")

// Close is idempotent: marks the connection dead, stops the writer
// goroutine, closes the socket, and invokes the close handler exactly once
// with cause (on the reactor loop goroutine). A nil cause is replaced with
// a TargetDisconnectedError wrapping ErrClosed.
func (c *Connection) Close(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.dieMu.Lock()
		c.live.Store(false)
		close(c.writeCh)
		c.dieMu.Unlock()
		err = c.netConn.Close()
		if cause == nil {
			cause = &kverrors.TargetDisconnectedError{Cause: ErrClosed}
		}
		if c.onClose != nil {
			_ = c.loop.Submit(func() { c.onClose(c, cause) })
		}
	})
	return err
}
