package msgrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxDatagramSize is the largest UDP payload; datagram sockets receive into
// buffers at least this large so a response is never cut short by the
// buffer.
const maxDatagramSize = 65507

// NetDialer dials sockets backed by the net package. Networks "tcp",
// "tcp4", "tcp6" and "unix" are stream-oriented; "udp", "udp4", "udp6" and
// "unixgram" are message-oriented.
type NetDialer struct {
	Network   string
	Timeout   time.Duration
	KeepAlive time.Duration

	// Cancel, when set, aborts every operation of every socket this dialer
	// creates once it is done. Operations that observe it complete with
	// its error; they are never retried.
	Cancel context.Context
}

func (d *NetDialer) Dial(ctx context.Context, endpoint string) (Socket, error) {
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	caps, err := networkCapabilities(network)
	if err != nil {
		return nil, err
	}
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, network, endpoint)
	if err != nil {
		return nil, err
	}
	return NewNetSocket(d.Cancel, conn, caps), nil
}

func networkCapabilities(network string) (Capabilities, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		return Capabilities{VectoredSend: true, StreamOriented: true}, nil
	case "udp", "udp4", "udp6", "unixgram":
		return Capabilities{}, nil
	default:
		return Capabilities{}, fmt.Errorf("msgrpc: unsupported network %q", network)
	}
}

// netSocket runs each operation on its own goroutine and reports through
// the callback, so it never completes synchronously except when the
// cancellation context is already done.
type netSocket struct {
	conn   net.Conn
	caps   Capabilities
	cancel context.Context
	stop   func() bool

	closeOnce sync.Once
	closeErr  error
}

// NewNetSocket wraps an established connection. cancel may be nil.
func NewNetSocket(cancel context.Context, conn net.Conn, caps Capabilities) Socket {
	if cancel == nil {
		cancel = context.Background()
	}
	s := &netSocket{conn: conn, caps: caps, cancel: cancel}
	// Unblock in-flight reads and writes when the process-wide context ends.
	s.stop = context.AfterFunc(cancel, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return s
}

func (s *netSocket) Send(bufs net.Buffers, done IOCallback) (int, bool, error) {
	if err := s.cancel.Err(); err != nil {
		return 0, true, err
	}
	go func() {
		var (
			n   int64
			err error
		)
		if len(bufs) == 1 {
			var w int
			w, err = s.conn.Write(bufs[0])
			n = int64(w)
		} else {
			n, err = bufs.WriteTo(s.conn)
		}
		done(int(n), s.observeCancel(err))
	}()
	return 0, false, nil
}

func (s *netSocket) Receive(buf []byte, done IOCallback) (int, bool, error) {
	if err := s.cancel.Err(); err != nil {
		return 0, true, err
	}
	go func() {
		n, err := s.conn.Read(buf)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done(n, s.observeCancel(err))
	}()
	return 0, false, nil
}

// observeCancel reports the cancellation cause instead of the deadline
// error it provoked.
func (s *netSocket) observeCancel(err error) error {
	if err == nil {
		return nil
	}
	if cerr := s.cancel.Err(); cerr != nil {
		return cerr
	}
	return err
}

func (s *netSocket) Capabilities() Capabilities { return s.caps }
func (s *netSocket) LocalAddr() net.Addr        { return s.conn.LocalAddr() }
func (s *netSocket) RemoteAddr() net.Addr       { return s.conn.RemoteAddr() }

func (s *netSocket) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

var errNoHalfClose = errors.New("msgrpc: connection does not support half-close")

// CloseWrite shuts down the sending side of TCP and Unix stream
// connections.
func (s *netSocket) CloseWrite() error {
	cw, ok := s.conn.(interface{ CloseWrite() error })
	if !ok || !s.caps.StreamOriented {
		return errNoHalfClose
	}
	return cw.CloseWrite()
}

func (s *netSocket) Reset() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		// Linger 0 makes Close send RST instead of FIN.
		_ = tc.SetLinger(0)
	}
	return s.Close()
}
