package msgrpc

import (
	"context"
	"net"
)

// Capabilities describe what a Socket can do. They are properties of the
// underlying transport, not of the protocol.
type Capabilities struct {
	// VectoredSend means Send accepts a multi-buffer list and writes it as
	// one message. Without it the transport flattens the list first.
	VectoredSend bool

	// StreamOriented means bytes form a continuous stream: a response may
	// span several receives and parsing resumes mid-message. Otherwise each
	// receive is one whole datagram and a truncated one is lost.
	StreamOriented bool
}

// IOCallback reports the completion of an asynchronous Send or Receive.
type IOCallback func(n int, err error)

// Socket is the I/O adapter contract the engine drives. Implementations
// perform the raw I/O; the engine never blocks on them.
//
// Send and Receive either complete before returning (completed=true, with
// n and err set and done never called) or complete later by calling done
// exactly once, possibly on another goroutine. Reporting synchronous
// completion lets the transport loop instead of recursing on hot paths.
//
// A Receive that completes with n == 0 and a nil error means the peer
// closed its sending side.
type Socket interface {
	Send(bufs net.Buffers, done IOCallback) (n int, completed bool, err error)
	Receive(buf []byte, done IOCallback) (n int, completed bool, err error)

	Capabilities() Capabilities
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Close closes the connection gracefully.
	Close() error
	// Reset closes the connection abortively, discarding unsent data.
	Reset() error
}

// Dialer establishes sockets to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Socket, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint string) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Socket, error) {
	return f(ctx, endpoint)
}
