package msgrpc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// testResponder is a loopback MessagePack-RPC peer. Requests are answered
// on their own goroutine, so responses may come back out of order.
type testResponder struct {
	ln            net.Listener
	notifications atomic.Int32
	accepted      atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
}

func startResponder(t *testing.T) *testResponder {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &testResponder{ln: ln}
	go r.serve()
	t.Cleanup(r.close)
	return r
}

func (r *testResponder) addr() string { return r.ln.Addr().String() }

func (r *testResponder) close() {
	r.ln.Close()
	r.dropConnections()
}

// dropConnections closes every accepted connection from the server side.
func (r *testResponder) dropConnections() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (r *testResponder) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.accepted.Add(1)
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		go r.handle(conn)
	}
}

func (r *testResponder) handle(conn net.Conn) {
	defer conn.Close()
	var (
		writeMu sync.Mutex
		buf     []byte
		chunk   = make([]byte, 4096)
	)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for len(buf) > 0 {
			call, rest, derr := DecodeCall(buf)
			if derr == msgp.ErrShortBytes {
				break
			}
			if derr != nil {
				return
			}
			buf = rest
			if call.Type == MessageTypeNotification {
				r.notifications.Add(1)
				continue
			}
			go func(call InboundCall) {
				errValue, result := respond(call)
				if errValue == nil && result == nil && call.Method == "drop" {
					return
				}
				out := EncodeResponse(nil, call.MessageID, errValue, result)
				writeMu.Lock()
				conn.Write(out)
				writeMu.Unlock()
			}(call)
		}
		if err != nil {
			return
		}
	}
}

func respond(call InboundCall) (errValue, result []byte) {
	switch call.Method {
	case "echo":
		if len(call.Params) == 0 {
			return nil, msgp.AppendNil(nil)
		}
		out, err := msgp.AppendIntf(nil, call.Params[0])
		if err != nil {
			return msgp.AppendString(nil, ErrArgument.Identifier()), msgp.AppendString(nil, err.Error())
		}
		return nil, out
	case "add":
		var sum int64
		for _, p := range call.Params {
			switch v := p.(type) {
			case int64:
				sum += v
			case uint64:
				sum += int64(v)
			default:
				return msgp.AppendString(nil, ErrArgument.Identifier()),
					msgp.AppendString(nil, fmt.Sprintf("%T is not an integer", p))
			}
		}
		return nil, msgp.AppendInt64(nil, sum)
	case "sleep":
		if len(call.Params) == 1 {
			if d, ok := call.Params[0].(int64); ok {
				time.Sleep(time.Duration(d))
			}
		}
		return nil, msgp.AppendNil(nil)
	case "busy":
		detail := msgp.AppendMapHeader(nil, 2)
		detail = msgp.AppendString(detail, "ErrorCode")
		detail = msgp.AppendInt(detail, ErrServerBusy.Code())
		detail = msgp.AppendString(detail, "Message")
		detail = msgp.AppendString(detail, "come back later")
		return msgp.AppendInt(nil, ErrServerBusy.Code()), detail
	case "drop":
		return nil, nil
	default:
		return msgp.AppendString(nil, ErrNoMethod.Identifier()),
			msgp.AppendString(nil, fmt.Sprintf("method %q is not defined", call.Method))
	}
}
