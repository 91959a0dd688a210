package msgrpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type pendingReceive struct {
	buf  []byte
	done IOCallback
}

// scriptedSocket is an in-memory Socket. Receives are served from a queue
// of chunks; a nil chunk means the peer closed. With syncReceive set,
// queued data completes Receive synchronously, otherwise it is handed over
// by deliver on the test goroutine.
type scriptedSocket struct {
	mu sync.Mutex

	caps        Capabilities
	syncSend    bool
	syncReceive bool
	sendErr     error

	sent    [][]byte
	queue   [][]byte
	pending *pendingReceive
	closed  bool

	receives    atomic.Int32
	closes      atomic.Int32
	resets      atomic.Int32
	writeCloses atomic.Int32
	sendVectors atomic.Int32

	// onSend, when set, runs after each send completes.
	onSend func(msg []byte)
}

func newScriptedSocket() *scriptedSocket {
	return &scriptedSocket{
		caps:        Capabilities{VectoredSend: true, StreamOriented: true},
		syncSend:    true,
		syncReceive: true,
	}
}

func (s *scriptedSocket) Send(bufs net.Buffers, done IOCallback) (int, bool, error) {
	s.sendVectors.Store(int32(len(bufs)))
	var msg []byte
	for _, b := range bufs {
		msg = append(msg, b...)
	}
	s.mu.Lock()
	err := s.sendErr
	if s.closed {
		err = net.ErrClosed
	}
	if err == nil {
		s.sent = append(s.sent, msg)
	}
	synchronous := s.syncSend
	hook := s.onSend
	s.mu.Unlock()

	n := len(msg)
	if err != nil {
		n = 0
	}
	finish := func() {
		if err == nil && hook != nil {
			hook(msg)
		}
	}
	if synchronous {
		defer finish()
		return n, true, err
	}
	go func() {
		done(n, err)
		finish()
	}()
	return 0, false, nil
}

func (s *scriptedSocket) Receive(buf []byte, done IOCallback) (int, bool, error) {
	s.receives.Add(1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, true, net.ErrClosed
	}
	if len(s.queue) > 0 {
		n := s.popLocked(buf)
		s.mu.Unlock()
		if s.syncReceive {
			return n, true, nil
		}
		go done(n, nil)
		return 0, false, nil
	}
	if s.pending != nil {
		s.mu.Unlock()
		panic("scriptedSocket: second outstanding receive")
	}
	s.pending = &pendingReceive{buf: buf, done: done}
	s.mu.Unlock()
	return 0, false, nil
}

// popLocked copies the head chunk into buf, putting back what does not fit.
func (s *scriptedSocket) popLocked(buf []byte) int {
	chunk := s.queue[0]
	s.queue = s.queue[1:]
	n := copy(buf, chunk)
	if n < len(chunk) {
		s.queue = append([][]byte{chunk[n:]}, s.queue...)
	}
	return n
}

// deliver queues chunks and completes an outstanding receive with the
// first of them.
func (s *scriptedSocket) deliver(chunks ...[]byte) {
	s.mu.Lock()
	s.queue = append(s.queue, chunks...)
	p := s.pending
	if p == nil || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	n := s.popLocked(p.buf)
	s.mu.Unlock()
	p.done(n, nil)
}

// closeByPeer simulates the server closing its side.
func (s *scriptedSocket) closeByPeer() {
	s.deliver(nil)
}

// failReceive completes the outstanding receive with err.
func (s *scriptedSocket) failReceive(err error) {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p != nil {
		p.done(0, err)
	}
}

func (s *scriptedSocket) hasPendingReceive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *scriptedSocket) sentMessages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *scriptedSocket) Capabilities() Capabilities { return s.caps }
func (s *scriptedSocket) LocalAddr() net.Addr        { return fakeAddr("local") }
func (s *scriptedSocket) RemoteAddr() net.Addr       { return fakeAddr("remote") }

func (s *scriptedSocket) Close() error {
	s.closes.Add(1)
	s.shut()
	return nil
}

func (s *scriptedSocket) Reset() error {
	s.resets.Add(1)
	s.shut()
	return nil
}

// shut completes an outstanding receive with net.ErrClosed, like a real
// connection does.
func (s *scriptedSocket) shut() {
	s.mu.Lock()
	s.closed = true
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p != nil {
		p.done(0, net.ErrClosed)
	}
}

// halfClosingSocket adds CloseWrite to scriptedSocket.
type halfClosingSocket struct {
	*scriptedSocket
}

func (s halfClosingSocket) CloseWrite() error {
	s.writeCloses.Add(1)
	return nil
}

// newTestManager returns a manager whose dialer hands out sock. Timers and
// the evictor are off unless opts turn them on.
func newTestManager(t *testing.T, sock Socket, opts ...Option) *TransportManager {
	t.Helper()
	base := []Option{
		WithDialer(DialerFunc(func(context.Context, string) (Socket, error) { return sock, nil })),
		WithCallTimeout(0),
		WithEvictionInterval(0),
	}
	m := NewTransportManager("fake", append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func connectTest(t *testing.T, m *TransportManager) *Transport {
	t.Helper()
	tr, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return tr
}

// callRecorder collects completions and counts them.
type callRecorder struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	ids     []int32
	results [][]byte
	msgs    []RPCErrorMessage
	fired   chan struct{}
}

func newCallRecorder() *callRecorder {
	return &callRecorder{fired: make(chan struct{}, 64)}
}

func (r *callRecorder) completion() RequestCompletion {
	return func(resp *ResponseContext, err error, _ bool) {
		r.mu.Lock()
		r.calls++
		r.errs = append(r.errs, err)
		if resp != nil {
			id, _ := resp.MessageID()
			r.ids = append(r.ids, id)
			r.results = append(r.results, append([]byte(nil), resp.Result()...))
			msg, _ := resp.ErrorMessage()
			r.msgs = append(r.msgs, msg)
		}
		r.mu.Unlock()
		r.fired <- struct{}{}
	}
}

func (r *callRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *callRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for completion %d of %d", i+1, n)
		}
	}
}

// sendRequest builds and sends a request with no arguments.
func sendRequest(t *testing.T, tr *Transport, id int32, method string, done RequestCompletion) {
	t.Helper()
	rc := tr.NewRequestContext()
	rc.SetRequest(id, method, done)
	if err := tr.Send(rc); err != nil {
		t.Fatalf("Send(%d): %v", id, err)
	}
}
