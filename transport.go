package msgrpc

// Transport drives one connection: it frames outbound messages, keeps the
// tables correlating pending calls, runs the receive/decode loop, and
// executes the shutdown protocol.
//
// Invariants:
//   - Every accepted Send resolves its completion exactly once: whichever of
//     response dispatch, send/receive error, decode error, timeout or
//     shutdown drain takes the correlation entry first invokes it.
//   - At most one receive is outstanding. The receive loop runs while calls
//     are pending or a partial message is buffered, and is restarted by the
//     next request's send completion.
//   - The socket is closed exactly once, by shutdown completion, and is
//     detached from the transport before the shutdown-completed event is
//     raised.
//   - The shutdown state leaves Active at most once (compare-and-set).

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDuplicateMessageID    = errors.New("msgrpc: message id is already pending on this transport")
	ErrDuplicateSessionID    = errors.New("msgrpc: session id is already pending on this transport")
	ErrTransportDisposed     = errors.New("msgrpc: transport is disposed")
	ErrTransportShuttingDown = errors.New("msgrpc: transport is shutting down")
	ErrContextNotBound       = errors.New("msgrpc: request context is not bound to this transport")
)

type pendingRequest struct {
	completion RequestCompletion
	watcher    timeoutWatcher
	sessionID  uint64
}

type pendingNotification struct {
	completion NotificationCompletion
}

// Transport is safe for concurrent use. Obtain one from
// TransportManager.Connect and hand it back with TransportManager.Return.
type Transport struct {
	manager *TransportManager
	cfg     *managerConfig
	log     *slog.Logger
	metrics *Metrics
	caps    Capabilities
	id      uint64

	socketMu sync.Mutex
	socket   Socket
	remote   net.Addr

	state     atomic.Int32
	disposed  atomic.Bool
	finished  atomic.Bool
	receiving atomic.Bool
	// halfClosed is set once a drained client shutdown has closed the
	// sending side; the loop then reads until the peer closes too.
	halfClosed atomic.Bool
	// closeWait bounds the read after a half-close.
	closeWait timeoutWatcher

	// response is the receive loop's context; only the goroutine that
	// holds receiving touches it.
	response *ResponseContext

	requests      *correlationTable[int32, *pendingRequest]
	notifications *correlationTable[uint64, *pendingNotification]

	done           chan struct{}
	shutdownSource atomic.Int32
	createdAt      time.Time
}

func newTransport(m *TransportManager, id uint64, sock Socket) *Transport {
	t := &Transport{
		manager:       m,
		cfg:           &m.cfg,
		metrics:       m.metrics,
		caps:          sock.Capabilities(),
		id:            id,
		socket:        sock,
		remote:        sock.RemoteAddr(),
		requests:      newCorrelationTable[int32, *pendingRequest](),
		notifications: newCorrelationTable[uint64, *pendingNotification](),
		done:          make(chan struct{}),
		createdAt:     time.Now(),
	}
	t.log = m.log.With("transport", id, "remote", addrString(t.remote))
	t.state.Store(int32(stateActive))
	return t
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// ID returns the manager-local identifier of the transport.
func (t *Transport) ID() uint64 { return t.id }

// RemoteAddr returns the peer address the transport was connected to.
func (t *Transport) RemoteAddr() net.Addr { return t.remote }

// Capabilities returns the bound socket's capabilities.
func (t *Transport) Capabilities() Capabilities { return t.caps }

// PendingCalls returns the number of requests and notifications not yet
// resolved.
func (t *Transport) PendingCalls() int {
	return t.requests.len() + t.notifications.len()
}

// Done is closed once shutdown has completed.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) currentSocket() Socket {
	t.socketMu.Lock()
	defer t.socketMu.Unlock()
	return t.socket
}

// detachSocket clears the socket slot and returns what was there, so only
// one caller ever closes it.
func (t *Transport) detachSocket() Socket {
	t.socketMu.Lock()
	defer t.socketMu.Unlock()
	s := t.socket
	t.socket = nil
	return s
}

// NewRequestContext borrows a request context bound to t.
func (t *Transport) NewRequestContext() *RequestContext {
	return t.manager.borrowRequestContext(t)
}

// Send transmits a request or notification.
//
// A non-nil return means the message was rejected before any I/O and its
// completion will never be invoked; the context stays with the caller, who
// may return it with ReleaseRequestContext. A nil return means the
// completion will be invoked exactly once.
func (t *Transport) Send(rc *RequestContext) error {
	if rc == nil {
		return errors.New("msgrpc: Send with nil request context")
	}
	if rc.transport != t {
		return ErrContextNotBound
	}
	if t.disposed.Load() {
		return ErrTransportDisposed
	}
	switch shutdownState(t.state.Load()) {
	case stateClientShutdown:
		return ErrTransportShuttingDown
	case stateServerShutdown, stateDisposing:
		return wrapRPCError(ErrTransport, "Transport is already shut down.", ErrTransportShuttingDown)
	}

	if err := rc.prepare(); err != nil {
		return err
	}
	if max := t.cfg.maxMessageSize; max > 0 && rc.encodedLen() > max {
		return NewRPCError(ErrMessageTooLarge, fmt.Sprintf("Message is %d bytes, limit is %d.", rc.encodedLen(), max))
	}

	timeout := t.callTimeout(rc)

	switch rc.messageType {
	case MessageTypeRequest:
		p := &pendingRequest{completion: rc.requestCompletion, sessionID: rc.sessionID}
		if !t.requests.tryInsert(rc.messageID, p) {
			t.metrics.DuplicateIDs.Add(1)
			return fmt.Errorf("%w: %d", ErrDuplicateMessageID, rc.messageID)
		}
		t.metrics.RequestsSent.Add(1)
		if timeout > 0 {
			id := rc.messageID
			rc.timeout.Reset(timeout, func() { t.onRequestTimeout(id, p) })
		}
	case MessageTypeNotification:
		p := &pendingNotification{completion: rc.notificationCompletion}
		if !t.notifications.tryInsert(rc.sessionID, p) {
			return fmt.Errorf("%w: %d", ErrDuplicateSessionID, rc.sessionID)
		}
		t.metrics.NotificationsSent.Add(1)
		if timeout > 0 {
			sid := rc.sessionID
			rc.timeout.Reset(timeout, func() { t.onNotificationTimeout(sid, p) })
		}
	}

	sock := t.currentSocket()
	if sock == nil {
		// Shutdown completed between the state check and here; the drain
		// has run or is running, so resolve this call the same way.
		t.failSend(rc, wrapRPCError(ErrTransport, "Transport is already shut down.", ErrTransportShuttingDown), false)
		return nil
	}

	if t.log.Enabled(context.Background(), slog.LevelDebug) {
		id, _ := rc.MessageID()
		t.log.Debug("msgrpc send", "type", rc.messageType, "method", rc.methodName,
			"msgid", id, "session", rc.sessionID, "bytes", rc.encodedLen())
	}

	n, completed, err := sock.Send(rc.sendBuffers(t.caps.VectoredSend), func(n int, err error) {
		t.onSent(rc, n, err, false)
	})
	if completed {
		t.onSent(rc, n, err, true)
	}
	return nil
}

func (t *Transport) callTimeout(rc *RequestContext) time.Duration {
	switch {
	case rc.callTimeout < 0:
		return 0
	case rc.callTimeout > 0:
		return rc.callTimeout
	default:
		return t.cfg.callTimeout
	}
}

// ReleaseRequestContext returns a context that was not accepted by Send.
func (t *Transport) ReleaseRequestContext(rc *RequestContext) {
	if rc == nil || rc.transport != t {
		return
	}
	t.manager.returnRequestContext(rc)
}

// failSend resolves a message whose send did not happen or failed.
func (t *Transport) failSend(rc *RequestContext, err error, sync bool) {
	rc.timeout.Stop()
	switch rc.messageType {
	case MessageTypeRequest:
		if p, ok := t.requests.take(rc.messageID); ok {
			p.watcher.Stop()
			p.completion(nil, err, sync)
		}
	case MessageTypeNotification:
		if p, ok := t.notifications.take(rc.sessionID); ok {
			p.completion(err, sync)
		}
	}
	t.manager.returnRequestContext(rc)
	t.checkDrained()
}

// onSent handles send completion. Notifications resolve here; requests
// move to the receive phase with whatever is left of their time budget.
func (t *Transport) onSent(rc *RequestContext, n int, err error, sync bool) {
	rc.bytesTransferred = n
	rc.completedSynchronously = sync
	t.metrics.BytesSent.Add(int64(n))

	if err != nil {
		t.metrics.SocketErrors.Add(1)
		t.log.Warn("msgrpc send failed", "error", err, "session", rc.sessionID)
		t.failSend(rc, translateSocketError(err), sync)
		return
	}

	rc.timeout.Stop()
	if rc.messageType == MessageTypeNotification {
		if p, ok := t.notifications.take(rc.sessionID); ok {
			p.completion(nil, sync)
		}
		t.manager.returnRequestContext(rc)
		t.checkDrained()
		return
	}

	id := rc.messageID
	timeout := t.callTimeout(rc)
	remaining := rc.timeout.Remaining()
	t.manager.returnRequestContext(rc)

	p, ok := t.requests.load(id)
	if !ok {
		// Resolved already: the response overtook the send completion, or
		// the call timed out.
		t.checkDrained()
		return
	}
	if timeout > 0 {
		if remaining <= 0 {
			t.onRequestTimeout(id, p)
			return
		}
		p.watcher.Reset(remaining, func() { t.onRequestTimeout(id, p) })
		if !t.requests.contains(id) {
			p.watcher.Stop()
		}
	}
	t.ensureReceiving()
}

// ensureReceiving starts the receive loop unless it is already running.
func (t *Transport) ensureReceiving() {
	if !t.receiving.CompareAndSwap(false, true) {
		return
	}
	t.receiveLoop()
}

// receiveLoop issues receives while the loop is owned by this goroutine,
// looping on synchronous completions instead of recursing.
func (t *Transport) receiveLoop() {
	for {
		if t.finished.Load() {
			t.stopReceiving()
			return
		}
		sock := t.currentSocket()
		if sock == nil {
			t.stopReceiving()
			return
		}
		rc := t.responseContext()
		buf := rc.receiveBuffer(t.receiveChunkSize())
		n, completed, err := sock.Receive(buf, func(n int, err error) {
			t.onReceived(rc, n, err, false)
		})
		if !completed {
			return
		}
		if !t.handleReceived(rc, n, err, true) {
			return
		}
	}
}

func (t *Transport) receiveChunkSize() int {
	if !t.caps.StreamOriented && t.cfg.receiveBufferSize < maxDatagramSize {
		return maxDatagramSize
	}
	return t.cfg.receiveBufferSize
}

func (t *Transport) responseContext() *ResponseContext {
	if t.response == nil {
		t.response = t.manager.borrowResponseContext(t)
	}
	return t.response
}

// stopReceiving gives up loop ownership. The context goes back to the pool
// first so a new owner starts clean.
func (t *Transport) stopReceiving() {
	if rc := t.response; rc != nil {
		t.response = nil
		t.manager.returnResponseContext(rc)
	}
	t.receiving.Store(false)
}

func (t *Transport) onReceived(rc *ResponseContext, n int, err error, sync bool) {
	if t.handleReceived(rc, n, err, sync) {
		t.receiveLoop()
	}
}

// handleReceived processes one receive completion and reports whether the
// loop should issue another receive.
func (t *Transport) handleReceived(rc *ResponseContext, n int, err error, sync bool) bool {
	rc.completedSynchronously = sync
	if err != nil {
		t.onReceiveError(rc, err)
		return false
	}
	if n == 0 {
		t.onZeroReceive(rc)
		return false
	}

	rc.commitReceived(n)
	t.metrics.BytesReceived.Add(int64(n))

	finished, derr := rc.advance()
	if derr == nil && !finished {
		if max := t.cfg.maxMessageSize; max > 0 && len(rc.pendingBytes()) > max {
			derr = NewRPCError(ErrMessageTooLarge, fmt.Sprintf("Response exceeds %d bytes.", max))
		} else if !t.caps.StreamOriented {
			derr = protocolErrorf("datagram of %d bytes ends inside a response", n)
		}
	}
	if derr != nil {
		return t.onDecodeError(rc, derr)
	}
	if !finished {
		return true
	}
	return t.continueReceiving(rc)
}

// continueReceiving decides, at a message boundary, whether the loop keeps
// going. When it stops it re-checks for requests that registered while it
// was deciding, so none is left without a receive.
func (t *Transport) continueReceiving(rc *ResponseContext) bool {
	if t.finished.Load() {
		t.stopReceiving()
		return false
	}
	if t.wantsReceive() || rc.buffer.hasUnread() {
		return true
	}
	t.stopReceiving()
	if t.wantsReceive() && t.receiving.CompareAndSwap(false, true) {
		t.receiveLoop()
	}
	return false
}

func (t *Transport) wantsReceive() bool {
	return t.requests.len() > 0 || t.halfClosed.Load()
}

// dispatchResponse hands a decoded response to its pending call, or raises
// it as an orphan.
func (t *Transport) dispatchResponse(rc *ResponseContext) {
	p, ok := t.requests.take(rc.messageID)
	if !ok {
		t.raiseOrphan(rc, nil)
		return
	}
	p.watcher.Stop()
	t.metrics.ResponsesReceived.Add(1)
	p.completion(rc, nil, rc.completedSynchronously)
	t.checkDrained()
}

// raiseOrphan reports a response that matches no pending call, or a
// failure that cannot be attributed to one.
func (t *Transport) raiseOrphan(rc *ResponseContext, cause error) {
	t.metrics.OrphanResponses.Add(1)
	o := OrphanResponse{Transport: t, Cause: cause}
	if rc != nil && rc.messageIDRead {
		id := rc.messageID
		o.MessageID = &id
	}
	if cause == nil && rc != nil {
		o.Error, o.DecodeError = rc.ErrorMessage()
		if o.DecodeError == nil && o.Error.IsSuccess() {
			o.Result, o.DecodeError = rc.DecodeResult()
		}
	}
	t.manager.raiseOrphan(o)
}

// onDecodeError handles a malformed response, then either resynchronizes
// on a fresh header or aborts the connection.
func (t *Transport) onDecodeError(rc *ResponseContext, err error) bool {
	rerr := t.failMalformed(rc, err)
	if t.caps.StreamOriented && !t.cfg.resyncOnProtocolError {
		t.stopReceiving()
		t.abort(ShutdownSourceDisposing, rerr)
		return false
	}
	return t.continueReceiving(rc)
}

// failMalformed dumps the buffered bytes, fails the call the broken
// response belongs to (or raises an orphan) and empties the buffer.
func (t *Transport) failMalformed(rc *ResponseContext, err error) *RPCError {
	t.metrics.ProtocolErrors.Add(1)
	t.log.Warn("msgrpc malformed response", "error", err, "stage", rc.stage.String(),
		"buffered", len(rc.pendingBytes()))

	t.dumpCorrupted(rc, err)

	var rerr *RPCError
	if !errors.As(err, &rerr) {
		rerr = wrapRPCError(ErrTransport, "Received response is malformed.", err)
	}

	resolved := false
	if rc.messageIDRead {
		if p, ok := t.requests.take(rc.messageID); ok {
			p.watcher.Stop()
			p.completion(nil, rerr, rc.completedSynchronously)
			resolved = true
		}
	}
	if !resolved {
		t.raiseOrphan(rc, rerr)
	}

	rc.discardBuffered()
	t.checkDrained()
	return rerr
}

// onReceiveError handles a failed receive. The stream is unusable, so the
// transport shuts down and every pending call gets the translated error.
func (t *Transport) onReceiveError(rc *ResponseContext, err error) {
	rerr := translateSocketError(err)
	if !t.finished.Load() {
		t.metrics.SocketErrors.Add(1)
		t.log.Warn("msgrpc receive failed", "error", err)
	}
	t.stopReceiving()
	t.abort(ShutdownSourceServer, rerr)
}

// onZeroReceive handles an orderly close by the peer.
func (t *Transport) onZeroReceive(rc *ResponseContext) {
	if n := len(rc.pendingBytes()); n > 0 {
		t.failMalformed(rc, protocolErrorf("connection closed inside a response (%d bytes buffered)", n))
	}
	t.stopReceiving()

	if t.state.CompareAndSwap(int32(stateActive), int32(stateServerShutdown)) {
		t.log.Info("msgrpc server closed the connection", "pending", t.PendingCalls())
		t.shutdownReceiving(ShutdownSourceServer, nil, false)
		return
	}
	switch shutdownState(t.state.Load()) {
	case stateClientShutdown:
		t.shutdownReceiving(ShutdownSourceClient, nil, false)
	case stateServerShutdown:
		t.shutdownReceiving(ShutdownSourceServer, nil, false)
	}
}

// onRequestTimeout resolves a timed-out request and resets the connection:
// after a timeout the byte stream can no longer be trusted.
func (t *Transport) onRequestTimeout(id int32, p *pendingRequest) {
	if !t.requests.takeIf(id, func(q *pendingRequest) bool { return q == p }) {
		return
	}
	p.watcher.Stop()
	t.metrics.Timeouts.Add(1)
	t.log.Warn("msgrpc request timed out", "msgid", id, "session", p.sessionID)
	// Stop accepting sends before the caller hears about the timeout, so a
	// retry never lands on this connection.
	source := t.leaveActive(ShutdownSourceDisposing)
	p.completion(nil, NewRPCError(ErrTimeout, ""), false)
	t.shutdownReceiving(source, errResetAfterTimeout(), true)
}

func (t *Transport) onNotificationTimeout(sessionID uint64, p *pendingNotification) {
	if !t.notifications.takeIf(sessionID, func(q *pendingNotification) bool { return q == p }) {
		return
	}
	t.metrics.Timeouts.Add(1)
	t.log.Warn("msgrpc notification timed out", "session", sessionID)
	source := t.leaveActive(ShutdownSourceDisposing)
	p.completion(NewRPCError(ErrTimeout, ""), false)
	t.shutdownReceiving(source, errResetAfterTimeout(), true)
}

func (t *Transport) dumpCorrupted(rc *ResponseContext, cause error) {
	sink := t.cfg.dumpSink
	if sink == nil {
		return
	}
	msg := CorruptedMessage{
		TransportID: t.id,
		SessionID:   rc.sessionID,
		Remote:      addrString(t.remote),
		Stage:       rc.stage.String(),
		Reason:      cause.Error(),
		Data:        append([]byte(nil), rc.pendingBytes()...),
		At:          time.Now(),
	}
	if rc.messageIDRead {
		id := rc.messageID
		msg.MessageID = &id
	}
	if err := t.manager.dump(msg); err != nil {
		t.log.Error("msgrpc dump corrupted response failed", "error", err)
	}
}
