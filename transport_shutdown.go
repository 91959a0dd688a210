package msgrpc

import "fmt"

type shutdownState int32

const (
	stateActive shutdownState = iota
	stateClientShutdown
	stateServerShutdown
	stateDisposing
)

func (s shutdownState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateClientShutdown:
		return "client-shutdown"
	case stateServerShutdown:
		return "server-shutdown"
	case stateDisposing:
		return "disposing"
	default:
		return fmt.Sprintf("shutdownState(%d)", int32(s))
	}
}

// ShutdownSource tells who initiated a transport's shutdown.
type ShutdownSource int

const (
	ShutdownSourceClient ShutdownSource = iota + 1
	ShutdownSourceServer
	ShutdownSourceDisposing
)

func (s ShutdownSource) String() string {
	switch s {
	case ShutdownSourceClient:
		return "client"
	case ShutdownSourceServer:
		return "server"
	case ShutdownSourceDisposing:
		return "disposing"
	default:
		return fmt.Sprintf("ShutdownSource(%d)", int(s))
	}
}

// ShutdownCompleted is raised once per transport after its socket has been
// closed and every pending call resolved.
type ShutdownCompleted struct {
	Transport *Transport
	Source    ShutdownSource
	Drained   int
}

func errShuttingDown() *RPCError {
	return wrapRPCError(ErrTransport, "Transport is shutting down.", ErrTransportShuttingDown)
}

func errResetAfterTimeout() *RPCError {
	return wrapRPCError(ErrTransport, "Connection was reset after a timeout.", ErrTransportShuttingDown)
}

// State returns the current shutdown state name.
func (t *Transport) State() string { return shutdownState(t.state.Load()).String() }

// IsActive reports whether the transport still accepts sends.
func (t *Transport) IsActive() bool {
	return shutdownState(t.state.Load()) == stateActive && !t.disposed.Load()
}

// BeginShutdown stops the transport from accepting sends. Pending calls
// still complete; once none remain the socket is closed and the
// shutdown-completed event is raised. It reports false if shutdown had
// already begun.
func (t *Transport) BeginShutdown() bool {
	if !t.state.CompareAndSwap(int32(stateActive), int32(stateClientShutdown)) {
		return false
	}
	t.log.Debug("msgrpc shutdown requested", "pending", t.PendingCalls())
	t.checkDrained()
	return true
}

// halfCloser is implemented by sockets that can shut down their sending
// side alone.
type halfCloser interface {
	CloseWrite() error
}

// checkDrained finishes a client-initiated shutdown once both correlation
// tables are empty. It runs after every completion.
//
// On stream sockets that support it the sending side is closed first and
// the transport keeps reading until the peer closes; the zero-byte receive
// then completes the shutdown. Otherwise the socket is closed right away.
func (t *Transport) checkDrained() {
	if shutdownState(t.state.Load()) != stateClientShutdown {
		return
	}
	if t.PendingCalls() > 0 || t.halfClosed.Load() {
		return
	}
	if t.halfClose() {
		return
	}
	t.shutdownReceiving(ShutdownSourceClient, nil, false)
}

func (t *Transport) halfClose() bool {
	if !t.caps.StreamOriented {
		return false
	}
	hc, ok := t.currentSocket().(halfCloser)
	if !ok || !t.halfClosed.CompareAndSwap(false, true) {
		return false
	}
	if err := hc.CloseWrite(); err != nil {
		t.log.Debug("msgrpc half-close failed", "error", err)
		return false
	}
	if t.cfg.shutdownTimeout <= 0 {
		t.shutdownReceiving(ShutdownSourceClient, nil, true)
		return true
	}
	t.closeWait.Reset(t.cfg.shutdownTimeout, t.onCloseWaitExpired)
	if t.receiving.CompareAndSwap(false, true) {
		t.receiveLoop()
	}
	return true
}

// onCloseWaitExpired resets a half-closed connection whose peer never
// closed its side.
func (t *Transport) onCloseWaitExpired() {
	t.log.Warn("msgrpc peer did not close after half-close", "waited", t.cfg.shutdownTimeout)
	t.shutdownReceiving(ShutdownSourceClient, nil, true)
}

// Dispose tears the transport down immediately. If no orderly shutdown
// claimed the state first, the socket is reset and every pending call
// fails with a shutting-down error.
func (t *Transport) Dispose() {
	if !t.disposed.CompareAndSwap(false, true) {
		return
	}
	if t.state.CompareAndSwap(int32(stateActive), int32(stateDisposing)) {
		t.shutdownReceiving(ShutdownSourceDisposing, nil, true)
		return
	}
	// An orderly shutdown is in progress; make it finish now.
	switch shutdownState(t.state.Load()) {
	case stateClientShutdown:
		t.shutdownReceiving(ShutdownSourceClient, nil, true)
	case stateServerShutdown:
		t.shutdownReceiving(ShutdownSourceServer, nil, true)
	}
}

// abort resets the connection after an unrecoverable failure, failing
// every pending call with cause.
func (t *Transport) abort(source ShutdownSource, cause *RPCError) {
	t.shutdownReceiving(t.leaveActive(source), cause, true)
}

// leaveActive moves an active transport to Disposing so no further send is
// accepted, and returns the source the shutdown will be reported with.
func (t *Transport) leaveActive(source ShutdownSource) ShutdownSource {
	if t.state.CompareAndSwap(int32(stateActive), int32(stateDisposing)) {
		return source
	}
	switch shutdownState(t.state.Load()) {
	case stateClientShutdown:
		return ShutdownSourceClient
	case stateServerShutdown:
		return ShutdownSourceServer
	}
	return source
}

// shutdownReceiving completes the shutdown: it detaches and closes the
// socket exactly once, fails every call still pending, and notifies the
// manager. Only the first caller does anything.
func (t *Transport) shutdownReceiving(source ShutdownSource, cause *RPCError, abortive bool) {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	t.shutdownSource.Store(int32(source))
	t.closeWait.Stop()

	if sock := t.detachSocket(); sock != nil {
		var err error
		if abortive {
			err = sock.Reset()
		} else {
			err = sock.Close()
		}
		if err != nil {
			t.log.Debug("msgrpc socket close", "error", err)
		}
	}

	if cause == nil {
		cause = errShuttingDown()
	}
	drained := t.requests.drain(func(_ int32, p *pendingRequest) {
		p.watcher.Stop()
		p.completion(nil, cause, false)
	})
	drained += t.notifications.drain(func(_ uint64, p *pendingNotification) {
		p.completion(cause, false)
	})

	t.metrics.recordShutdown(source)
	t.log.Info("msgrpc transport shut down", "source", source.String(), "drained", drained,
		"abortive", abortive, "age", roundAge(t.createdAt))

	close(t.done)
	t.manager.onShutdownCompleted(ShutdownCompleted{Transport: t, Source: source, Drained: drained})
}

// ShutdownSource returns who initiated the shutdown, zero while the
// transport is still running.
func (t *Transport) ShutdownSource() ShutdownSource {
	return ShutdownSource(t.shutdownSource.Load())
}
