package msgrpc

import (
	"net"
)

// messageContext holds the state shared by request and response contexts.
// A context is either unbound (owned by its pool) or bound to exactly one
// Transport; bind and clear are the only transitions.
type messageContext struct {
	messageID int32
	sessionID uint64

	remoteEndpoint         net.Addr
	bytesTransferred       int
	completedSynchronously bool

	timeout timeoutWatcher

	transport *Transport

	// pooled is set when the context was leased from a manager pool and
	// must go back to it.
	pooled bool
}

func (c *messageContext) bind(t *Transport, sessionID uint64) {
	if t == nil {
		panic("msgrpc: bind context to nil transport")
	}
	if c.transport != nil {
		panic("msgrpc: context is already bound to a transport")
	}
	c.transport = t
	c.sessionID = sessionID
	c.remoteEndpoint = t.RemoteAddr()
}

func (c *messageContext) clearBase() {
	c.timeout.Stop()
	c.transport = nil
	c.messageID = unsetMessageID
	c.sessionID = 0
	c.remoteEndpoint = nil
	c.bytesTransferred = 0
	c.completedSynchronously = false
}

// MessageID returns the message id and whether one is set. Notifications
// never carry one.
func (c *messageContext) MessageID() (int32, bool) {
	return c.messageID, c.messageID != unsetMessageID
}

// SessionID returns the local correlation key. It never goes on the wire.
func (c *messageContext) SessionID() uint64 { return c.sessionID }

// RemoteEndpoint returns the address of the bound transport's peer.
func (c *messageContext) RemoteEndpoint() net.Addr { return c.remoteEndpoint }

// BytesTransferred returns the byte count of the last I/O on this context.
func (c *messageContext) BytesTransferred() int { return c.bytesTransferred }

// CompletedSynchronously reports whether the last I/O finished before the
// socket call returned.
func (c *messageContext) CompletedSynchronously() bool { return c.completedSynchronously }

// Transport returns the bound transport, nil while pooled.
func (c *messageContext) Transport() *Transport { return c.transport }
