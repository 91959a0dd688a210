package msgrpc

import (
	"errors"
	"net"
	"time"
)

// RequestCompletion receives the outcome of a request. On success err is
// nil and resp holds the undecoded error and result slots of the response;
// resp is recycled when the callback returns, so anything needed later
// must be copied out. On failure resp is nil and err is an *RPCError.
type RequestCompletion func(resp *ResponseContext, err error, completedSynchronously bool)

// NotificationCompletion receives the outcome of sending a notification.
type NotificationCompletion func(err error, completedSynchronously bool)

var (
	errNoMessageType = errors.New("msgrpc: request context has neither SetRequest nor SetNotification")
)

// RequestContext carries one outbound request or notification. Obtain one
// from Transport.NewRequestContext, configure it with SetRequest or
// SetNotification, pack the arguments, and pass it to Transport.Send.
// After Send the transport owns it and returns it to the pool.
type RequestContext struct {
	messageContext

	messageType MessageType
	methodName  string
	arguments   ArgumentsEncoder
	callTimeout time.Duration

	requestCompletion      RequestCompletion
	notificationCompletion NotificationCompletion

	idBuf     []byte
	methodBuf []byte
	slots     [sendBufferSlots][]byte
	sendList  net.Buffers
	flat      []byte
}

func newRequestContext() *RequestContext {
	rc := &RequestContext{}
	rc.clear()
	return rc
}

// SetRequest configures the context as a request expecting a response.
// It discards any earlier notification setup.
func (rc *RequestContext) SetRequest(messageID int32, methodName string, completion RequestCompletion) {
	if completion == nil {
		panic("msgrpc: SetRequest with nil completion")
	}
	if messageID == unsetMessageID {
		panic("msgrpc: SetRequest with the reserved message id")
	}
	rc.resetSetup()
	rc.messageType = MessageTypeRequest
	rc.messageID = messageID
	rc.methodName = methodName
	rc.requestCompletion = completion
}

// SetNotification configures the context as a fire-and-forget
// notification. It discards any earlier request setup.
func (rc *RequestContext) SetNotification(methodName string, completion NotificationCompletion) {
	if completion == nil {
		panic("msgrpc: SetNotification with nil completion")
	}
	rc.resetSetup()
	rc.messageType = MessageTypeNotification
	rc.messageID = unsetMessageID
	rc.methodName = methodName
	rc.notificationCompletion = completion
}

// SetTimeout overrides the transport's call timeout for this message.
// Zero keeps the transport default; a negative value disables it.
func (rc *RequestContext) SetTimeout(d time.Duration) { rc.callTimeout = d }

// Arguments returns the encoder for the call's arguments.
func (rc *RequestContext) Arguments() *ArgumentsEncoder { return &rc.arguments }

// MessageType returns Request or Notification once configured.
func (rc *RequestContext) MessageType() MessageType { return rc.messageType }

// MethodName returns the configured method name.
func (rc *RequestContext) MethodName() string { return rc.methodName }

func (rc *RequestContext) resetSetup() {
	rc.messageType = -1
	rc.methodName = ""
	rc.requestCompletion = nil
	rc.notificationCompletion = nil
	rc.arguments.Reset()
	for i := range rc.slots {
		rc.slots[i] = nil
	}
	rc.sendList = rc.sendList[:0]
}

// prepare lays out the outbound slots for the configured message type.
func (rc *RequestContext) prepare() error {
	if err := rc.arguments.Err(); err != nil {
		return err
	}
	rc.methodBuf = appendMethodName(rc.methodBuf[:0], rc.methodName)
	switch rc.messageType {
	case MessageTypeRequest:
		rc.idBuf = appendMessageID(rc.idBuf[:0], rc.messageID)
		rc.slots[0] = requestPrefix
		rc.slots[1] = rc.idBuf
		rc.slots[2] = rc.methodBuf
		rc.slots[3] = rc.arguments.Bytes()
	case MessageTypeNotification:
		rc.slots[0] = notificationPrefix
		rc.slots[1] = rc.methodBuf
		rc.slots[2] = rc.arguments.Bytes()
		rc.slots[3] = nil
	default:
		return errNoMessageType
	}
	return nil
}

// sendBuffers returns the slots as a scatter list, or flattened into one
// contiguous buffer when the socket cannot write vectors.
func (rc *RequestContext) sendBuffers(vectored bool) net.Buffers {
	rc.sendList = rc.sendList[:0]
	for _, s := range rc.slots {
		if len(s) > 0 {
			rc.sendList = append(rc.sendList, s)
		}
	}
	if vectored {
		return rc.sendList
	}
	rc.flat = flattenBuffers(rc.flat, rc.sendList)
	rc.sendList = append(rc.sendList[:0], rc.flat)
	return rc.sendList
}

// encodedLen returns the total size of the prepared message.
func (rc *RequestContext) encodedLen() int {
	n := 0
	for _, s := range rc.slots {
		n += len(s)
	}
	return n
}

// clear returns the context to its pooled state.
func (rc *RequestContext) clear() {
	rc.clearBase()
	rc.resetSetup()
	rc.callTimeout = 0
}
