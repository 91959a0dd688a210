package msgrpc

// Wire format (MessagePack-RPC):
//
//	request:      [0, msgid:uint32, method:str, params:array]
//	response:     [1, msgid:uint32, error:any, result:any]
//	notification: [2, method:str, params:array]
//
// Outbound messages are assembled as a list of independently encoded byte
// ranges rather than one contiguous copy. Slot layout:
//
//	request:      [header+type][msgid][method][params]
//	notification: [header+type][method][params][]
//
// Notifications go out with a 3-element array header. This departs on
// purpose from a 4-element notification envelope: a header announcing four
// elements followed by three is unreadable by MessagePack-RPC peers.
//
// Whether the list is written with one vectored write or flattened first is
// a socket capability (Capabilities.VectoredSend), not a protocol rule.

import (
	"errors"
	"fmt"
	"net"

	"github.com/tinylib/msgp/msgp"
)

// MessageType is the type tag in the first element of every envelope.
type MessageType int

const (
	MessageTypeRequest      MessageType = 0
	MessageTypeResponse     MessageType = 1
	MessageTypeNotification MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeNotification:
		return "Notification"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

const (
	requestEnvelopeLen      = 4
	responseEnvelopeLen     = 4
	notificationEnvelopeLen = 3

	// sendBufferSlots is the fixed size of the outbound buffer list.
	sendBufferSlots = 4
)

// Pre-encoded [fixarray header, type tag] prefixes.
var (
	requestPrefix      = []byte{0x90 | requestEnvelopeLen, byte(MessageTypeRequest)}
	notificationPrefix = []byte{0x90 | notificationEnvelopeLen, byte(MessageTypeNotification)}
)

var (
	// ErrInvalidEnvelope wraps every protocol violation found while
	// decoding an inbound envelope.
	ErrInvalidEnvelope = errors.New("msgrpc: invalid message envelope")
)

func protocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}

// appendMessageID encodes id as an unsigned 32-bit integer.
func appendMessageID(b []byte, id int32) []byte {
	return msgp.AppendUint32(b, uint32(id))
}

// appendMethodName encodes the method name as a str value.
func appendMethodName(b []byte, method string) []byte {
	return msgp.AppendString(b, method)
}

// flattenBuffers copies a scatter list into dst (reused when large enough).
func flattenBuffers(dst []byte, bufs net.Buffers) []byte {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	if cap(dst) < n {
		dst = make([]byte, 0, n)
	}
	dst = dst[:0]
	for _, b := range bufs {
		dst = append(dst, b...)
	}
	return dst
}

// EncodeResponse builds a complete response envelope. The engine never
// sends responses; this exists for peers and tests that need to produce
// wire data. errValue and result are already-encoded msgpack values; nil
// encodes as msgpack nil.
func EncodeResponse(dst []byte, id uint32, errValue, result []byte) []byte {
	dst = msgp.AppendArrayHeader(dst, responseEnvelopeLen)
	dst = msgp.AppendInt(dst, int(MessageTypeResponse))
	dst = msgp.AppendUint32(dst, id)
	if errValue == nil {
		dst = msgp.AppendNil(dst)
	} else {
		dst = append(dst, errValue...)
	}
	if result == nil {
		dst = msgp.AppendNil(dst)
	} else {
		dst = append(dst, result...)
	}
	return dst
}

// InboundCall is a decoded request or notification, as seen by a peer.
type InboundCall struct {
	Type      MessageType
	MessageID uint32
	Method    string
	Params    []interface{}
}

// DecodeCall decodes one request or notification envelope from b and
// returns the remaining bytes. msgp.ErrShortBytes is returned unwrapped when
// b does not yet hold a whole message.
func DecodeCall(b []byte) (InboundCall, []byte, error) {
	var c InboundCall
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return c, b, wrapDecodeError(err)
	}
	t, o, err := msgp.ReadIntBytes(o)
	if err != nil {
		return c, b, wrapDecodeError(err)
	}
	c.Type = MessageType(t)
	switch {
	case c.Type == MessageTypeRequest && sz == requestEnvelopeLen:
		c.MessageID, o, err = msgp.ReadUint32Bytes(o)
		if err != nil {
			return c, b, wrapDecodeError(err)
		}
	case c.Type == MessageTypeNotification && sz == notificationEnvelopeLen:
	default:
		return c, b, protocolErrorf("unexpected %s envelope of %d elements", c.Type, sz)
	}
	c.Method, o, err = msgp.ReadStringBytes(o)
	if err != nil {
		return c, b, wrapDecodeError(err)
	}
	n, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return c, b, wrapDecodeError(err)
	}
	// Every element takes at least one byte, which bounds a hostile count.
	c.Params = make([]interface{}, 0, min(int(n), len(o)))
	for i := uint32(0); i < n; i++ {
		var v interface{}
		v, o, err = msgp.ReadIntfBytes(o)
		if err != nil {
			return c, b, wrapDecodeError(err)
		}
		c.Params = append(c.Params, v)
	}
	return c, o, nil
}

// isShortRead reports whether err means "the value is not complete yet".
func isShortRead(err error) bool {
	return errors.Is(err, msgp.ErrShortBytes)
}

// wrapDecodeError passes truncation through and turns anything else into a
// protocol error.
func wrapDecodeError(err error) error {
	if isShortRead(err) {
		return msgp.ErrShortBytes
	}
	return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
}
