package msgrpc

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Keys of the detail map a remote end point may send in the result slot
// of an error response.
const (
	detailKeyErrorCode        = "ErrorCode"
	detailKeyMessage          = "Message"
	detailKeyDebugInformation = "DebugInformation"
)

// RPCErrorMessage is the outcome carried in the error slot of a response:
// either success (the zero value) or an error kind plus its detail.
type RPCErrorMessage struct {
	kind   *ErrorKind
	detail interface{}
	msg    string
	debug  string
}

// Success is the RPCErrorMessage of a successful call.
var Success = RPCErrorMessage{}

// NewRPCErrorMessage builds an error outcome. kind must not be nil.
func NewRPCErrorMessage(kind *ErrorKind, message, debugInformation string) RPCErrorMessage {
	if kind == nil {
		panic("msgrpc: NewRPCErrorMessage with nil kind")
	}
	return RPCErrorMessage{kind: kind, msg: message, debug: debugInformation}
}

// IsSuccess reports whether m is the success value.
func (m RPCErrorMessage) IsSuccess() bool { return m.kind == nil }

// Kind returns the error kind, or nil on success.
func (m RPCErrorMessage) Kind() *ErrorKind { return m.kind }

// Detail returns the decoded detail value sent with the error, if any.
func (m RPCErrorMessage) Detail() interface{} { return m.detail }

// ToError converts an error outcome into an *RPCError. Calling it on the
// success value is a programming error and panics.
func (m RPCErrorMessage) ToError() *RPCError {
	if m.kind == nil {
		panic("msgrpc: ToError called on a successful RPCErrorMessage")
	}
	e := NewRPCError(m.kind, m.msg)
	e.DebugInformation = m.debug
	e.Detail = m.detail
	return e
}

func (m RPCErrorMessage) String() string {
	if m.kind == nil {
		return "Success"
	}
	if m.msg != "" {
		return fmt.Sprintf("%s: %s", m.kind.identifier, m.msg)
	}
	return m.kind.identifier
}

// decodeRPCErrorMessage interprets the raw error and result spans of a
// response. A nil error value is success. A string is an identifier and an
// integer is a code; when the result slot holds a detail map its
// "ErrorCode" overrides the kind lookup and "Message"/"DebugInformation"
// fill the message.
func decodeRPCErrorMessage(errorSpan, resultSpan []byte) (RPCErrorMessage, error) {
	if len(errorSpan) == 0 || msgp.IsNil(errorSpan) {
		return Success, nil
	}

	var (
		identifier string
		code       int
		hasCode    bool
	)
	switch msgp.NextType(errorSpan) {
	case msgp.StrType:
		s, _, err := msgp.ReadStringBytes(errorSpan)
		if err != nil {
			return Success, fmt.Errorf("decode error identifier: %w", err)
		}
		identifier = s
	case msgp.BinType:
		b, _, err := msgp.ReadBytesBytes(errorSpan, nil)
		if err != nil {
			return Success, fmt.Errorf("decode error identifier: %w", err)
		}
		identifier = string(b)
	case msgp.IntType, msgp.UintType:
		n, _, err := msgp.ReadIntBytes(errorSpan)
		if err != nil {
			return Success, fmt.Errorf("decode error code: %w", err)
		}
		code, hasCode = n, true
	default:
		v, _, err := msgp.ReadIntfBytes(errorSpan)
		if err != nil {
			return Success, fmt.Errorf("decode error value: %w", err)
		}
		identifier = fmt.Sprint(v)
	}

	m := RPCErrorMessage{}
	if len(resultSpan) > 0 && !msgp.IsNil(resultSpan) {
		detail, _, err := msgp.ReadIntfBytes(resultSpan)
		if err != nil {
			return Success, fmt.Errorf("decode error detail: %w", err)
		}
		m.detail = detail
		switch d := detail.(type) {
		case map[string]interface{}:
			if c, ok := asInt(d[detailKeyErrorCode]); ok {
				code, hasCode = c, true
			}
			if s, ok := d[detailKeyMessage].(string); ok {
				m.msg = s
			}
			if s, ok := d[detailKeyDebugInformation].(string); ok {
				m.debug = s
			}
		case string:
			m.msg = d
		}
	}

	m.kind = LookupErrorKind(identifier, code, hasCode)
	if m.kind == ErrUnexpected && m.msg == "" && identifier != "" {
		m.msg = identifier
	}
	return m, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int:
		return n, true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	}
	return 0, false
}
