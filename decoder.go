package msgrpc

// Response decoding is a resumable state machine. rc.stage is the program
// counter: each stage either completes and moves rc.stage forward, or
// reports that the buffered bytes end mid-value, in which case the same
// stage runs again after the next receive. A stage never leaves the read
// cursor inside a partially read value.
//
//	header → messageType → messageID → error → result → dispatch
//	   ^                                                    |
//	   +------------- trailing bytes (pipelined) -----------+

import (
	"errors"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

type decodeStage int

const (
	stageInvalid decodeStage = iota
	stageHeader
	stageMessageType
	stageMessageID
	stageError
	stageResult
	stageDispatch
)

func (s decodeStage) String() string {
	switch s {
	case stageInvalid:
		return "invalid"
	case stageHeader:
		return "header"
	case stageMessageType:
		return "message-type"
	case stageMessageID:
		return "message-id"
	case stageError:
		return "error"
	case stageResult:
		return "result"
	case stageDispatch:
		return "dispatch"
	default:
		return fmt.Sprintf("decodeStage(%d)", int(s))
	}
}

// errInvalidFlow is returned when a recycled context is advanced.
var errInvalidFlow = errors.New("msgrpc: response context advanced while not bound to a transport")

// advance runs stages until the buffer is exhausted at a message boundary
// (finished=true), more bytes are needed (finished=false, err=nil), or a
// protocol violation is found. Complete messages are dispatched as they
// are reached, including any further messages already buffered.
func (rc *ResponseContext) advance() (finished bool, err error) {
	for {
		progressed, err := rc.step()
		if err != nil {
			return false, err
		}
		if !progressed {
			return false, nil
		}
		if rc.stage != stageHeader {
			continue
		}
		// A message was dispatched.
		if !rc.buffer.hasUnread() {
			rc.buffer.reset()
			return true, nil
		}
	}
}

// step runs the current stage once. progressed=false means the stage
// needs more bytes.
func (rc *ResponseContext) step() (progressed bool, err error) {
	switch rc.stage {
	case stageHeader:
		return rc.decodeHeader()
	case stageMessageType:
		return rc.decodeMessageType()
	case stageMessageID:
		return rc.decodeMessageID()
	case stageError:
		return rc.decodeError()
	case stageResult:
		return rc.decodeResult()
	case stageDispatch:
		return rc.dispatch()
	default:
		return false, errInvalidFlow
	}
}

func (rc *ResponseContext) decodeHeader() (bool, error) {
	if rc.transport == nil {
		return false, errInvalidFlow
	}
	rc.buffer.start = rc.buffer.pos
	sz, rest, err := msgp.ReadArrayHeaderBytes(rc.buffer.unread())
	if err != nil {
		if isShortRead(err) {
			return false, nil
		}
		return false, protocolErrorf("response header: %v", err)
	}
	if sz != responseEnvelopeLen {
		return false, protocolErrorf("response envelope has %d elements, want %d", sz, responseEnvelopeLen)
	}
	rc.buffer.consumed(rest)
	rc.stage = stageMessageType
	return true, nil
}

func (rc *ResponseContext) decodeMessageType() (bool, error) {
	t, rest, err := msgp.ReadIntBytes(rc.buffer.unread())
	if err != nil {
		if isShortRead(err) {
			return false, nil
		}
		return false, protocolErrorf("message type: %v", err)
	}
	if MessageType(t) != MessageTypeResponse {
		return false, protocolErrorf("message type is %s, want %s", MessageType(t), MessageTypeResponse)
	}
	rc.buffer.consumed(rest)
	rc.stage = stageMessageID
	return true, nil
}

func (rc *ResponseContext) decodeMessageID() (bool, error) {
	id, rest, err := msgp.ReadUint32Bytes(rc.buffer.unread())
	if err != nil {
		if isShortRead(err) {
			return false, nil
		}
		return false, protocolErrorf("message id: %v", err)
	}
	rc.messageID = int32(id)
	rc.messageIDRead = true
	rc.buffer.consumed(rest)
	rc.stage = stageError
	return true, nil
}

func (rc *ResponseContext) decodeError() (bool, error) {
	if rc.errorStart == unsetOffset {
		rc.errorStart = rc.buffer.pos
	}
	span, ok, err := rc.skipValue(rc.errorStart)
	if err != nil {
		return false, protocolErrorf("error value: %v", err)
	}
	if !ok {
		return false, nil
	}
	rc.errorSpan = span
	rc.stage = stageResult
	return true, nil
}

func (rc *ResponseContext) decodeResult() (bool, error) {
	if rc.resultStart == unsetOffset {
		rc.resultStart = rc.buffer.pos
	}
	span, ok, err := rc.skipValue(rc.resultStart)
	if err != nil {
		return false, protocolErrorf("result value: %v", err)
	}
	if !ok {
		return false, nil
	}
	rc.resultSpan = span
	rc.stage = stageDispatch
	return true, nil
}

// skipValue skips one encoded value starting at start and returns its
// bytes. On truncation the cursor goes back to start.
func (rc *ResponseContext) skipValue(start int) (span []byte, ok bool, err error) {
	rc.buffer.seek(start)
	rest, err := msgp.Skip(rc.buffer.unread())
	if err != nil {
		rc.buffer.seek(start)
		if isShortRead(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	rc.buffer.consumed(rest)
	return rc.buffer.data[start:rc.buffer.pos], true, nil
}

func (rc *ResponseContext) dispatch() (bool, error) {
	t := rc.transport
	if t == nil {
		return false, errInvalidFlow
	}
	t.dispatchResponse(rc)
	rc.resetMessage()
	rc.buffer.start = rc.buffer.pos
	rc.stage = stageHeader
	return true, nil
}
