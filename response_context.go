package msgrpc

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// unsetOffset marks an error/result start offset that has not been
// recorded for the current message.
const unsetOffset = -1

// unpackingBuffer is an appendable view over received bytes with a read
// cursor. Bytes before start (the first byte of the message in progress)
// may be discarded when room is needed for the next receive.
type unpackingBuffer struct {
	data  []byte
	pos   int
	start int
}

// unread returns the bytes after the cursor.
func (b *unpackingBuffer) unread() []byte { return b.data[b.pos:] }

func (b *unpackingBuffer) hasUnread() bool { return b.pos < len(b.data) }

// consumed advances the cursor to the point where rest begins.
func (b *unpackingBuffer) consumed(rest []byte) {
	b.pos = len(b.data) - len(rest)
}

func (b *unpackingBuffer) seek(off int) { b.pos = off }

func (b *unpackingBuffer) reset() {
	b.data = b.data[:0]
	b.pos = 0
	b.start = 0
}

// ResponseContext carries one inbound response through the decoder
// pipeline. It is owned by the transport's receive loop.
type ResponseContext struct {
	messageContext

	stage  decodeStage
	buffer unpackingBuffer

	errorStart  int
	resultStart int
	errorSpan   []byte
	resultSpan  []byte

	// messageIDRead is set once stageMessageID has completed for the
	// message in progress.
	messageIDRead bool
}

func newResponseContext() *ResponseContext {
	rc := &ResponseContext{}
	rc.clear()
	return rc
}

func (rc *ResponseContext) bindTransport(t *Transport, sessionID uint64) {
	rc.bind(t, sessionID)
	rc.stage = stageHeader
}

// clear returns the context to its pooled state. A stray advance after
// this fails with an invalid-flow error.
func (rc *ResponseContext) clear() {
	rc.clearBase()
	rc.stage = stageInvalid
	rc.buffer.reset()
	rc.resetMessage()
}

// resetMessage forgets the per-message fields, keeping buffered bytes.
func (rc *ResponseContext) resetMessage() {
	rc.messageID = unsetMessageID
	rc.messageIDRead = false
	rc.errorStart = unsetOffset
	rc.resultStart = unsetOffset
	rc.errorSpan = nil
	rc.resultSpan = nil
}

// receiveBuffer returns the free tail of the unpacking buffer, at least
// minFree bytes long. Bytes of completed messages are dropped first. The
// buffer at least doubles when it grows, so a large response costs a
// logarithmic number of copies.
func (rc *ResponseContext) receiveBuffer(minFree int) []byte {
	b := &rc.buffer
	if b.start > 0 {
		shift := b.start
		n := copy(b.data, b.data[shift:])
		b.data = b.data[:n]
		b.pos -= shift
		b.start = 0
		if rc.errorStart != unsetOffset {
			rc.errorStart -= shift
		}
		if rc.resultStart != unsetOffset {
			rc.resultStart -= shift
		}
	}
	if cap(b.data)-len(b.data) < minFree {
		grown := make([]byte, len(b.data), max(2*cap(b.data), len(b.data)+minFree))
		copy(grown, b.data)
		b.data = grown
	}
	return b.data[len(b.data):cap(b.data)]
}

// commitReceived extends the buffer over n bytes just written into the
// slice returned by receiveBuffer.
func (rc *ResponseContext) commitReceived(n int) {
	rc.buffer.data = rc.buffer.data[:len(rc.buffer.data)+n]
	rc.bytesTransferred = n
}

// discardBuffered drops every buffered byte and restarts at the header.
func (rc *ResponseContext) discardBuffered() {
	rc.buffer.reset()
	rc.resetMessage()
	if rc.transport != nil {
		rc.stage = stageHeader
	}
}

// pendingBytes returns the bytes of the message in progress plus anything
// after it.
func (rc *ResponseContext) pendingBytes() []byte {
	return rc.buffer.data[rc.buffer.start:]
}

// RawError returns the encoded error slot of the response.
func (rc *ResponseContext) RawError() []byte { return rc.errorSpan }

// Result returns the encoded result slot of the response. The slice
// aliases the receive buffer and is only valid during the completion.
func (rc *ResponseContext) Result() []byte { return rc.resultSpan }

// ErrorMessage decodes the error slot, using the result slot as detail
// when the call failed.
func (rc *ResponseContext) ErrorMessage() (RPCErrorMessage, error) {
	return decodeRPCErrorMessage(rc.errorSpan, rc.resultSpan)
}

// DecodeResult decodes the result slot with the generic value model.
func (rc *ResponseContext) DecodeResult() (interface{}, error) {
	if len(rc.resultSpan) == 0 {
		return nil, nil
	}
	v, _, err := msgp.ReadIntfBytes(rc.resultSpan)
	if err != nil {
		return nil, fmt.Errorf("msgrpc: decode result: %w", err)
	}
	return v, nil
}

// Stage returns the decoder stage the next advance will run.
func (rc *ResponseContext) Stage() string { return rc.stage.String() }
