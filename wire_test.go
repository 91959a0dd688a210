package msgrpc

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	"github.com/tinylib/msgp/msgp"
)

func TestEncodeResponse(t *testing.T) {
	got := EncodeResponse(nil, 7, nil, nil)
	want := []byte{0x94, 0x01, 0x07, 0xc0, 0xc0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	got = EncodeResponse(nil, 0x10000, msgp.AppendInt(nil, -21), msgp.AppendString(nil, "x"))
	want = []byte{0x94, 0x01, 0xce, 0x00, 0x01, 0x00, 0x00, 0xeb, 0xa1, 'x'}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestAppendMessageID_Unsigned(t *testing.T) {
	// Ids above MaxInt32 travel as uint32, never as a negative int.
	got := appendMessageID(nil, -2)
	want := []byte{0xce, 0xff, 0xff, 0xff, 0xfe}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestDecodeCall(t *testing.T) {
	req := append([]byte{}, requestPrefix...)
	req = appendMessageID(req, 300)
	req = appendMethodName(req, "sum")
	req = msgp.AppendArrayHeader(req, 2)
	req = msgp.AppendInt64(req, 1)
	req = msgp.AppendString(req, "two")

	note := append([]byte{}, notificationPrefix...)
	note = appendMethodName(note, "log")
	note = msgp.AppendArrayHeader(note, 0)

	stream := append(append([]byte{}, req...), note...)

	c, rest, err := DecodeCall(stream)
	if err != nil {
		t.Fatal(err)
	}
	if c.Type != MessageTypeRequest || c.MessageID != 300 || c.Method != "sum" {
		t.Fatalf("request = %+v", c)
	}
	if len(c.Params) != 2 || c.Params[0] != int64(1) || c.Params[1] != "two" {
		t.Fatalf("params = %#v", c.Params)
	}

	c, rest, err = DecodeCall(rest)
	if err != nil {
		t.Fatal(err)
	}
	if c.Type != MessageTypeNotification || c.Method != "log" || len(c.Params) != 0 {
		t.Fatalf("notification = %+v", c)
	}
	if len(rest) != 0 {
		t.Fatalf("%d trailing bytes", len(rest))
	}
}

func TestDecodeCall_ShortAndInvalid(t *testing.T) {
	req := append([]byte{}, requestPrefix...)
	req = appendMessageID(req, 1)
	req = appendMethodName(req, "m")
	req = msgp.AppendArrayHeader(req, 0)

	for i := 1; i < len(req); i++ {
		_, rest, err := DecodeCall(req[:i])
		if err != msgp.ErrShortBytes {
			t.Fatalf("prefix %d: err = %v, want msgp.ErrShortBytes", i, err)
		}
		if len(rest) != i {
			t.Fatalf("prefix %d: input consumed on a short read", i)
		}
	}

	response := EncodeResponse(nil, 1, nil, nil)
	if _, _, err := DecodeCall(response); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("response as call: err = %v", err)
	}
	if _, _, err := DecodeCall([]byte{0x93, 0x00, 0xa1, 'm', 0x90}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("three-element request: err = %v", err)
	}
}

func TestDecodeCall_HugeParamCountIsNotTrusted(t *testing.T) {
	// A params header claiming 2^32-1 elements with nothing behind it.
	hostile := []byte{0x94, 0x00, 0x01, 0xa1, 'x', 0xdd, 0xff, 0xff, 0xff, 0xff}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, rest, err := DecodeCall(hostile)
	runtime.ReadMemStats(&after)

	if err != msgp.ErrShortBytes {
		t.Fatalf("err = %v, want msgp.ErrShortBytes", err)
	}
	if len(rest) != len(hostile) {
		t.Fatal("input consumed on a short read")
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
		t.Fatalf("decoding a %d-byte call allocated %d bytes", len(hostile), grew)
	}
}

func TestRequestContext_SendBuffers(t *testing.T) {
	rc := newRequestContext()
	rc.SetRequest(7, "ping", func(*ResponseContext, error, bool) {})
	if err := rc.prepare(); err != nil {
		t.Fatal(err)
	}

	want := []byte{0x94, 0x00, 0x07, 0xa4, 'p', 'i', 'n', 'g', 0x90}
	vec := rc.sendBuffers(true)
	if len(vec) != 4 {
		t.Fatalf("vectored send has %d buffers, want 4", len(vec))
	}
	if got := bytes.Join(vec, nil); !bytes.Equal(got, want) {
		t.Fatalf("vectored bytes % x, want % x", got, want)
	}

	flat := rc.sendBuffers(false)
	if len(flat) != 1 || !bytes.Equal(flat[0], want) {
		t.Fatalf("flattened bytes % x, want % x", flat, want)
	}
	if rc.encodedLen() != len(want) {
		t.Fatalf("encodedLen = %d, want %d", rc.encodedLen(), len(want))
	}
}

func TestRequestContext_SwitchingSetupResetsState(t *testing.T) {
	rc := newRequestContext()
	rc.SetRequest(1, "a", func(*ResponseContext, error, bool) {})
	rc.Arguments().AppendString("leftover")

	rc.SetNotification("b", func(error, bool) {})
	if rc.Arguments().Len() != 0 {
		t.Fatal("arguments survived a setup switch")
	}
	if _, ok := rc.MessageID(); ok {
		t.Fatal("notification kept a message id")
	}
	if rc.MessageType() != MessageTypeNotification || rc.MethodName() != "b" {
		t.Fatalf("type=%v method=%q", rc.MessageType(), rc.MethodName())
	}
}

func TestRequestContext_SetRequestRejectsSentinel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	newRequestContext().SetRequest(unsetMessageID, "x", func(*ResponseContext, error, bool) {})
}
