package msgrpc

import (
	"testing"
	"time"

	"github.com/tinylib/msgp/msgp"
)

func TestArgumentsEncoder_Empty(t *testing.T) {
	var e ArgumentsEncoder
	if got := e.Bytes(); len(got) != 1 || got[0] != 0x90 {
		t.Fatalf("empty arguments = % x, want 90", got)
	}
}

func TestArgumentsEncoder_TypedAppends(t *testing.T) {
	var e ArgumentsEncoder
	e.AppendNil()
	e.AppendBool(true)
	e.AppendInt64(-3)
	e.AppendUint64(1 << 63)
	e.AppendFloat64(0.5)
	e.AppendString("s")
	e.AppendBytes([]byte{1, 2})
	e.AppendDuration(time.Second)

	v, rest, err := msgp.ReadIntfBytes(e.Bytes())
	if err != nil || len(rest) != 0 {
		t.Fatalf("decode: %v (%d trailing)", err, len(rest))
	}
	got := v.([]interface{})
	if len(got) != 8 || e.Len() != 8 {
		t.Fatalf("got %d values, Len %d", len(got), e.Len())
	}
	if got[0] != nil || got[1] != true || got[2] != int64(-3) || got[3] != uint64(1<<63) ||
		got[4] != 0.5 || got[5] != "s" || got[7] != int64(time.Second) {
		t.Fatalf("values = %#v", got)
	}
}

func TestArgumentsEncoder_AppendAll(t *testing.T) {
	var e ArgumentsEncoder
	if err := e.AppendAll("a", 1, []interface{}{true}, map[string]interface{}{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if e.Len() != 4 {
		t.Fatalf("Len = %d, want 4", e.Len())
	}

	if err := e.Append(make(chan int)); err == nil {
		t.Fatal("expected an error for an unencodable value")
	}
	if e.Err() == nil {
		t.Fatal("encoder did not keep the error")
	}
	if err := e.Append(1); err == nil {
		t.Fatal("append after an error should keep failing")
	}

	e.Reset()
	if e.Err() != nil || e.Len() != 0 {
		t.Fatal("Reset did not clear the encoder")
	}
}

func TestArgumentsEncoder_AppendRaw(t *testing.T) {
	var e ArgumentsEncoder
	if err := e.AppendRaw(msgp.AppendString(nil, "raw")); err != nil {
		t.Fatal(err)
	}
	if err := e.AppendRaw([]byte{0xa5, 'x'}); err == nil {
		t.Fatal("expected error for truncated raw value")
	}
	if err := e.AppendRaw([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
	if e.Len() != 1 {
		t.Fatalf("Len = %d, want 1", e.Len())
	}
}
