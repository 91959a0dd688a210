package msgrpc

import (
	"fmt"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// ArgumentsEncoder packs call arguments into a msgpack array. Values are
// appended one at a time; the array header is produced by Bytes, so the
// argument count need not be known up front.
//
// The zero value is ready to use.
type ArgumentsEncoder struct {
	body  []byte
	count uint32
	out   []byte
	err   error
}

// Reset empties the encoder, keeping its buffers.
func (e *ArgumentsEncoder) Reset() {
	e.body = e.body[:0]
	e.out = e.out[:0]
	e.count = 0
	e.err = nil
}

// Len returns the number of arguments appended so far.
func (e *ArgumentsEncoder) Len() int { return int(e.count) }

// Err returns the first encoding error, if any.
func (e *ArgumentsEncoder) Err() error { return e.err }

func (e *ArgumentsEncoder) AppendNil()            { e.body = msgp.AppendNil(e.body); e.count++ }
func (e *ArgumentsEncoder) AppendBool(v bool)     { e.body = msgp.AppendBool(e.body, v); e.count++ }
func (e *ArgumentsEncoder) AppendInt64(v int64)   { e.body = msgp.AppendInt64(e.body, v); e.count++ }
func (e *ArgumentsEncoder) AppendUint64(v uint64) { e.body = msgp.AppendUint64(e.body, v); e.count++ }
func (e *ArgumentsEncoder) AppendFloat64(v float64) {
	e.body = msgp.AppendFloat64(e.body, v)
	e.count++
}
func (e *ArgumentsEncoder) AppendString(v string)          { e.body = msgp.AppendString(e.body, v); e.count++ }
func (e *ArgumentsEncoder) AppendBytes(v []byte)           { e.body = msgp.AppendBytes(e.body, v); e.count++ }
func (e *ArgumentsEncoder) AppendTime(v time.Time)         { e.body = msgp.AppendTime(e.body, v); e.count++ }
func (e *ArgumentsEncoder) AppendDuration(v time.Duration) { e.AppendInt64(int64(v)) }

// AppendRaw appends one already-encoded msgpack value. The bytes are not
// validated beyond checking that they hold exactly one value.
func (e *ArgumentsEncoder) AppendRaw(raw []byte) error {
	rest, err := msgp.Skip(raw)
	if err != nil {
		return fmt.Errorf("msgrpc: raw argument: %w", err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("msgrpc: raw argument has %d trailing bytes", len(rest))
	}
	e.body = append(e.body, raw...)
	e.count++
	return nil
}

// Append encodes an arbitrary value with the generic value model
// (nil, bool, numbers, strings, []byte, time, slices, string-keyed maps,
// and msgp.Marshaler implementations).
func (e *ArgumentsEncoder) Append(v interface{}) error {
	if e.err != nil {
		return e.err
	}
	var err error
	e.body, err = msgp.AppendIntf(e.body, v)
	if err != nil {
		e.err = fmt.Errorf("msgrpc: encode argument %d (%T): %w", e.count, v, err)
		return e.err
	}
	e.count++
	return nil
}

// AppendAll appends every value in order, stopping at the first error.
func (e *ArgumentsEncoder) AppendAll(values ...interface{}) error {
	for _, v := range values {
		if err := e.Append(v); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the encoded array, header included. The slice is owned by
// the encoder and valid until the next mutation.
func (e *ArgumentsEncoder) Bytes() []byte {
	e.out = msgp.AppendArrayHeader(e.out[:0], e.count)
	e.out = append(e.out, e.body...)
	return e.out
}
