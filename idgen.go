package msgrpc

import "sync/atomic"

// unsetMessageID marks a context that carries no message id. On the wire it
// would be 0xFFFFFFFF, so generators never hand it out.
const unsetMessageID int32 = -1

// MessageIDGenerator produces message ids for outbound requests. Ids only
// need to be unique among the calls pending on one Transport.
type MessageIDGenerator interface {
	NextID() int32
}

// SequenceGenerator is a MessageIDGenerator counting up from zero and
// wrapping around, skipping the unset sentinel. Safe for concurrent use.
// Each TransportManager owns its own generator; there is no process-wide
// sequence.
type SequenceGenerator struct {
	last atomic.Uint32
}

// NewSequenceGenerator returns a generator whose first id is start.
func NewSequenceGenerator(start uint32) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.last.Store(start - 1)
	return g
}

func (g *SequenceGenerator) NextID() int32 {
	for {
		id := int32(g.last.Add(1))
		if id != unsetMessageID {
			return id
		}
	}
}

// sessionSequence hands out the local-only session ids used to key
// notifications and to tag log lines.
type sessionSequence struct {
	last atomic.Uint64
}

func (s *sessionSequence) next() uint64 {
	return s.last.Add(1)
}
