package fragment

import (
	"fmt"
	"time"

	"github.com/nrftun/nrftun/internal/protocol"
	"github.com/nrftun/nrftun/internal/util"
)

// DefaultTimeout bounds how long an incomplete reassembly buffer may wait
// for its missing fragments before being discarded.
const DefaultTimeout = 2 * time.Second

// buffer accumulates the fragments of one in-flight packet.
type buffer struct {
	count     uint8
	received  []bool
	remaining int
	bytes     []byte
	lastLen   int // payload length of the final fragment, -1 until seen
	createdAt time.Time
}

// Reassembler routes inbound DATA fragments into per-packet buffers and
// emits each packet exactly once, when its last missing fragment arrives.
// Duplicate fragments are no-ops; buffers that never complete are evicted
// after the timeout so a lost fragment cannot wedge a packet ID forever.
//
// It is engine-local and needs no locking.
type Reassembler struct {
	pending map[uint8]*buffer
	timeout time.Duration
	now     func() time.Time
}

// NewReassembler creates a reassembler with the given eviction timeout.
// A timeout of zero disables eviction.
func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{
		pending: make(map[uint8]*buffer),
		timeout: timeout,
		now:     time.Now,
	}
}

// Ingest records one fragment and returns the completed packet once every
// fragment of its packet has arrived, or nil while more are expected.
// Control frames are ignored. A malformed fragment is rejected with an
// error wrapping protocol.ErrCorruptFrame; any existing buffer for its
// packet ID is left intact.
func (r *Reassembler) Ingest(f *protocol.Frame) ([]byte, error) {
	r.evictExpired()

	if f.Kind != protocol.KindData || f.Control() {
		return nil, nil
	}
	if f.FragIndex >= f.FragCount {
		return nil, fmt.Errorf("%w: fragment %d/%d", protocol.ErrCorruptFrame, f.FragIndex, f.FragCount)
	}
	final := f.FragIndex == f.FragCount-1
	if !final && len(f.Payload) != protocol.PayloadCapacity {
		return nil, fmt.Errorf("%w: non-final fragment with %d payload bytes", protocol.ErrCorruptFrame, len(f.Payload))
	}

	b, ok := r.pending[f.PacketID]
	if !ok {
		b = &buffer{
			count:     f.FragCount,
			received:  make([]bool, f.FragCount),
			remaining: int(f.FragCount),
			bytes:     make([]byte, int(f.FragCount)*protocol.PayloadCapacity),
			lastLen:   -1,
			createdAt: r.now(),
		}
		r.pending[f.PacketID] = b
	}
	if b.count != f.FragCount {
		return nil, fmt.Errorf("%w: fragment count %d for packet %d, buffer expects %d",
			protocol.ErrCorruptFrame, f.FragCount, f.PacketID, b.count)
	}

	if b.received[f.FragIndex] {
		// The transport may redeliver; duplicates are expected, not errors.
		return nil, nil
	}
	copy(b.bytes[int(f.FragIndex)*protocol.PayloadCapacity:], f.Payload)
	b.received[f.FragIndex] = true
	b.remaining--
	if final {
		b.lastLen = len(f.Payload)
	}

	if b.remaining > 0 {
		return nil, nil
	}
	delete(r.pending, f.PacketID)
	total := (int(b.count)-1)*protocol.PayloadCapacity + b.lastLen
	return b.bytes[:total], nil
}

// Pending returns the number of in-flight reassembly buffers.
func (r *Reassembler) Pending() int { return len(r.pending) }

// evictExpired drops buffers that aged past the timeout window. A later
// fragment with the same packet ID starts a fresh buffer.
func (r *Reassembler) evictExpired() {
	if r.timeout <= 0 || len(r.pending) == 0 {
		return
	}
	now := r.now()
	for id, b := range r.pending {
		if now.Sub(b.createdAt) > r.timeout {
			delete(r.pending, id)
			util.LogWarning("reassembly of packet %d timed out with %d/%d fragments",
				id, int(b.count)-b.remaining, b.count)
		}
	}
}
