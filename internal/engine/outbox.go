package engine

import (
	"github.com/nrftun/nrftun/internal/fragment"
	"github.com/nrftun/nrftun/internal/protocol"
	"github.com/nrftun/nrftun/internal/util"
)

// maxQueuedPackets bounds the outbound queue. The radio is orders of
// magnitude slower than the tunnel device, so sustained overload is
// resolved by dropping the newest packets, as any congested link would.
const maxQueuedPackets = 64

// outbox holds packets awaiting transmission for one direction. Packets
// are split lazily: fragments are built only when their packet becomes the
// in-flight one, and the in-flight packet is drained to completion (or
// abandoned) before the next is started.
type outbox struct {
	ids    fragment.IDGen
	queue  [][]byte
	frames []*protocol.Frame // fragments of the in-flight packet
	next   int               // index of the next fragment to send
}

// push enqueues one outbound packet. Oversized packets and packets beyond
// the queue bound are dropped with a warning.
func (o *outbox) push(p []byte) {
	if len(o.queue) >= maxQueuedPackets {
		util.LogWarning("outbound queue full, dropping %d byte packet", len(p))
		return
	}
	if len(p) > protocol.MaxPacketSize {
		util.LogWarning("dropping oversized outbound packet: %d bytes (max %d)",
			len(p), protocol.MaxPacketSize)
		return
	}
	o.queue = append(o.queue, p)
}

// nextFrame returns the fragment to carry on the next transaction, or nil
// when nothing is pending. It does not advance the cursor; the caller
// confirms delivery with advance.
func (o *outbox) nextFrame() *protocol.Frame {
	for o.next >= len(o.frames) {
		if len(o.queue) == 0 {
			return nil
		}
		p := o.queue[0]
		o.queue = o.queue[1:]
		frames, err := fragment.Split(o.ids.Next(), p)
		if err != nil {
			// Split only fails on size, which push already bounds.
			util.LogWarning("dropping outbound packet: %v", err)
			continue
		}
		o.frames = frames
		o.next = 0
		util.Stats.AddOut(len(p))
	}
	return o.frames[o.next]
}

// advance marks the current fragment delivered and moves to the next one.
func (o *outbox) advance() {
	if o.next < len(o.frames) {
		o.next++
	}
}

// abandon drops the in-flight packet. The receiver's partial reassembly
// buffer for it is left to its timeout.
func (o *outbox) abandon() {
	if o.next < len(o.frames) {
		f := o.frames[o.next]
		util.LogWarning("abandoning packet %d at fragment %d/%d after transaction failure",
			f.PacketID, f.FragIndex, f.FragCount)
	}
	o.frames = nil
	o.next = 0
}
