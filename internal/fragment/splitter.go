// Package fragment splits tunnel packets into radio frames and reassembles
// inbound frames back into packets. One packet per direction is in flight
// at a time; fragments are transmitted in strictly increasing index order,
// so the reassembler only has to tolerate duplicates, not reordering.
package fragment

import (
	"errors"
	"fmt"

	"github.com/nrftun/nrftun/internal/protocol"
)

// ErrPacketTooLarge reports an outbound packet that exceeds what the
// fragment index space can address. The packet is dropped before any
// frame is built.
var ErrPacketTooLarge = errors.New("fragment: packet exceeds maximum size")

// Split cuts a packet into an ordered run of DATA frames under the given
// packet ID. Fragment i carries bytes [i*cap, min((i+1)*cap, len)). A
// zero-length packet still yields a single empty fragment so the receiver
// can complete immediately.
func Split(id uint8, packet []byte) ([]*protocol.Frame, error) {
	if len(packet) > protocol.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPacketTooLarge, len(packet), protocol.MaxPacketSize)
	}

	count := (len(packet) + protocol.PayloadCapacity - 1) / protocol.PayloadCapacity
	if count == 0 {
		count = 1
	}

	frames := make([]*protocol.Frame, 0, count)
	for i := 0; i < count; i++ {
		lo := i * protocol.PayloadCapacity
		hi := lo + protocol.PayloadCapacity
		if hi > len(packet) {
			hi = len(packet)
		}
		frames = append(frames, &protocol.Frame{
			Kind:      protocol.KindData,
			PacketID:  id,
			FragIndex: uint8(i),
			FragCount: uint8(count),
			Payload:   packet[lo:hi],
		})
	}
	return frames, nil
}
