package protocol

import "fmt"

// Header layout, byte 0:
//
//	bits 7..6  frame kind
//	bit  5     transaction parity
//	bits 4..0  payload length (0..PayloadCapacity)
//
// Bytes 1..3 carry PacketID, FragIndex, and FragCount. The remaining
// PayloadCapacity bytes are the fragment payload, zero padded.
const (
	kindShift  = 6
	parityBit  = 1 << 5
	lengthMask = 0x1f
)

// Encode serializes a frame into its fixed 32-byte wire form.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > PayloadCapacity {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	if f.Kind != KindData && len(f.Payload) > 0 {
		return nil, fmt.Errorf("%w: %s frame with payload", ErrPayloadTooLarge, f.Kind)
	}

	buf := make([]byte, FrameSize)
	buf[0] = byte(f.Kind)<<kindShift | byte(len(f.Payload))&lengthMask
	if f.Parity {
		buf[0] |= parityBit
	}
	buf[1] = f.PacketID
	buf[2] = f.FragIndex
	buf[3] = f.FragCount
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode deserializes one wire frame. It fails with an error wrapping
// ErrCorruptFrame when the byte length is wrong or the header fields are
// inconsistent; the caller discards such frames.
func Decode(data []byte) (*Frame, error) {
	if len(data) != FrameSize {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrCorruptFrame, len(data), FrameSize)
	}

	plen := int(data[0] & lengthMask)
	if plen > PayloadCapacity {
		return nil, fmt.Errorf("%w: payload length %d exceeds capacity %d", ErrCorruptFrame, plen, PayloadCapacity)
	}

	f := &Frame{
		Kind:      Kind(data[0] >> kindShift),
		Parity:    data[0]&parityBit != 0,
		PacketID:  data[1],
		FragIndex: data[2],
		FragCount: data[3],
	}

	if f.Kind == KindData {
		if f.FragCount == 0 {
			return nil, fmt.Errorf("%w: DATA frame with zero fragment count", ErrCorruptFrame)
		}
		if f.FragIndex >= f.FragCount {
			return nil, fmt.Errorf("%w: fragment %d/%d", ErrCorruptFrame, f.FragIndex, f.FragCount)
		}
	} else {
		if f.FragCount != 0 || plen != 0 {
			return nil, fmt.Errorf("%w: %s frame with fragment fields set", ErrCorruptFrame, f.Kind)
		}
	}

	if plen > 0 {
		f.Payload = make([]byte, plen)
		copy(f.Payload, data[HeaderSize:HeaderSize+plen])
	}
	return f, nil
}
