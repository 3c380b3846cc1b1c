// Package protocol defines the fixed-size radio frame and its wire codec.
//
// Every transaction on the link exchanges exactly one frame in each
// direction. A frame is always FrameSize bytes on the air (the NRF24L01
// hardware payload width); unused payload bytes are zero padding and are
// excluded by the payload length field in the header.
package protocol

const (
	// FrameSize is the exact on-air frame length. The NRF24L01 hardware
	// caps payloads at 32 bytes.
	FrameSize = 32

	// HeaderSize is the number of frame bytes consumed by the header.
	HeaderSize = 4

	// PayloadCapacity is the number of fragment bytes one frame can carry.
	PayloadCapacity = FrameSize - HeaderSize

	// MaxPacketSize is the largest tunnel packet the link can carry:
	// 255 fragments (the uint8 index space) of PayloadCapacity bytes each.
	MaxPacketSize = 255 * PayloadCapacity
)

// Kind identifies the role a frame plays within a transaction.
type Kind uint8

const (
	KindPoll  Kind = iota // primary-side control frame, no fragment attached
	KindData              // fragment-bearing frame, either direction
	KindAck               // secondary-side control frame, no fragment attached
	KindEmpty             // placeholder frame, ignored on ingest
)

// String returns the kind's wire-log name.
func (k Kind) String() string {
	switch k {
	case KindPoll:
		return "POLL"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindEmpty:
		return "EMPTY"
	}
	return "UNKNOWN"
}

// Frame is the unit exchanged over the radio in a single transaction.
type Frame struct {
	Kind      Kind
	Parity    bool // toggled by the primary for each new transaction, held across retries
	PacketID  uint8
	FragIndex uint8
	FragCount uint8 // 0 marks a control-only frame
	Payload   []byte
}

// Control reports whether the frame carries no fragment.
func (f *Frame) Control() bool { return f.FragCount == 0 }
