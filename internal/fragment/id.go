package fragment

import "sync/atomic"

// IDGen issues packet IDs for one transmit direction. IDs cycle through
// the uint8 space; with one packet in flight at a time a collision with a
// live reassembly buffer would require 255 consecutive lost packets, which
// the reassembly timeout clears out long before.
type IDGen struct {
	val atomic.Uint32
}

// Next returns the next packet ID. The first call returns 1.
func (g *IDGen) Next() uint8 {
	return uint8(g.val.Add(1))
}
