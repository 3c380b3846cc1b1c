// Package engine contains the two protocol state machines that drive the
// radio link: the primary, which owns the polling clock and initiates every
// transaction, and the secondary, which only ever answers. Both feed and
// drain the fragmentation layer and the tunnel device.
package engine

import (
	"errors"
	"time"
)

// ErrTunnelClosed reports that the tunnel device stopped delivering
// packets. The engines treat it as fatal: without the device the link has
// nothing to carry.
var ErrTunnelClosed = errors.New("engine: tunnel device closed")

// Adapter is the tunnel device surface the engines drive. Inbound IP
// packets arrive on Packets (bounded, fed by the device's reader
// goroutine); outbound ones leave through WritePacket. The Packets channel
// closes when the device fails, and Err then reports the cause.
type Adapter interface {
	Packets() <-chan []byte
	WritePacket(p []byte) error
	Err() error
}

// Clock abstracts time so state transitions can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
