// Package radio defines the link transport contract shared by the NRF24
// driver and the loopback development transport, and the retry policy the
// primary applies to every transaction.
//
// The transport is an exclusive resource: the underlying hardware cannot
// serve two transactions at once, so callers must never have more than one
// Transact (or Receive/Reply pair) outstanding.
package radio

import (
	"errors"
	"time"
)

var (
	// ErrTimeout reports a transaction or listen window that elapsed
	// without the expected frame arriving.
	ErrTimeout = errors.New("radio: timeout")

	// ErrTransport reports a hardware or link-level failure.
	ErrTransport = errors.New("radio: transport failure")
)

// Transactor is the primary-side primitive: send one wire frame to the peer
// and collect its reply within the timeout.
type Transactor interface {
	Transact(frame []byte, timeout time.Duration) ([]byte, error)
}

// Responder is the secondary-side primitive: wait for one poll frame, then
// answer it. Reply must be called exactly once after each successful
// Receive. A Receive timeout is ordinary — the secondary simply has not
// been polled yet.
type Responder interface {
	Receive(timeout time.Duration) ([]byte, error)
	Reply(frame []byte) error
}
