package engine

import (
	"context"
	"errors"
	"time"

	"github.com/nrftun/nrftun/internal/fragment"
	"github.com/nrftun/nrftun/internal/protocol"
	"github.com/nrftun/nrftun/internal/radio"
	"github.com/nrftun/nrftun/internal/util"
)

// primaryState enumerates the primary poll loop states.
type primaryState int

const (
	stateIdle primaryState = iota
	statePolling
	stateAwaitingResponse
	stateProcessingResponse
	stateBackoff
)

// Primary engine timing defaults.
const (
	DefaultPollInterval    = 100 * time.Microsecond
	DefaultTransactTimeout = 25 * time.Millisecond
	defaultBackoffInitial  = 50 * time.Millisecond
	defaultBackoffMax      = time.Second
)

// PrimaryOptions configures a Primary engine.
type PrimaryOptions struct {
	Transport       radio.Transactor
	Adapter         Adapter
	PollInterval    time.Duration // zero selects DefaultPollInterval
	TransactTimeout time.Duration // zero selects DefaultTransactTimeout
	Retry           radio.RetryPolicy
	Clock           Clock // nil selects the wall clock
}

// Primary drives the link. On a fixed cadence it initiates one transaction
// with the secondary, carrying either the next pending outbound fragment
// or a bare poll, and ingests whatever fragment the secondary piggybacks
// on the reply. All retry responsibility lives here: the secondary has no
// clock of its own.
type Primary struct {
	retrier *radio.Retrier
	adapter Adapter
	clock   Clock

	pollInterval    time.Duration
	transactTimeout time.Duration

	state    primaryState
	parity   bool
	failures int // consecutive failed transactions, scales the backoff delay

	outbox outbox
	reasm  *fragment.Reassembler

	// carried across states within one transaction
	pollFrame *protocol.Frame
	pollWire  []byte
	replyWire []byte
}

// NewPrimary builds a Primary engine from opts.
func NewPrimary(opts PrimaryOptions) *Primary {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TransactTimeout <= 0 {
		opts.TransactTimeout = DefaultTransactTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = radio.DefaultRetryPolicy()
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Primary{
		retrier:         radio.NewRetrier(opts.Transport, opts.Retry),
		adapter:         opts.Adapter,
		clock:           clock,
		pollInterval:    opts.PollInterval,
		transactTimeout: opts.TransactTimeout,
		state:           stateIdle,
		reasm:           fragment.NewReassembler(fragment.DefaultTimeout),
	}
}

// Run drives the poll loop until ctx is cancelled or the tunnel device
// fails. Transport-level errors never escape; they are absorbed by the
// retry policy and the backoff state.
func (p *Primary) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.step(); err != nil {
			return err
		}
	}
}

// step executes the action for the current state and advances to the next
// one. It returns an error only for fatal tunnel device failures.
func (p *Primary) step() error {
	switch p.state {
	case stateIdle:
		if err := p.drainAdapter(); err != nil {
			return err
		}
		p.clock.Sleep(p.pollInterval)
		p.state = statePolling

	case statePolling:
		if err := p.buildPoll(); err != nil {
			// Encoding our own frame can only fail on a bug; drop the
			// packet rather than wedge the loop.
			util.LogError("failed to encode poll frame: %v", err)
			p.outbox.abandon()
			p.state = stateIdle
			return nil
		}
		p.state = stateAwaitingResponse

	case stateAwaitingResponse:
		reply, err := p.retrier.Transact(p.pollWire, p.transactTimeout)
		if err != nil {
			p.failures++
			p.outbox.abandon()
			util.LogWarning("transaction failed (streak %d): %v", p.failures, err)
			p.state = stateBackoff
			return nil
		}
		util.Stats.AddFrameRecv()
		p.failures = 0
		if p.pollFrame.Kind == protocol.KindData {
			p.outbox.advance()
		}
		p.replyWire = reply
		p.state = stateProcessingResponse

	case stateProcessingResponse:
		err := p.processReply()
		p.state = stateIdle
		return err

	case stateBackoff:
		p.clock.Sleep(p.backoffDelay())
		p.state = stateIdle
	}
	return nil
}

// buildPoll selects the frame for the next transaction: the pending
// outbound fragment if one exists, otherwise a bare poll. The parity bit
// toggles for every new transaction so the secondary can tell a retry
// from a fresh poll.
func (p *Primary) buildPoll() error {
	p.parity = !p.parity

	var f protocol.Frame
	if next := p.outbox.nextFrame(); next != nil {
		f = *next
	} else {
		f = protocol.Frame{Kind: protocol.KindPoll}
	}
	f.Parity = p.parity

	wire, err := protocol.Encode(&f)
	if err != nil {
		return err
	}
	p.pollFrame = &f
	p.pollWire = wire
	return nil
}

// processReply decodes the secondary's reply and feeds any piggybacked
// fragment to the reassembler, forwarding completed packets to the tunnel
// device. Corrupt replies are logged and dropped, as are replies whose
// parity does not echo the poll's: the radio FIFO can deliver a late
// reply that belongs to an earlier transaction.
func (p *Primary) processReply() error {
	f, err := protocol.Decode(p.replyWire)
	if err != nil {
		util.LogWarning("discarding reply: %v", err)
		return nil
	}
	if f.Parity != p.parity {
		util.LogWarning("discarding stale reply: parity mismatch")
		return nil
	}
	if f.Kind != protocol.KindData {
		return nil
	}
	pkt, err := p.reasm.Ingest(f)
	if err != nil {
		util.LogWarning("discarding fragment %d/%d of packet %d: %v",
			f.FragIndex, f.FragCount, f.PacketID, err)
		return nil
	}
	if pkt == nil {
		return nil
	}
	if err := p.adapter.WritePacket(pkt); err != nil {
		return err
	}
	util.Stats.AddIn(len(pkt))
	return nil
}

// drainAdapter moves every already-arrived tunnel packet into the outbound
// queue without blocking, so the poll cadence is never delayed.
func (p *Primary) drainAdapter() error {
	for {
		select {
		case pkt, ok := <-p.adapter.Packets():
			if !ok {
				return p.tunnelErr()
			}
			p.outbox.push(pkt)
		default:
			return nil
		}
	}
}

// backoffDelay doubles with the consecutive failure streak, capped.
func (p *Primary) backoffDelay() time.Duration {
	d := defaultBackoffInitial
	for i := 1; i < p.failures && d < defaultBackoffMax; i++ {
		d *= 2
	}
	if d > defaultBackoffMax {
		d = defaultBackoffMax
	}
	return d
}

func (p *Primary) tunnelErr() error {
	if err := p.adapter.Err(); err != nil {
		return errors.Join(ErrTunnelClosed, err)
	}
	return ErrTunnelClosed
}
