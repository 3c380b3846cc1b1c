package engine

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/nrftun/nrftun/internal/fragment"
	"github.com/nrftun/nrftun/internal/protocol"
	"github.com/nrftun/nrftun/internal/radio"
)

// fakeClock records sleeps and advances a logical time.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

// fakeAdapter is an in-memory tunnel device.
type fakeAdapter struct {
	packets  chan []byte
	written  [][]byte
	writeErr error
	err      error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{packets: make(chan []byte, 16)}
}

func (a *fakeAdapter) Packets() <-chan []byte { return a.packets }
func (a *fakeAdapter) Err() error             { return a.err }
func (a *fakeAdapter) WritePacket(p []byte) error {
	if a.writeErr != nil {
		return a.writeErr
	}
	a.written = append(a.written, p)
	return nil
}

// echoTransactor answers every poll per its script; by default it decodes
// the poll and acks with matching parity, and can hand out its own
// outbound fragments one per transaction.
type echoTransactor struct {
	t           *testing.T
	polls       []*protocol.Frame
	pending     []*protocol.Frame // fragments to piggyback on replies, in order
	failures    int               // fail this many leading transactions
	staleParity bool              // stamp replies with the wrong transaction parity
}

func (e *echoTransactor) Transact(wire []byte, timeout time.Duration) ([]byte, error) {
	if e.failures > 0 {
		e.failures--
		return nil, radio.ErrTimeout
	}
	poll, err := protocol.Decode(wire)
	if err != nil {
		e.t.Fatalf("primary sent undecodable frame: %v", err)
	}
	e.polls = append(e.polls, poll)

	var reply protocol.Frame
	if len(e.pending) > 0 {
		reply = *e.pending[0]
		e.pending = e.pending[1:]
	} else {
		reply = protocol.Frame{Kind: protocol.KindAck}
	}
	reply.Parity = poll.Parity
	if e.staleParity {
		reply.Parity = !poll.Parity
	}
	out, err := protocol.Encode(&reply)
	if err != nil {
		e.t.Fatalf("failed to encode scripted reply: %v", err)
	}
	return out, nil
}

func newTestPrimary(t *testing.T, tr radio.Transactor, adapter Adapter, clock Clock) *Primary {
	return NewPrimary(PrimaryOptions{
		Transport:       tr,
		Adapter:         adapter,
		PollInterval:    time.Millisecond,
		TransactTimeout: time.Millisecond,
		Retry:           radio.RetryPolicy{MaxAttempts: 2},
		Clock:           clock,
	})
}

// runTransactions drives the primary through n complete poll transactions.
func runTransactions(t *testing.T, p *Primary, n int) {
	for i := 0; i < n; i++ {
		for {
			if err := p.step(); err != nil {
				t.Fatalf("step failed: %v", err)
			}
			if p.state == stateIdle {
				break
			}
		}
	}
}

// TestPrimaryIdleTransaction checks that an empty outbound queue still
// produces a complete poll transaction and emits nothing to the tunnel.
func TestPrimaryIdleTransaction(t *testing.T) {
	tr := &echoTransactor{t: t}
	adapter := newFakeAdapter()
	p := newTestPrimary(t, tr, adapter, &fakeClock{})

	runTransactions(t, p, 3)

	if len(tr.polls) != 3 {
		t.Fatalf("secondary saw %d polls, want 3", len(tr.polls))
	}
	for i, poll := range tr.polls {
		if poll.Kind != protocol.KindPoll {
			t.Errorf("poll %d kind = %s, want POLL", i, poll.Kind)
		}
		if !poll.Control() {
			t.Errorf("poll %d carries fragment fields", i)
		}
	}
	if len(adapter.written) != 0 {
		t.Fatalf("idle transactions wrote %d packets to the tunnel", len(adapter.written))
	}
}

// TestPrimaryParityTogglesPerTransaction verifies the retry-detection bit
// flips on every new transaction.
func TestPrimaryParityTogglesPerTransaction(t *testing.T) {
	tr := &echoTransactor{t: t}
	p := newTestPrimary(t, tr, newFakeAdapter(), &fakeClock{})

	runTransactions(t, p, 4)

	for i := 1; i < len(tr.polls); i++ {
		if tr.polls[i].Parity == tr.polls[i-1].Parity {
			t.Fatalf("polls %d and %d share parity", i-1, i)
		}
	}
}

// TestPrimarySendsFragmentsInOrder queues one tunnel packet and checks the
// polls carry its fragments in strictly increasing index order.
func TestPrimarySendsFragmentsInOrder(t *testing.T) {
	tr := &echoTransactor{t: t}
	adapter := newFakeAdapter()
	p := newTestPrimary(t, tr, adapter, &fakeClock{})

	packet := make([]byte, 3*protocol.PayloadCapacity-5) // 3 fragments
	for i := range packet {
		packet[i] = byte(i)
	}
	adapter.packets <- packet

	runTransactions(t, p, 4)

	if len(tr.polls) != 4 {
		t.Fatalf("saw %d polls, want 4", len(tr.polls))
	}
	var joined []byte
	for i := 0; i < 3; i++ {
		poll := tr.polls[i]
		if poll.Kind != protocol.KindData {
			t.Fatalf("poll %d kind = %s, want DATA", i, poll.Kind)
		}
		if int(poll.FragIndex) != i || poll.FragCount != 3 {
			t.Fatalf("poll %d is fragment %d/%d", i, poll.FragIndex, poll.FragCount)
		}
		joined = append(joined, poll.Payload...)
	}
	if !bytes.Equal(joined, packet) {
		t.Fatal("fragments do not reassemble into the queued packet")
	}
	// With the packet drained, the link falls back to bare polls.
	if tr.polls[3].Kind != protocol.KindPoll {
		t.Fatalf("poll after drain kind = %s, want POLL", tr.polls[3].Kind)
	}
}

// TestPrimaryReassemblesReplies feeds fragments on consecutive replies and
// expects the completed packet on the tunnel device exactly once.
func TestPrimaryReassemblesReplies(t *testing.T) {
	packet := []byte("an inbound packet spanning two radio frames padding..")
	frames, err := fragment.Split(5, packet)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("test packet split into %d frames, want 2", len(frames))
	}

	tr := &echoTransactor{t: t, pending: frames}
	adapter := newFakeAdapter()
	p := newTestPrimary(t, tr, adapter, &fakeClock{})

	runTransactions(t, p, 3)

	if len(adapter.written) != 1 {
		t.Fatalf("tunnel received %d packets, want 1", len(adapter.written))
	}
	if !bytes.Equal(adapter.written[0], packet) {
		t.Fatal("tunnel received a different packet than was sent")
	}
}

// TestPrimaryDiscardsStaleReply stamps every reply with the wrong parity,
// as a late frame from an earlier transaction would carry, and expects
// none of the piggybacked fragments to reach the tunnel.
func TestPrimaryDiscardsStaleReply(t *testing.T) {
	packet := bytes.Repeat([]byte{0x1F}, protocol.PayloadCapacity+3)
	frames, err := fragment.Split(8, packet)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	tr := &echoTransactor{t: t, pending: frames, staleParity: true}
	adapter := newFakeAdapter()
	p := newTestPrimary(t, tr, adapter, &fakeClock{})

	runTransactions(t, p, 3)

	if len(adapter.written) != 0 {
		t.Fatalf("stale replies delivered %d packets to the tunnel", len(adapter.written))
	}
	if p.reasm.Pending() != 0 {
		t.Fatalf("stale replies created %d reassembly buffers", p.reasm.Pending())
	}
}

// TestPrimaryAbandonsPacketAndBacksOff exhausts retries mid-packet and
// checks the rest of the packet is dropped, the backoff state engages,
// and the loop then recovers.
func TestPrimaryAbandonsPacketAndBacksOff(t *testing.T) {
	// 2 attempts per transaction; 2 failures exhaust transaction one.
	tr := &echoTransactor{t: t, failures: 2}
	adapter := newFakeAdapter()
	clock := &fakeClock{}
	p := newTestPrimary(t, tr, adapter, clock)

	adapter.packets <- make([]byte, 2*protocol.PayloadCapacity) // 2 fragments

	// idle → polling → awaiting (fails, retries exhausted) → backoff
	for i := 0; i < 3; i++ {
		if err := p.step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	if p.state != stateBackoff {
		t.Fatalf("state = %d after exhausted retries, want backoff", p.state)
	}
	if err := p.step(); err != nil { // backoff sleep → idle
		t.Fatalf("step failed: %v", err)
	}

	// The next transactions must not resume the abandoned packet.
	runTransactions(t, p, 2)
	for i, poll := range tr.polls {
		if poll.Kind == protocol.KindData {
			t.Fatalf("poll %d resumed the abandoned packet", i)
		}
	}

	// Backoff slept somewhere between poll sleeps.
	var sawBackoff bool
	for _, d := range clock.sleeps {
		if d >= defaultBackoffInitial {
			sawBackoff = true
		}
	}
	if !sawBackoff {
		t.Fatal("backoff state never slept")
	}
}

// TestPrimaryBackoffDelayGrowth checks the exponential growth and cap of
// the consecutive-failure delay.
func TestPrimaryBackoffDelayGrowth(t *testing.T) {
	p := newTestPrimary(t, &echoTransactor{t: t}, newFakeAdapter(), &fakeClock{})

	p.failures = 1
	if d := p.backoffDelay(); d != defaultBackoffInitial {
		t.Fatalf("delay after 1 failure = %s, want %s", d, defaultBackoffInitial)
	}
	p.failures = 3
	if d := p.backoffDelay(); d != 4*defaultBackoffInitial {
		t.Fatalf("delay after 3 failures = %s, want %s", d, 4*defaultBackoffInitial)
	}
	p.failures = 50
	if d := p.backoffDelay(); d != defaultBackoffMax {
		t.Fatalf("delay after 50 failures = %s, want the %s cap", d, defaultBackoffMax)
	}
}

// TestPrimaryFatalOnTunnelClose verifies a failed tunnel device stops the
// engine with ErrTunnelClosed.
func TestPrimaryFatalOnTunnelClose(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.err = errors.New("device gone")
	close(adapter.packets)

	p := newTestPrimary(t, &echoTransactor{t: t}, adapter, &fakeClock{})
	err := p.step()
	if !errors.Is(err, ErrTunnelClosed) {
		t.Fatalf("step error = %v, want ErrTunnelClosed", err)
	}
	if !errors.Is(err, adapter.err) {
		t.Fatalf("step error %v does not wrap the device error", err)
	}
}
