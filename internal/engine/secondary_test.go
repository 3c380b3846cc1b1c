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

// fakeResponder feeds scripted polls to the secondary and records replies.
type fakeResponder struct {
	polls   [][]byte // nil entry scripts a listen timeout
	replies [][]byte
}

func (f *fakeResponder) Receive(timeout time.Duration) ([]byte, error) {
	if len(f.polls) == 0 {
		return nil, radio.ErrTimeout
	}
	poll := f.polls[0]
	f.polls = f.polls[1:]
	if poll == nil {
		return nil, radio.ErrTimeout
	}
	return poll, nil
}

func (f *fakeResponder) Reply(frame []byte) error {
	f.replies = append(f.replies, frame)
	return nil
}

func encodeFrame(t *testing.T, f *protocol.Frame) []byte {
	wire, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("failed to encode test frame: %v", err)
	}
	return wire
}

func decodeFrame(t *testing.T, wire []byte) *protocol.Frame {
	f, err := protocol.Decode(wire)
	if err != nil {
		t.Fatalf("secondary sent undecodable frame: %v", err)
	}
	return f
}

func newTestSecondary(tr radio.Responder, adapter Adapter) *Secondary {
	return NewSecondary(SecondaryOptions{
		Transport:     tr,
		Adapter:       adapter,
		ListenTimeout: time.Millisecond,
	})
}

// runSteps drives the secondary until the scripted polls are consumed.
func runSteps(t *testing.T, s *Secondary, tr *fakeResponder) {
	for len(tr.polls) > 0 || s.state == stateResponding {
		if err := s.step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
}

// TestSecondaryListenTimeoutIsNotAnError checks the listen loop simply
// continues when no poll arrives.
func TestSecondaryListenTimeoutIsNotAnError(t *testing.T) {
	tr := &fakeResponder{polls: [][]byte{nil, nil}}
	s := newTestSecondary(tr, newFakeAdapter())

	runSteps(t, s, tr)

	if s.state != stateListening {
		t.Fatalf("state = %d after timeouts, want listening", s.state)
	}
	if len(tr.replies) != 0 {
		t.Fatalf("secondary replied %d times to nothing", len(tr.replies))
	}
}

// TestSecondaryAnswersEmptyPollWithAck verifies the idle-link transaction:
// a bare poll gets a bare ack and no tunnel traffic.
func TestSecondaryAnswersEmptyPollWithAck(t *testing.T) {
	tr := &fakeResponder{polls: [][]byte{
		encodeFrame(t, &protocol.Frame{Kind: protocol.KindPoll, Parity: true}),
	}}
	adapter := newFakeAdapter()
	s := newTestSecondary(tr, adapter)

	runSteps(t, s, tr)

	if len(tr.replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(tr.replies))
	}
	reply := decodeFrame(t, tr.replies[0])
	if reply.Kind != protocol.KindAck || !reply.Control() {
		t.Fatalf("reply = %s (control=%v), want bare ACK", reply.Kind, reply.Control())
	}
	if len(adapter.written) != 0 {
		t.Fatalf("idle transaction wrote %d packets to the tunnel", len(adapter.written))
	}
}

// TestSecondaryReassemblesPolledFragments sends a two-fragment packet via
// DATA polls and expects it on the tunnel device once.
func TestSecondaryReassemblesPolledFragments(t *testing.T) {
	packet := bytes.Repeat([]byte{0x5A}, protocol.PayloadCapacity+9)
	frames, err := fragment.Split(3, packet)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	var polls [][]byte
	parity := false
	for _, f := range frames {
		parity = !parity
		f.Parity = parity
		polls = append(polls, encodeFrame(t, f))
	}
	tr := &fakeResponder{polls: polls}
	adapter := newFakeAdapter()
	s := newTestSecondary(tr, adapter)

	runSteps(t, s, tr)

	if len(adapter.written) != 1 {
		t.Fatalf("tunnel received %d packets, want 1", len(adapter.written))
	}
	if !bytes.Equal(adapter.written[0], packet) {
		t.Fatal("tunnel received a different packet than was sent")
	}
}

// TestSecondaryCarriesFragmentsOnReplies queues an outbound packet and
// checks consecutive fresh polls drain it fragment by fragment.
func TestSecondaryCarriesFragmentsOnReplies(t *testing.T) {
	adapter := newFakeAdapter()
	packet := make([]byte, 2*protocol.PayloadCapacity) // 2 fragments
	for i := range packet {
		packet[i] = byte(i + 1)
	}
	adapter.packets <- packet

	poll := func(parity bool) []byte {
		return encodeFrame(t, &protocol.Frame{Kind: protocol.KindPoll, Parity: parity})
	}
	tr := &fakeResponder{polls: [][]byte{poll(true), poll(false), poll(true)}}
	s := newTestSecondary(tr, adapter)

	runSteps(t, s, tr)

	if len(tr.replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(tr.replies))
	}
	var joined []byte
	for i := 0; i < 2; i++ {
		reply := decodeFrame(t, tr.replies[i])
		if reply.Kind != protocol.KindData {
			t.Fatalf("reply %d kind = %s, want DATA", i, reply.Kind)
		}
		if int(reply.FragIndex) != i {
			t.Fatalf("reply %d carries fragment %d", i, reply.FragIndex)
		}
		joined = append(joined, reply.Payload...)
	}
	if !bytes.Equal(joined, packet) {
		t.Fatal("reply fragments do not reassemble into the queued packet")
	}
	if reply := decodeFrame(t, tr.replies[2]); reply.Kind != protocol.KindAck {
		t.Fatalf("reply after drain kind = %s, want ACK", reply.Kind)
	}
}

// TestSecondaryRetrySuppression replays a poll byte for byte, as the
// primary's retrier does, and expects the identical cached reply with no
// cursor movement, then checks a fresh poll advances normally.
func TestSecondaryRetrySuppression(t *testing.T) {
	adapter := newFakeAdapter()
	packet := make([]byte, 2*protocol.PayloadCapacity)
	adapter.packets <- packet

	dataPoll := encodeFrame(t, &protocol.Frame{
		Kind:      protocol.KindData,
		Parity:    true,
		PacketID:  9,
		FragIndex: 0,
		FragCount: 2,
		Payload:   bytes.Repeat([]byte{1}, protocol.PayloadCapacity),
	})
	freshPoll := encodeFrame(t, &protocol.Frame{Kind: protocol.KindPoll, Parity: false})

	// Poll, its retry (twice), then a fresh poll.
	tr := &fakeResponder{polls: [][]byte{dataPoll, dataPoll, dataPoll, freshPoll}}
	s := newTestSecondary(tr, adapter)

	runSteps(t, s, tr)

	if len(tr.replies) != 4 {
		t.Fatalf("got %d replies, want 4", len(tr.replies))
	}
	if !bytes.Equal(tr.replies[0], tr.replies[1]) || !bytes.Equal(tr.replies[1], tr.replies[2]) {
		t.Fatal("retried polls did not get the identical cached reply")
	}

	first := decodeFrame(t, tr.replies[0])
	if first.Kind != protocol.KindData || first.FragIndex != 0 {
		t.Fatalf("first reply carries fragment %d, want 0", first.FragIndex)
	}
	// Only the fresh poll may advance the outbound cursor.
	fourth := decodeFrame(t, tr.replies[3])
	if fourth.Kind != protocol.KindData || fourth.FragIndex != 1 {
		t.Fatalf("reply to fresh poll carries %s fragment %d, want DATA fragment 1", fourth.Kind, fourth.FragIndex)
	}

	// The retried DATA poll must not have been re-ingested: only one
	// reassembly buffer exists, still waiting for fragment 1.
	if s.reasm.Pending() != 1 {
		t.Fatalf("reassembler has %d pending buffers, want 1", s.reasm.Pending())
	}
}

// TestSecondaryIngestsFreshPollAfterOutage covers the parity aliasing
// case: after an answered transaction, every attempt of the next one is
// lost, so the following transaction toggles the parity bit back to the
// value the secondary last saw. Its DATA polls differ in content from the
// cached one and must be ingested as fresh, not suppressed as retries.
func TestSecondaryIngestsFreshPollAfterOutage(t *testing.T) {
	packet := bytes.Repeat([]byte{0xC3}, protocol.PayloadCapacity+11)
	frames, err := fragment.Split(7, packet)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("test packet split into %d frames, want 2", len(frames))
	}
	// The transaction between the bare poll and the first fragment was
	// lost entirely, so the fragment arrives with the bare poll's parity.
	frames[0].Parity = true
	frames[1].Parity = false

	tr := &fakeResponder{polls: [][]byte{
		encodeFrame(t, &protocol.Frame{Kind: protocol.KindPoll, Parity: true}),
		encodeFrame(t, frames[0]),
		encodeFrame(t, frames[1]),
	}}
	adapter := newFakeAdapter()
	s := newTestSecondary(tr, adapter)

	runSteps(t, s, tr)

	if len(adapter.written) != 1 {
		t.Fatalf("tunnel received %d packets, want 1", len(adapter.written))
	}
	if !bytes.Equal(adapter.written[0], packet) {
		t.Fatal("tunnel received a different packet than was sent")
	}
	if s.reasm.Pending() != 0 {
		t.Fatalf("reassembler left %d pending buffers", s.reasm.Pending())
	}
}

// TestSecondaryDiscardsCorruptPoll checks a malformed poll is answered
// with a placeholder and leaves all protocol state untouched.
func TestSecondaryDiscardsCorruptPoll(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.packets <- []byte("queued")

	tr := &fakeResponder{polls: [][]byte{make([]byte, 5)}}
	s := newTestSecondary(tr, adapter)

	runSteps(t, s, tr)

	if len(tr.replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(tr.replies))
	}
	reply := decodeFrame(t, tr.replies[0])
	if reply.Kind != protocol.KindEmpty {
		t.Fatalf("reply kind = %s, want EMPTY", reply.Kind)
	}
	if s.replyCarried {
		t.Fatal("corrupt poll advanced the outbound cursor")
	}
}

// TestSecondaryFatalOnTunnelClose mirrors the primary-side behavior.
func TestSecondaryFatalOnTunnelClose(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.err = errors.New("device gone")
	close(adapter.packets)

	s := newTestSecondary(&fakeResponder{}, adapter)
	err := s.step()
	if !errors.Is(err, ErrTunnelClosed) {
		t.Fatalf("step error = %v, want ErrTunnelClosed", err)
	}
}
