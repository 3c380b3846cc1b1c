// Package sim carries the radio frame exchange over a WebSocket link so
// the primary and secondary engines can be run against each other without
// NRF24 hardware. Semantics mirror the real driver: one binary message per
// frame, one transaction outstanding at a time, timeouts instead of
// blocking reads.
//
// The secondary listens (sim_listen), the primary dials (sim_url). Frames
// are read by a background goroutine into a small mailbox channel, so a
// timed-out wait never poisons the WebSocket connection with a stale read
// deadline.
package sim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nrftun/nrftun/internal/radio"
	"github.com/nrftun/nrftun/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Link is one end of a simulated radio link. It satisfies both
// radio.Transactor and radio.Responder.
type Link struct {
	conn  *websocket.Conn
	inbox chan []byte

	mu sync.Mutex // serializes transactions and replies
}

var (
	_ radio.Transactor = (*Link)(nil)
	_ radio.Responder  = (*Link)(nil)
)

// Dial connects the primary side to a listening secondary.
func Dial(ctx context.Context, url string) (*Link, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sim: dial %q: %w", url, err)
	}
	return newLink(conn), nil
}

// Listen starts a WebSocket server on addr and blocks until the primary
// connects. Only the first peer is accepted.
func Listen(ctx context.Context, addr string) (*Link, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sim: listen %q: %w", addr, err)
	}

	connCh := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/link", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case connCh <- conn:
		default:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
			conn.Close()
		}
	})

	go func() {
		_ = http.Serve(listener, mux)
	}()

	util.LogInfo("sim link listening on ws://%s/link", listener.Addr())
	select {
	case conn := <-connCh:
		listener.Close()
		return newLink(conn), nil
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}
}

func newLink(conn *websocket.Conn) *Link {
	l := &Link{
		conn:  conn,
		inbox: make(chan []byte, 1),
	}
	go l.readLoop()
	return l
}

// readLoop moves inbound frames into the mailbox. Frames nobody is waiting
// for (late replies to timed-out transactions) are overwritten by the next
// arrival, like a hardware FIFO being flushed.
func (l *Link) readLoop() {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			close(l.inbox)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case l.inbox <- data:
		default:
			// Drop the stale frame, keep the fresh one.
			select {
			case <-l.inbox:
			default:
			}
			l.inbox <- data
		}
	}
}

// Transact sends one frame and waits for the peer's reply.
func (l *Link) Transact(frame []byte, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Flush any reply that arrived after a previous timeout.
	select {
	case <-l.inbox:
	default:
	}

	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", radio.ErrTransport, err)
	}
	return l.wait(timeout)
}

// Receive waits for one frame from the peer.
func (l *Link) Receive(timeout time.Duration) ([]byte, error) {
	return l.wait(timeout)
}

// Reply transmits one frame without waiting for anything back.
func (l *Link) Reply(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", radio.ErrTransport, err)
	}
	return nil
}

// Close tears the link down.
func (l *Link) Close() error {
	return l.conn.Close()
}

func (l *Link) wait(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-l.inbox:
		if !ok {
			return nil, fmt.Errorf("%w: link closed", radio.ErrTransport)
		}
		return frame, nil
	case <-timer.C:
		return nil, radio.ErrTimeout
	}
}
