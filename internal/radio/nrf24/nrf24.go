// Package nrf24 drives an NRF24L01 transceiver over SPI and a chip-enable
// GPIO line, implementing the synchronous transact and receive/reply
// primitives the tunnel engines are built on.
//
// The chip is half duplex: it is either a transmitter or a receiver, never
// both, so every method serializes on a single mutex and flips the radio's
// mode explicitly. Hardware auto-ack and auto-retransmit are disabled; all
// reliability lives in the protocol layer above.
package nrf24

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/nrftun/nrftun/internal/protocol"
	"github.com/nrftun/nrftun/internal/radio"
)

// Register map (NRF24L01+ datasheet §9).
const (
	regConfig     = 0x00
	regEnAA       = 0x01
	regEnRxAddr   = 0x02
	regSetupAW    = 0x03
	regSetupRetr  = 0x04
	regRFCh       = 0x05
	regRFSetup    = 0x06
	regStatus     = 0x07
	regRxAddrP0   = 0x0A
	regTxAddr     = 0x10
	regRxPwP0     = 0x11
	regFifoStatus = 0x17
)

// SPI commands.
const (
	cmdReadReg     = 0x00
	cmdWriteReg    = 0x20
	cmdReadRxPl    = 0x61
	cmdWriteTxPl   = 0xA0
	cmdFlushTx     = 0xE1
	cmdFlushRx     = 0xE2
	cmdNop         = 0xFF
	regAddressMask = 0x1F
)

// CONFIG register bits.
const (
	bitEnCRC  = 0x08
	bitCRCO   = 0x04
	bitPwrUp  = 0x02
	bitPrimRX = 0x01
)

// STATUS register bits.
const (
	bitRxDR  = 0x40
	bitTxDS  = 0x20
	bitMaxRT = 0x10
)

const (
	// sendTimeout bounds the wait for the TX_DS interrupt flag. A 32-byte
	// frame at 1 Mbps is on the air for well under a millisecond.
	sendTimeout = 2 * time.Millisecond
	// pollStep is the status polling granularity.
	pollStep = 50 * time.Microsecond
)

// Options configures the radio for one endpoint of the link.
type Options struct {
	SPIDev    string // e.g. "/dev/spidev0.0"
	CEPin     int    // chip-enable GPIO index
	Channel   int
	LocalAddr uint32 // address this side receives on
	PeerAddr  uint32 // address this side transmits to
}

// Radio is an initialized NRF24L01. It satisfies both radio.Transactor and
// radio.Responder; which half is used depends on the engine role.
type Radio struct {
	port spi.PortCloser
	conn spi.Conn
	ce   gpio.PinIO

	mu sync.Mutex
}

var (
	_ radio.Transactor = (*Radio)(nil)
	_ radio.Responder  = (*Radio)(nil)
)

// Open initializes the SPI bus, the chip-enable pin, and the radio
// registers. Failures are configuration errors and fatal to the process.
func Open(opts Options) (*Radio, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("nrf24: host init: %w", err)
	}

	port, err := spireg.Open(opts.SPIDev)
	if err != nil {
		return nil, fmt.Errorf("nrf24: open %q: %w", opts.SPIDev, err)
	}
	conn, err := port.Connect(8*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("nrf24: connect %q: %w", opts.SPIDev, err)
	}

	ce := gpioreg.ByName(fmt.Sprintf("GPIO%d", opts.CEPin))
	if ce == nil {
		port.Close()
		return nil, fmt.Errorf("nrf24: no GPIO pin %d", opts.CEPin)
	}
	if err := ce.Out(gpio.Low); err != nil {
		port.Close()
		return nil, fmt.Errorf("nrf24: drive CE pin: %w", err)
	}

	r := &Radio{port: port, conn: conn, ce: ce}
	if err := r.setup(opts); err != nil {
		port.Close()
		return nil, err
	}
	return r, nil
}

// setup programs the radio: 2-byte CRC, 4-byte addresses, fixed 32-byte
// payloads, no auto-ack, no auto-retransmit, 1 Mbps at 0 dBm.
func (r *Radio) setup(opts Options) error {
	steps := []struct {
		reg byte
		val []byte
	}{
		{regEnAA, []byte{0x00}},
		{regSetupRetr, []byte{0x00}},
		{regEnRxAddr, []byte{0x01}}, // pipe 0 only
		{regSetupAW, []byte{0x02}},  // 4-byte addresses
		{regRFCh, []byte{byte(opts.Channel & 0x7F)}},
		{regRFSetup, []byte{0x06}}, // 1 Mbps, 0 dBm
		{regRxPwP0, []byte{protocol.FrameSize}},
		{regRxAddrP0, addrBytes(opts.LocalAddr)},
		{regTxAddr, addrBytes(opts.PeerAddr)},
		{regStatus, []byte{bitRxDR | bitTxDS | bitMaxRT}},
	}
	for _, s := range steps {
		if err := r.writeReg(s.reg, s.val...); err != nil {
			return err
		}
	}
	if err := r.command(cmdFlushTx); err != nil {
		return err
	}
	if err := r.command(cmdFlushRx); err != nil {
		return err
	}
	// Power up in standby; mode is chosen per operation.
	if err := r.writeReg(regConfig, bitEnCRC|bitCRCO|bitPwrUp); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond) // power-up settling
	return nil
}

// Transact sends one frame and waits for the peer's reply.
func (r *Radio) Transact(frame []byte, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if err := r.send(frame); err != nil {
		return nil, err
	}
	return r.receive(deadline)
}

// Receive waits for one frame from the peer.
func (r *Radio) Receive(timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receive(time.Now().Add(timeout))
}

// Reply transmits one frame without waiting for anything back.
func (r *Radio) Reply(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.send(frame)
}

// Close powers the radio down and releases the SPI port.
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ce.Out(gpio.Low)
	r.writeReg(regConfig, bitEnCRC|bitCRCO) // PWR_UP cleared
	return r.port.Close()
}

// send switches to transmit mode, loads the payload, and pulses CE until
// the chip reports the frame on the air.
func (r *Radio) send(frame []byte) error {
	if len(frame) != protocol.FrameSize {
		return fmt.Errorf("%w: frame length %d", radio.ErrTransport, len(frame))
	}
	if err := r.ce.Out(gpio.Low); err != nil {
		return fmt.Errorf("%w: %v", radio.ErrTransport, err)
	}
	if err := r.writeReg(regConfig, bitEnCRC|bitCRCO|bitPwrUp); err != nil {
		return err
	}
	if err := r.command(cmdFlushTx); err != nil {
		return err
	}
	if err := r.writeReg(regStatus, bitRxDR|bitTxDS|bitMaxRT); err != nil {
		return err
	}

	tx := make([]byte, 1+protocol.FrameSize)
	tx[0] = cmdWriteTxPl
	copy(tx[1:], frame)
	if err := r.conn.Tx(tx, make([]byte, len(tx))); err != nil {
		return fmt.Errorf("%w: load payload: %v", radio.ErrTransport, err)
	}

	if err := r.ce.Out(gpio.High); err != nil {
		return fmt.Errorf("%w: %v", radio.ErrTransport, err)
	}
	defer r.ce.Out(gpio.Low)

	deadline := time.Now().Add(sendTimeout)
	for {
		status, err := r.status()
		if err != nil {
			return err
		}
		if status&bitTxDS != 0 {
			return r.writeReg(regStatus, bitTxDS)
		}
		if time.Now().After(deadline) {
			r.command(cmdFlushTx)
			return fmt.Errorf("%w: TX_DS never asserted", radio.ErrTransport)
		}
		time.Sleep(pollStep)
	}
}

// receive switches to receive mode and polls for an arrived frame until
// the deadline.
func (r *Radio) receive(deadline time.Time) ([]byte, error) {
	if err := r.writeReg(regConfig, bitEnCRC|bitCRCO|bitPwrUp|bitPrimRX); err != nil {
		return nil, err
	}
	if err := r.ce.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("%w: %v", radio.ErrTransport, err)
	}
	defer r.ce.Out(gpio.Low)

	for {
		status, err := r.status()
		if err != nil {
			return nil, err
		}
		if status&bitRxDR != 0 {
			return r.readPayload()
		}
		if time.Now().After(deadline) {
			return nil, radio.ErrTimeout
		}
		time.Sleep(pollStep)
	}
}

// readPayload pulls one fixed-size frame out of the RX FIFO.
func (r *Radio) readPayload() ([]byte, error) {
	tx := make([]byte, 1+protocol.FrameSize)
	rx := make([]byte, 1+protocol.FrameSize)
	tx[0] = cmdReadRxPl
	for i := 1; i < len(tx); i++ {
		tx[i] = cmdNop
	}
	if err := r.conn.Tx(tx, rx); err != nil {
		return nil, fmt.Errorf("%w: read payload: %v", radio.ErrTransport, err)
	}
	if err := r.writeReg(regStatus, bitRxDR); err != nil {
		return nil, err
	}
	frame := make([]byte, protocol.FrameSize)
	copy(frame, rx[1:])
	return frame, nil
}

func (r *Radio) status() (byte, error) {
	rx := make([]byte, 1)
	if err := r.conn.Tx([]byte{cmdNop}, rx); err != nil {
		return 0, fmt.Errorf("%w: read status: %v", radio.ErrTransport, err)
	}
	return rx[0], nil
}

func (r *Radio) writeReg(reg byte, val ...byte) error {
	tx := append([]byte{cmdWriteReg | reg&regAddressMask}, val...)
	if err := r.conn.Tx(tx, make([]byte, len(tx))); err != nil {
		return fmt.Errorf("%w: write reg 0x%02x: %v", radio.ErrTransport, reg, err)
	}
	return nil
}

func (r *Radio) command(cmd byte) error {
	if err := r.conn.Tx([]byte{cmd}, make([]byte, 1)); err != nil {
		return fmt.Errorf("%w: command 0x%02x: %v", radio.ErrTransport, cmd, err)
	}
	return nil
}

// addrBytes renders a 32-bit radio address LSB first, as the chip expects.
func addrBytes(addr uint32) []byte {
	return []byte{byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24)}
}
