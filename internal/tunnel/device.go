// Package tunnel owns the virtual network device: creating the TUN
// interface, assigning its address, and moving IP packets between the
// kernel and the protocol engines.
package tunnel

import (
	"fmt"
	"net"
	"sync"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/nrftun/nrftun/internal/protocol"
	"github.com/nrftun/nrftun/internal/util"
)

// packetBufferSize is the capacity of the inbound packet channel between
// the device reader goroutine and the engine loop.
const packetBufferSize = 64

// Config describes the device to create.
type Config struct {
	Name string // interface name, e.g. "nerf0"
	IP   string // address to assign, dotted quad
	Mask string // netmask, dotted quad
	Logs bool   // log every packet read from / written to the device
}

// Device is a configured, up TUN interface. Read failures are terminal:
// the Packets channel closes and Err reports the cause.
type Device struct {
	ifce *water.Interface
	logs bool

	packets chan []byte

	mu  sync.Mutex
	err error
}

// Open creates the TUN interface, assigns its address, and brings it up.
// Any failure here is a configuration error and fatal to the process.
func Open(cfg Config) (*Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: cfg.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: create %q: %w", cfg.Name, err)
	}
	util.LogInfo("tunnel '%s' opened", ifce.Name())

	if err := configure(ifce.Name(), cfg.IP, cfg.Mask); err != nil {
		ifce.Close()
		return nil, err
	}
	util.LogInfo("tunnel '%s' configured with '%s' mask '%s'", ifce.Name(), cfg.IP, cfg.Mask)

	d := &Device{
		ifce:    ifce,
		logs:    cfg.Logs,
		packets: make(chan []byte, packetBufferSize),
	}
	go d.readLoop()
	return d, nil
}

// configure assigns ip/mask to the interface and sets it up, replacing the
// SIOCSIFADDR/SIOCSIFNETMASK/SIOCSIFFLAGS ioctl dance with netlink calls.
func configure(name, ip, mask string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("tunnel: lookup %q: %w", name, err)
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("tunnel: invalid ip %q", ip)
	}
	maskIP := net.ParseIP(mask)
	if maskIP == nil || maskIP.To4() == nil {
		return fmt.Errorf("tunnel: invalid mask %q", mask)
	}

	nlAddr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   addr,
		Mask: net.IPMask(maskIP.To4()),
	}}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return fmt.Errorf("tunnel: assign %s/%s: %w", ip, mask, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tunnel: set %q up: %w", name, err)
	}
	return nil
}

// readLoop is the blocking reader goroutine. It feeds whole IP packets to
// the Packets channel; the engine drains it without ever blocking on the
// device. A read error closes the channel.
func (d *Device) readLoop() {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, err := d.ifce.Read(buf)
		if err != nil {
			d.mu.Lock()
			d.err = fmt.Errorf("tunnel: read: %w", err)
			d.mu.Unlock()
			close(d.packets)
			return
		}
		if d.logs {
			util.LogInfo("tunnel read: %d bytes", n)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		d.packets <- pkt
	}
}

// Packets returns the inbound packet channel. It closes when the device
// fails; Err then reports why.
func (d *Device) Packets() <-chan []byte { return d.packets }

// WritePacket hands one reassembled IP packet to the kernel.
func (d *Device) WritePacket(p []byte) error {
	if d.logs {
		util.LogInfo("tunnel write: %d bytes", len(p))
	}
	if _, err := d.ifce.Write(p); err != nil {
		return fmt.Errorf("tunnel: write: %w", err)
	}
	return nil
}

// Err returns the terminal device error, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close tears the device down.
func (d *Device) Close() error {
	return d.ifce.Close()
}
