// Package config holds the immutable link configuration and its
// validation rules. Everything here is consumed once at startup; nothing
// is reconfigured at runtime.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Role selects which side of the link this process runs.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Defaults, matching the flag defaults.
const (
	DefaultInterface     = "nerf0"
	DefaultCEPin         = 22
	DefaultSPIDev        = "/dev/spidev0.0"
	DefaultPrimaryAddr   = 0x90019001
	DefaultSecondaryAddr = 0x90009000
	DefaultChannel       = 1
	DefaultPollUS        = 100
	DefaultMask          = "255.255.255.0"

	// Role-based tunnel addresses used when no explicit IP is given.
	DefaultPrimaryIP   = "192.168.10.1"
	DefaultSecondaryIP = "192.168.10.2"

	// Valid radio channel range.
	MinChannel = 1
	MaxChannel = 128
)

// Config captures every startup option for one endpoint.
type Config struct {
	Interface     string `toml:"interface"`
	CEPin         int    `toml:"ce_pin"`
	SPIDev        string `toml:"spi_dev"`
	Role          Role   `toml:"role"`
	TunnelIP      string `toml:"tunnel_ip"`
	TunnelMask    string `toml:"tunnel_mask"`
	PrimaryAddr   uint32 `toml:"primary_addr"`
	SecondaryAddr uint32 `toml:"secondary_addr"`
	Channel       int    `toml:"channel"`
	PollUS        int    `toml:"poll_interval_us"`
	TunnelLogs    bool   `toml:"enable_tunnel_logs"`

	// SimURL (primary) and SimListen (secondary) select the loopback
	// development transport instead of NRF24 hardware.
	SimURL    string `toml:"sim_url"`
	SimListen string `toml:"sim_listen"`
}

// Default returns the configuration preloaded with every default value
// except the role, which has no default and must be chosen explicitly.
func Default() Config {
	return Config{
		Interface:     DefaultInterface,
		CEPin:         DefaultCEPin,
		SPIDev:        DefaultSPIDev,
		TunnelMask:    DefaultMask,
		PrimaryAddr:   DefaultPrimaryAddr,
		SecondaryAddr: DefaultSecondaryAddr,
		Channel:       DefaultChannel,
		PollUS:        DefaultPollUS,
	}
}

// Load reads a TOML file over cfg. Values present in the file replace the
// ones already in cfg; flags applied afterwards win over both.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

// PollInterval converts the microsecond option into a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollUS) * time.Microsecond
}

// ApplyRoleDefaults fills the tunnel IP from the role when it was not set
// explicitly.
func (c *Config) ApplyRoleDefaults() {
	if c.TunnelIP != "" {
		return
	}
	switch c.Role {
	case RolePrimary:
		c.TunnelIP = DefaultPrimaryIP
	case RoleSecondary:
		c.TunnelIP = DefaultSecondaryIP
	}
}

// Validate checks every option before any radio or device I/O happens.
// A non-nil result is a configuration error and fatal.
func (c *Config) Validate() error {
	switch c.Role {
	case RolePrimary, RoleSecondary:
	case "":
		return fmt.Errorf("config: primary or secondary mode must be selected")
	default:
		return fmt.Errorf("config: unknown role %q", c.Role)
	}

	if c.Interface == "" {
		return fmt.Errorf("config: interface name must not be empty")
	}
	if c.Channel < MinChannel || c.Channel > MaxChannel {
		return fmt.Errorf("config: channel %d out of range [%d, %d]", c.Channel, MinChannel, MaxChannel)
	}
	if c.PrimaryAddr == 0 || c.SecondaryAddr == 0 {
		return fmt.Errorf("config: radio addresses must be non-zero")
	}
	if c.PrimaryAddr == c.SecondaryAddr {
		return fmt.Errorf("config: primary and secondary addresses must differ (both 0x%08x)", c.PrimaryAddr)
	}
	if c.Role == RolePrimary && c.PollUS <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %dus", c.PollUS)
	}
	if c.TunnelIP != "" && net.ParseIP(c.TunnelIP) == nil {
		return fmt.Errorf("config: invalid tunnel ip %q", c.TunnelIP)
	}
	if ip := net.ParseIP(c.TunnelMask); ip == nil || ip.To4() == nil {
		return fmt.Errorf("config: invalid tunnel mask %q", c.TunnelMask)
	}
	if c.SimURL != "" && c.SimListen != "" {
		return fmt.Errorf("config: sim_url and sim_listen are mutually exclusive")
	}
	return nil
}
