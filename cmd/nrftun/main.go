// nrftun — an IP tunnel over cheap NRF24L01 half-duplex radios.
//
// One side runs --primary and owns the polling clock, the other runs
// --secondary and only ever answers. Each side creates a TUN interface and
// relays IP packets across the radio link in 32-byte frames.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/nrftun/nrftun/internal/app"
	"github.com/nrftun/nrftun/internal/config"
	"github.com/nrftun/nrftun/internal/util"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg.ApplyRoleDefaults()
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.SetVerbose(cfg.TunnelLogs)

	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cfg.Role {
	case config.RolePrimary:
		err = app.RunPrimary(ctx, cfg)
	case config.RoleSecondary:
		err = app.RunSecondary(ctx, cfg)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// parseFlags builds the configuration from defaults, then the optional
// TOML config file, then explicit flags, in that precedence order.
func parseFlags(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("nrftun", flag.ContinueOnError)

	configPath := fs.String("config", "", "optional TOML config file; flags override its values")
	iface := fs.String("interface_name", config.DefaultInterface, "name of the tunnel device")
	cePin := fs.Int("ce_pin", config.DefaultCEPin, "index of the NRF24L01 chip-enable pin")
	spiDev := fs.String("spi_dev", config.DefaultSPIDev, "SPI device the radio is wired to")
	primary := fs.Bool("primary", false, "run this side of the network in primary mode")
	secondary := fs.Bool("secondary", false, "run this side of the network in secondary mode")
	tunnelIP := fs.String("tunnel_ip", "", "IP address to assign to the tunnel interface (role-based default)")
	tunnelMask := fs.String("tunnel_mask", config.DefaultMask, "network mask for the tunnel interface")
	primaryAddr := fs.Uint("primary_addr", config.DefaultPrimaryAddr, "radio address of the primary side")
	secondaryAddr := fs.Uint("secondary_addr", config.DefaultSecondaryAddr, "radio address of the secondary side")
	channel := fs.Int("channel", config.DefaultChannel, "radio channel for transmit/receive (1-128)")
	pollUS := fs.Int("poll_interval_us", config.DefaultPollUS, "microseconds between polls (primary only)")
	tunnelLogs := fs.Bool("enable_tunnel_logs", false, "verbose logs for reads/writes from the tunnel")
	simURL := fs.String("sim_url", "", "primary: WebSocket URL of a simulated link instead of radio hardware")
	simListen := fs.String("sim_listen", "", "secondary: listen address for a simulated link instead of radio hardware")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *configPath != "" {
		if err := config.Load(*configPath, &cfg); err != nil {
			return config.Config{}, err
		}
	}

	// Explicit flags win over both defaults and the config file.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["interface_name"] {
		cfg.Interface = *iface
	}
	if set["ce_pin"] {
		cfg.CEPin = *cePin
	}
	if set["spi_dev"] {
		cfg.SPIDev = *spiDev
	}
	if set["tunnel_ip"] {
		cfg.TunnelIP = *tunnelIP
	}
	if set["tunnel_mask"] {
		cfg.TunnelMask = *tunnelMask
	}
	if set["primary_addr"] {
		cfg.PrimaryAddr = uint32(*primaryAddr)
	}
	if set["secondary_addr"] {
		cfg.SecondaryAddr = uint32(*secondaryAddr)
	}
	if set["channel"] {
		cfg.Channel = *channel
	}
	if set["poll_interval_us"] {
		cfg.PollUS = *pollUS
	}
	if set["enable_tunnel_logs"] {
		cfg.TunnelLogs = *tunnelLogs
	}
	if set["sim_url"] {
		cfg.SimURL = *simURL
	}
	if set["sim_listen"] {
		cfg.SimListen = *simListen
	}

	switch {
	case *primary && *secondary:
		return config.Config{}, fmt.Errorf("nrftun: --primary and --secondary are mutually exclusive")
	case *primary:
		cfg.Role = config.RolePrimary
	case *secondary:
		cfg.Role = config.RoleSecondary
	}
	return cfg, nil
}
