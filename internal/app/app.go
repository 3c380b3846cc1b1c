// Package app contains the top-level orchestration for the primary and
// secondary roles: configuration in, tunnel device and radio transport
// opened, engine run until shutdown.
package app

import (
	"context"
	"io"

	"github.com/nrftun/nrftun/internal/config"
	"github.com/nrftun/nrftun/internal/engine"
	"github.com/nrftun/nrftun/internal/radio"
	"github.com/nrftun/nrftun/internal/radio/nrf24"
	"github.com/nrftun/nrftun/internal/radio/sim"
	"github.com/nrftun/nrftun/internal/tunnel"
	"github.com/nrftun/nrftun/internal/util"
)

// RunPrimary brings up the primary side and drives the poll loop until ctx
// is cancelled or the tunnel device fails.
func RunPrimary(ctx context.Context, cfg config.Config) error {
	dev, err := tunnel.Open(tunnel.Config{
		Name: cfg.Interface,
		IP:   cfg.TunnelIP,
		Mask: cfg.TunnelMask,
		Logs: cfg.TunnelLogs,
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	var transport radio.Transactor
	var closer io.Closer
	if cfg.SimURL != "" {
		link, err := sim.Dial(ctx, cfg.SimURL)
		if err != nil {
			return err
		}
		transport, closer = link, link
	} else {
		r, err := nrf24.Open(nrf24.Options{
			SPIDev:    cfg.SPIDev,
			CEPin:     cfg.CEPin,
			Channel:   cfg.Channel,
			LocalAddr: cfg.PrimaryAddr,
			PeerAddr:  cfg.SecondaryAddr,
		})
		if err != nil {
			return err
		}
		transport, closer = r, r
	}
	defer closer.Close()

	util.LogInfo("primary up: channel %d, polling every %s", cfg.Channel, cfg.PollInterval())
	util.StartStatsReporter(ctx)

	eng := engine.NewPrimary(engine.PrimaryOptions{
		Transport:    transport,
		Adapter:      dev,
		PollInterval: cfg.PollInterval(),
	})
	return eng.Run(ctx)
}

// RunSecondary brings up the secondary side and answers polls until ctx is
// cancelled or the tunnel device fails.
func RunSecondary(ctx context.Context, cfg config.Config) error {
	dev, err := tunnel.Open(tunnel.Config{
		Name: cfg.Interface,
		IP:   cfg.TunnelIP,
		Mask: cfg.TunnelMask,
		Logs: cfg.TunnelLogs,
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	var transport radio.Responder
	var closer io.Closer
	if cfg.SimListen != "" {
		link, err := sim.Listen(ctx, cfg.SimListen)
		if err != nil {
			return err
		}
		transport, closer = link, link
	} else {
		r, err := nrf24.Open(nrf24.Options{
			SPIDev:    cfg.SPIDev,
			CEPin:     cfg.CEPin,
			Channel:   cfg.Channel,
			LocalAddr: cfg.SecondaryAddr,
			PeerAddr:  cfg.PrimaryAddr,
		})
		if err != nil {
			return err
		}
		transport, closer = r, r
	}
	defer closer.Close()

	util.LogInfo("secondary up: channel %d, listening", cfg.Channel)
	util.StartStatsReporter(ctx)

	eng := engine.NewSecondary(engine.SecondaryOptions{
		Transport: transport,
		Adapter:   dev,
	})
	return eng.Run(ctx)
}
