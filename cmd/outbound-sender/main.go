/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command outbound-sender is the application root: it loads configuration,
// wires the dispatch loop and the event forwarder as long-lived services,
// and owns the top-level signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mtacore/outbound/internal/config"
	"github.com/mtacore/outbound/internal/dnsresolve"
	"github.com/mtacore/outbound/internal/forwarder"
	"github.com/mtacore/outbound/internal/log"
	"github.com/mtacore/outbound/internal/memstore"
	"github.com/mtacore/outbound/internal/outcome"
	"github.com/mtacore/outbound/internal/sender"
	"github.com/mtacore/outbound/internal/smtppool"
	"github.com/mtacore/outbound/internal/unavail"
	"github.com/mtacore/outbound/internal/vmta"
)

func main() {
	app := cli.NewApp()
	app.Name = "outbound-sender"
	app.Usage = "outbound MTA delivery core"
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Path to the outbound-sender YAML configuration file",
			EnvVars: []string{"OUTBOUND_SENDER_CONFIG"},
			Value:   "outbound-sender.yml",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	logger := log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Name:  "outbound-sender",
		Debug: cliCtx.Bool("debug"),
	}

	cfg, err := config.Load(cliCtx.Path("config"))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := unavail.NewRegistry()

	pool := smtppool.New(smtppool.Config{
		ConnectTimeout:          time.Duration(cfg.PoolConfig.ConnectTimeoutSeconds) * time.Second,
		MaxConnsPerKey:          cfg.PoolConfig.MaxConnsPerKey,
		MaxKeys:                 cfg.PoolConfig.MaxKeys,
		MaxConnLifetimeSec:      cfg.PoolConfig.MaxConnLifetimeSec,
		StaleKeyLifetimeSec:     cfg.PoolConfig.StaleKeyLifetimeSec,
		DestinationRateBurst:    cfg.PoolConfig.DestinationRateBurst,
		DestinationRateInterval: cfg.PoolConfig.DestinationRateInterval(),
		Log:                     logger,
	}, registry)
	defer pool.Close()

	selector := vmta.NewSelector(cfg.VirtualMTAGroups())

	// The durable broker and persistent stores are external collaborators
	// per the spec; memstore is the in-process stand-in that lets this
	// binary actually run without wiring real infrastructure.
	brk := memstore.NewBroker()
	messages := memstore.NewMessageStore()
	events := memstore.NewEventStore()

	recorder := outcome.New(messages, events, logger)

	snd := &sender.Sender{
		Broker:         brk,
		Resolver:       dnsresolve.DefaultResolver(),
		Selector:       selector,
		Pool:           pool,
		Registry:       registry,
		Recorder:       recorder,
		Log:            logger,
		MaxTimeInQueue: cfg.MaxTimeInQueue(),
	}
	snd.Start(ctx)

	fwd := &forwarder.Forwarder{
		Events:  events,
		PostURL: cfg.EventForwardingHTTPPostURL,
		Log:     logger,
		OnFatal: func(err error) {
			logger.Error("event forwarder failed fatally, shutting down", err)
			cancel()
		},
	}
	fwd.Start(ctx)

	<-ctx.Done()
	logger.Msg("shutting down")
	snd.Stop()
	fwd.Stop()
	return nil
}
