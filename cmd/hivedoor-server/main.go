// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Hivedoor-server is the host process. It assembles the engine, its
// consoles, and the wire listener behind a single service pump and
// runs until interrupted.
//
// On startup:
//  1. Loads and validates the config (--config or $HIVEDOOR_CONFIG).
//  2. Loads the site policy overlay, if one is configured.
//  3. Unseals the ticket master secret from the age keystore.
//  4. Builds the engine with the configured rings, GPUs, and services.
//  5. Opens the serial and network consoles and the wire listener.
//  6. Registers everything on the pump and runs it until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/hivedoor/hivedoor/console"
	"github.com/hivedoor/hivedoor/engine"
	"github.com/hivedoor/hivedoor/lib/archive"
	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/config"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/lib/version"
	"github.com/hivedoor/hivedoor/pump"
	"github.com/hivedoor/hivedoor/transport"
)

// Poll budgets per pump source. The listener carries the bulk of the
// traffic; consoles are a human typing.
const (
	listenerBudget = 64
	consoleBudget  = 8
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the host config (defaults to $HIVEDOOR_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("hivedoor-server %s\n", version.Info())
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	tickInterval, err := cfg.Tick()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	overlay, err := config.LoadOverlay(cfg.PolicyOverlay)
	if err != nil {
		return fmt.Errorf("loading policy overlay: %w", err)
	}

	identity, err := ticket.ReadIdentity(cfg.Keystore.IdentityPath)
	if err != nil {
		return fmt.Errorf("reading keystore identity (run \"hivedoor keygen\" first): %w", err)
	}
	secret, err := ticket.LoadMasterSecret(cfg.Keystore.Path, identity)
	if err != nil {
		return fmt.Errorf("unsealing keystore %s: %w", cfg.Keystore.Path, err)
	}

	clk := clock.Real()
	authority, err := ticket.NewAuthority(secret, clk)
	if err != nil {
		return fmt.Errorf("building ticket authority: %w", err)
	}

	opts := engine.Options{
		Logger:               logger,
		Clock:                clk,
		Authority:            authority,
		BootText:             cfg.BootText,
		QueenLogBytes:        cfg.Rings.QueenLog,
		TelemetryBytes:       cfg.Rings.Telemetry,
		GpuStatusBytes:       cfg.Rings.GPUStatus,
		ObserverReadPrefixes: overlay.ObserverReadPrefixes,
	}

	if cfg.Archive.Dir != "" {
		codec, err := archive.ParseCodec(cfg.Archive.Codec)
		if err != nil {
			return fmt.Errorf("archive codec: %w", err)
		}
		sinks := &sinkSet{
			dir:          cfg.Archive.Dir,
			codec:        codec,
			segmentBytes: cfg.Archive.SegmentBytes,
			logger:       logger,
		}
		opts.EvictionSink = sinks.open
		defer sinks.flush()
		logger.Info("ring archiving enabled",
			"dir", cfg.Archive.Dir, "codec", codec.String())
	}

	eng, err := engine.New(opts)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	for _, gpu := range cfg.GPUs {
		if err := eng.RegisterGpu(gpu.ID, gpu.Info); err != nil {
			return fmt.Errorf("registering gpu %s: %w", gpu.ID, err)
		}
		logger.Info("gpu registered", "gpu", gpu.ID)
	}
	for _, name := range sortedServiceNames(cfg.Services) {
		if err := eng.RegisterService(name, cfg.Services[name]); err != nil {
			return fmt.Errorf("registering service %s: %w", name, err)
		}
		logger.Info("service registered", "service", name, "target", cfg.Services[name])
	}

	p := pump.New(pump.Options{Logger: logger, Clock: clk})
	consoleOpts := console.Options{
		Logger:        logger,
		Clock:         clk,
		DisabledVerbs: overlay.DisabledConsoleVerbs,
	}
	transportOpts := transport.Options{Logger: logger, Notify: p.Notify}

	// Each console transport owns its own console state machine: the
	// serial line and a network session are separate attachments.
	if cfg.Console.SerialDevice != "" {
		port, err := transport.OpenSerial(cfg.Console.SerialDevice, cfg.Console.SerialBaud)
		if err != nil {
			return fmt.Errorf("opening serial console: %w", err)
		}
		serial := transport.NewSerialConsole(console.New(eng, consoleOpts), port, transportOpts)
		defer serial.Close()
		p.Register(serial, consoleBudget)
		logger.Info("serial console open",
			"device", cfg.Console.SerialDevice, "baud", cfg.Console.SerialBaud)
	}

	if cfg.Console.Listen != "" {
		consoleServer, err := transport.NewConsoleServer(console.New(eng, consoleOpts), cfg.Console.Listen, transportOpts)
		if err != nil {
			return fmt.Errorf("starting console listener: %w", err)
		}
		defer consoleServer.Close()
		p.Register(consoleServer, consoleBudget)
		logger.Info("console listening", "address", consoleServer.Address())
	}

	listener, err := transport.NewListener(eng, cfg.Listen, transportOpts)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	defer listener.Close()
	p.Register(listener, listenerBudget)

	p.Register(pump.NewTimer("tick", clk, tickInterval, eng.Tick), 1)

	logger.Info("hivedoor host online",
		"address", listener.Address(),
		"tick", tickInterval.String(),
		"gpus", len(cfg.GPUs),
	)

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// sinkSet opens one archive sink per append ring and keeps the handles
// for the shutdown flush. open runs under the engine lock; flush runs
// after the pump has stopped.
type sinkSet struct {
	dir          string
	codec        archive.Codec
	segmentBytes int
	logger       *slog.Logger
	sinks        []*archive.Sink
}

// open is the engine's eviction sink factory. A ring whose sink cannot
// open stays unarchived rather than failing startup.
func (s *sinkSet) open(path string) func([]byte) {
	sink, err := archive.NewSink(s.dir, path, s.codec, s.segmentBytes, s.logger)
	if err != nil {
		s.logger.Error("archive sink unavailable", "ring", path, "error", err)
		return nil
	}
	s.sinks = append(s.sinks, sink)
	return sink.Write
}

// flush writes out any partial segments so evicted bytes survive a
// clean shutdown.
func (s *sinkSet) flush() {
	for _, sink := range s.sinks {
		sink.Flush()
	}
}

func sortedServiceNames(services map[string]string) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
