package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/gatt/host"
	"github.com/srg/gatt/profile"
	"github.com/srg/gatt/settings"
	"github.com/srg/gatt/transport/tcp"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve --profile <file>",
	Short: "Serve a GATT database over TCP bearers",
	Long: `Compiles a YAML profile into an attribute database and serves it to
every peer that connects.

Examples:
  # Serve a profile on the default port
  gattctl serve --profile heartrate.yaml

  # Persist peer state between runs
  gattctl serve --profile heartrate.yaml --settings state.yaml

  # Keep a trace of the last 512 PDUs per dump
  gattctl serve --profile heartrate.yaml --trace 512`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveProfile  string
	serveListen   string
	serveSettings string
	serveTrace    uint32
)

func init() {
	serveCmd.Flags().StringVar(&serveProfile, "profile", "", "Profile YAML file (required)")
	serveCmd.Flags().StringVar(&serveListen, "listen", ":4343", "TCP listen address")
	serveCmd.Flags().StringVar(&serveSettings, "settings", "", "Settings YAML file for per-peer persistence")
	serveCmd.Flags().Uint32Var(&serveTrace, "trace", 0, "PDU flight recorder size (0 disables)")
	_ = serveCmd.MarkFlagRequired("profile")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	prof, err := profile.Load(serveProfile)
	if err != nil {
		return err
	}
	services, err := prof.Compile()
	if err != nil {
		return err
	}

	var store settings.Store = settings.Nop{}
	if serveSettings != "" {
		store, err = settings.OpenYAMLStore(serveSettings, settings.WithStoreLogger(logger))
		if err != nil {
			return err
		}
	}

	h, err := host.New(
		host.WithLogger(logger),
		host.WithStore(store),
		host.WithOptions(host.Options{QueueSlots: 4, PrepareSlots: 8, TraceEvents: serveTrace}),
	)
	if err != nil {
		return err
	}
	defer h.Close()

	for _, svc := range services {
		if err := h.Register(svc); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", serveListen)
	if err != nil {
		return err
	}
	defer ln.Close()
	fmt.Fprintf(os.Stderr, "Serving %d service(s) on %s. Press Ctrl+C to stop...\n", len(services), ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			bearer := tcp.NewBearer(conn, tcp.WithLogger(logger))
			if _, err := h.Attach(bearer); err != nil {
				logger.WithError(err).Warn("Attach failed")
				bearer.Close(err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	if serveTrace > 0 {
		for _, ev := range h.Trace() {
			fmt.Fprintln(os.Stderr, ev)
		}
	}
	return nil
}
