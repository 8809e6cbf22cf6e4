package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gatt/host"
	"github.com/srg/gatt/transport/tcp"
)

const procedureTimeout = 10 * time.Second

// connectPeer dials a serving peer and attaches the bearer to a fresh
// host, yielding the connection whose client endpoint runs the
// procedures. The caller closes the host.
func connectPeer(cmd *cobra.Command, addr string) (*host.Host, *host.Conn, *logrus.Logger, error) {
	logger, err := configureLogger(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	cmd.SilenceUsage = true

	h, err := host.New(host.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}

	bearer, err := tcp.Dial(addr, tcp.WithLogger(logger))
	if err != nil {
		h.Close()
		return nil, nil, nil, err
	}
	conn, err := h.Attach(bearer)
	if err != nil {
		bearer.Close(err)
		h.Close()
		return nil, nil, nil, err
	}
	return h, conn, logger, nil
}
