package server

import (
	"fmt"
	"log/syslog"
	"net"
	"os"

	"github.com/hashicorp/go-hclog"
)

// DefaultPort and LegacyPort are the listen ports from spec §4.3/§6.
const (
	DefaultPort = 4373
	LegacyPort  = 4444
)

// Serve accepts connections on ln until it is closed, dispatching each
// to its own goroutine per the multi-process-per-connection model
// translated to goroutines (spec §5: no intra-connection parallelism,
// connections themselves are independent).
func (sc *Context) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go sc.HandleConnection(nc)
	}
}

// NewLogger builds the hclog.Logger used throughout the server,
// honoring the -d (debug) and -S (stdout/stderr vs syslog) server
// flags. Without -S, output goes to the local syslog daemon under
// the daemon facility, matching the original server's default; -S
// (or a missing syslog daemon) falls back to stderr.
func NewLogger(debug, toStderr bool) hclog.Logger {
	level := hclog.Info
	if debug {
		level = hclog.Debug
	}

	output := os.Stderr
	opts := &hclog.LoggerOptions{Name: "remctld", Level: level, Output: output}
	if toStderr {
		return hclog.New(opts)
	}

	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "remctld")
	if err != nil {
		fmt.Fprintf(os.Stderr, "remctld: syslog unavailable, logging to stderr: %v\n", err)
		return hclog.New(opts)
	}
	opts.Output = w
	return hclog.New(opts)
}
