// SPDX-License-Identifier: Apache-2.0

// Command remctld is the remctl server daemon: it loads a configuration
// file, acquires server GSS-API credentials, and serves connections on
// a TCP listener until terminated.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/golang-auth/go-remctl/config"
	"github.com/golang-auth/go-remctl/gssapi"
	_ "github.com/golang-auth/go-remctl/gssapi/krb5"
	"github.com/golang-auth/go-remctl/metrics"
	"github.com/golang-auth/go-remctl/server"
)

// metricsPortOffset is the fixed offset above the listen port used to
// expose /metrics in standalone mode; there is no separate CLI flag for
// it in spec.md §6, so it rides on the same port family as -p.
const metricsPortOffset = 1

var version = "dev"

var (
	flagDebug      bool
	flagConfig     string
	flagForeground bool
	flagKeytab     string
	flagStandalone bool
	flagPidFile    string
	flagPort       int
	flagStderr     bool
	flagPrincipal  string
	flagVersion    bool
)

func main() {
	root := &cobra.Command{
		Use:           "remctld",
		Short:         "remctl server daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.Flags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")
	root.Flags().StringVarP(&flagConfig, "config", "f", "/etc/remctl.conf", "path to configuration file")
	root.Flags().BoolVarP(&flagForeground, "foreground", "F", false, "run in the foreground")
	root.Flags().StringVarP(&flagKeytab, "keytab", "k", "", "path to server keytab")
	root.Flags().BoolVarP(&flagStandalone, "standalone", "m", false, "run as a standalone listener rather than under inetd")
	root.Flags().StringVarP(&flagPidFile, "pid-file", "P", "", "path to pid file")
	root.Flags().IntVarP(&flagPort, "port", "p", server.DefaultPort, "listen port (standalone mode)")
	root.Flags().BoolVarP(&flagStderr, "stderr", "S", false, "log to stderr instead of syslog")
	root.Flags().StringVarP(&flagPrincipal, "principal", "s", "", "server principal name")
	root.Flags().BoolVarP(&flagVersion, "version", "v", false, "print version and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "remctld:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagVersion {
		fmt.Println("remctld", version)
		return nil
	}

	if flagKeytab != "" {
		os.Setenv("KRB5_KTNAME", flagKeytab)
	}

	log := server.NewLogger(flagDebug, flagStderr || flagForeground)

	store, err := config.NewStore(flagConfig, log)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	lib, err := gssapi.NewLibrary("kerberos_v5")
	if err != nil {
		return fmt.Errorf("loading GSS-API mechanism: %w", err)
	}
	cred, err := lib.AcquireCredential(flagPrincipal, gssapi.CredUsageAcceptOnly)
	if err != nil {
		return fmt.Errorf("acquiring server credentials: %w", err)
	}
	defer cred.Release()

	sc := &server.Context{
		Lib:     lib,
		Cred:    cred,
		Configs: store,
		Eval:    config.NewFileEvaluator(nil),
		Metrics: metrics.New(),
		Log:     log,
	}

	if flagPidFile != "" {
		if err := os.WriteFile(flagPidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer os.Remove(flagPidFile)
	}

	stop := make(chan struct{})
	go func() {
		if err := store.Watch(stop); err != nil {
			log.Warn("config watch ended", "error", err)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := store.Reload(); err != nil {
				log.Warn("SIGHUP reload failed", "error", err)
			}
		}
	}()

	if !flagStandalone {
		// Inetd mode: stdin is the accepted connection.
		nc, err := net.FileConn(os.NewFile(0, "stdin"))
		if err != nil {
			return fmt.Errorf("inetd mode: adopting stdin: %w", err)
		}
		sc.HandleConnection(nc)
		close(stop)
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", flagPort))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", flagPort, err)
	}
	defer ln.Close()

	metricsAddr := fmt.Sprintf(":%d", flagPort+metricsPortOffset)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", sc.Metrics.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics listener stopped", "error", err)
		}
	}()
	defer metricsSrv.Close()

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-term
		close(stop)
		ln.Close()
	}()

	log.Info("remctld listening", "port", flagPort)
	if err := sc.Serve(ln); err != nil {
		select {
		case <-stop:
			return nil
		default:
			return fmt.Errorf("serving: %w", err)
		}
	}
	return nil
}
