// SPDX-License-Identifier: Apache-2.0

// Command remctl is the remctl client: it connects to a remote remctld,
// submits one command, streams its output, and exits with the remote
// command's status.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/golang-auth/go-remctl/client"
	"github.com/golang-auth/go-remctl/gssapi"
	_ "github.com/golang-auth/go-remctl/gssapi/krb5"
	"github.com/golang-auth/go-remctl/wire/protocol"
)

var version = "dev"

var (
	flagDebug     bool
	flagPort      int
	flagPrincipal string
	flagVersion   bool
)

func main() {
	root := &cobra.Command{
		Use:           "remctl <host> <command> [args...]",
		Short:         "remctl client",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	root.Flags().IntVarP(&flagPort, "port", "p", 0, "remote port (0: try default then legacy)")
	root.Flags().StringVarP(&flagPrincipal, "service", "s", "", "server principal name")
	root.Flags().BoolVarP(&flagVersion, "version", "v", false, "print version and exit")

	os.Exit(runMain(root))
}

// runMain drives cobra's Execute and reconciles it with the remote
// command's exit status, which RunE can't return directly.
func runMain(root *cobra.Command) int {
	exitCode := 0
	root.RunE = func(cmd *cobra.Command, args []string) error {
		code, err := run(cmd, args)
		exitCode = code
		return err
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "remctl:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

func run(cmd *cobra.Command, args []string) (int, error) {
	if flagVersion {
		fmt.Println("remctl", version)
		return 0, nil
	}

	host := args[0]
	command := args[1:]

	argv := make([][]byte, len(command))
	for i, a := range command {
		argv[i] = []byte(a)
	}

	lib, err := gssapi.NewLibrary("kerberos_v5")
	if err != nil {
		return 1, fmt.Errorf("loading GSS-API mechanism: %w", err)
	}

	conn := client.New(lib, host, flagPort, flagPrincipal)
	if err := conn.Open(); err != nil {
		return 1, fmt.Errorf("connecting to %s: %w", host, err)
	}
	defer conn.Close()

	if err := conn.Command(false, argv); err != nil {
		return 1, fmt.Errorf("sending command: %w", err)
	}

	for {
		res, err := conn.Output()
		if err != nil {
			return 1, fmt.Errorf("reading output: %w", err)
		}
		switch res.Kind {
		case client.OutputData:
			w := os.Stdout
			if res.Stream == protocol.StreamStderr {
				w = os.Stderr
			}
			w.Write(res.Data)
		case client.OutputStatus:
			return int(res.Status), nil
		case client.OutputError:
			fmt.Fprintln(os.Stderr, res.ErrText)
			return 255, nil
		case client.OutputDone:
			return 0, nil
		}
	}
}
