// Command titancore is the execution fabric's single binary: it serves
// the core process (fast-path socket, admin HTTP, allocator, spine) and
// doubles as the operator CLI that signs and sends ARM/DISARM/HALT/
// FLATTEN/SET_POSTURE/APPLY_PRESET commands against a running core.
// Grounded on cmd/cryptorun/main.go's cobra root-command-plus-
// subcommand-files layout.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/foundryfi/titan-core/internal/logx"
)

const (
	appName = "titancore"
	version = "v0.1.0"
)

func main() {
	logx.Init(os.Stderr)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Titan Core execution fabric",
		Version: version,
		Long: `Titan Core is the latency-critical execution fabric sitting between
signal producers and exchange venues: intent lifecycle two-phase commit,
risk gate chain, shadow state reconciliation and the operator command
surface all live in this one binary.`,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newOperatorCmd())
	rootCmd.AddCommand(newPolicyCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("titancore exited with error")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
