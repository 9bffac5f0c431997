package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryfi/titan-core/internal/policy"
)

// newPolicyCmd builds the "policy" command tree: offline inspection of
// a Risk Policy file without starting the core process.
func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect a risk policy file",
	}
	cmd.AddCommand(newPolicyHashCmd())
	return cmd
}

func newPolicyHashCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the canonical hash of a policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := policy.Load(path)
			if err != nil {
				return fmt.Errorf("loading policy: %w", err)
			}
			fmt.Println(resolved.Hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "./policy.json", "path to the policy JSON file")
	return cmd
}
