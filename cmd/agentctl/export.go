package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-market/agent-market/internal/export"
)

func newVerifyExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-export <dir>",
		Short: "Verify the checksums and signature of a downloaded export bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pubkey string
			if path, _ := cmd.Flags().GetString("pubkey"); path != "" {
				data, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the operator
				if err != nil {
					return fmt.Errorf("failed to read public key: %w", err)
				}
				pubkey = string(data)
			}

			names, err := export.VerifyBundle(os.DirFS(args[0]), pubkey)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", failMark("FAILED"), err)
				return err
			}
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okMark("OK"), name)
			}
			if pubkey == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "signature not checked (no --pubkey)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okMark("signed:"), export.SignatureFile)
			}
			return nil
		},
	}
	cmd.Flags().String("pubkey", "", "armored OpenPGP public key that signed the bundle")
	return cmd
}
