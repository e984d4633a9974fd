package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/agent-market/agent-market/internal/keystore"
	"github.com/agent-market/agent-market/internal/sigauth"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new account key and write it encrypted to --out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			pass, err := passphrase(cmd)
			if err != nil {
				return err
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			f, err := keystore.Save(out, key, pass)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s %s\n", label("address:"), f.Address.Hex(), label("keystore:"), out)
			return nil
		},
	}
	cmd.Flags().String("out", "", "path of the keystore file to create")
	return cmd
}

func newAddressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the account address of a keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("key")
			if path == "" {
				return fmt.Errorf("--key is required")
			}
			// The address is stored in clear, no passphrase needed.
			f, err := keystore.Read(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), f.Address.Hex())
			return nil
		},
	}
	cmd.Flags().String("key", "", "keystore file")
	return cmd
}

func newSignJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign-job <job-address>",
		Short: "Sign the completion authorization for a job as its consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			key, err := loadKey(cmd)
			if err != nil {
				return err
			}
			sig, err := sigauth.SignJobInvocation(key, job)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig.Hex())
			return nil
		},
	}
	cmd.Flags().String("key", "", "consumer keystore file")
	return cmd
}

func newVerifyJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-job <job-address> <signature> <consumer-address>",
		Short: "Check that a signature authorizes completion of a job by its consumer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			sig, err := sigauth.ParseHex(args[1])
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}
			consumer, err := parseAddress(args[2])
			if err != nil {
				return err
			}
			if !sigauth.VerifyJobInvocation(sigauth.ECDSARecoverer{}, job, sig, consumer) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s signature was not made by %s\n", failMark("invalid:"), consumer.Hex())
				return fmt.Errorf("signature does not authorize job %s", job.Hex())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s signed by %s\n", okMark("valid:"), consumer.Hex())
			return nil
		},
	}
}

func newSignMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign-message <text>",
		Short: "Sign an arbitrary text as a personal message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey(cmd)
			if err != nil {
				return err
			}
			sig, err := sigauth.Sign(key, sigauth.MessageDigest(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig.Hex())
			return nil
		},
	}
	cmd.Flags().String("key", "", "keystore file")
	return cmd
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
