package main

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agent-market/agent-market/internal/keystore"
)

// version can be overridden at build time via:
// go build -ldflags "-X main.version=1.2.3"
var version = "0.1.0"

const defaultPassphraseEnv = "AGM_KEY_PASSPHRASE"

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	label    = color.New(color.FgCyan).SprintFunc()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Agent market account and signing tool",
		Long:          color.CyanString("agentctl") + "\nManage account keys, sign job completions and verify export bundles.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("passphrase-env", defaultPassphraseEnv, "environment variable holding the keystore passphrase")

	root.AddCommand(
		newKeygenCmd(),
		newAddressCmd(),
		newSignJobCmd(),
		newVerifyJobCmd(),
		newSignMessageCmd(),
		newLoginCmd(),
		newVerifyExportCmd(),
	)
	return root
}

// passphrase reads the keystore passphrase from the configured environment
// variable, or from the first line of stdin when it is unset.
func passphrase(cmd *cobra.Command) (string, error) {
	envName, _ := cmd.Flags().GetString("passphrase-env")
	if envName != "" {
		if v := os.Getenv(envName); v != "" {
			return v, nil
		}
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Passphrase: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", keystore.ErrEmptyPassphrase
	}
	return line, nil
}

// loadKey decrypts the keystore named by the --key flag.
func loadKey(cmd *cobra.Command) (*ecdsa.PrivateKey, error) {
	path, _ := cmd.Flags().GetString("key")
	if path == "" {
		return nil, errors.New("--key is required")
	}
	pass, err := passphrase(cmd)
	if err != nil {
		return nil, err
	}
	return keystore.Load(path, pass)
}
