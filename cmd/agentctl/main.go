// Command agentctl is the account-side companion to the agent market server:
// it manages encrypted account keys, signs job completions and challenge
// messages, logs in to a server and verifies downloaded export bundles.
package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
