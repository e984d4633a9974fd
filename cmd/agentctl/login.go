package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/agent-market/agent-market/internal/sigauth"
)

type challengeResponse struct {
	Challenge string `json:"challenge"`
	Message   string `json:"message"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to a server with a keystore and print the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			key, err := loadKey(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c := &apiClient{base: strings.TrimRight(server, "/"), http: &http.Client{}}

			addr := crypto.PubkeyToAddress(key.PublicKey)
			var ch challengeResponse
			if err := c.post(ctx, "/api/v1/auth/challenge", map[string]string{"address": addr.Hex()}, &ch); err != nil {
				return err
			}
			sig, err := sigauth.Sign(key, sigauth.MessageDigest(ch.Message))
			if err != nil {
				return err
			}
			var lr loginResponse
			if err := c.post(ctx, "/api/v1/auth/login", map[string]string{
				"challenge": ch.Challenge,
				"signature": sig.Hex(),
			}, &lr); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), lr.Token)
			return nil
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "server base URL")
	cmd.Flags().String("key", "", "keystore file")
	cmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
	return cmd
}

type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s: %s", path, apiErr.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
