package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/output"
)

var apiKeyListColumns = []output.Column{
	{Key: "id", Header: "ID"},
	{Key: "name", Header: "NAME"},
	{Key: "clientId", Header: "CLIENT ID"},
	{Key: "keyPrefix", Header: "PREFIX"},
	{Key: "scopes", Header: "SCOPES"},
	{Key: "createdAt", Header: "CREATED"},
}

func newAPIKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api-keys",
		Short: "Manage M2M API keys for CI/CD and service integrations",
	}

	cmd.AddCommand(newAPIKeysCreateCmd())
	cmd.AddCommand(newAPIKeysListCmd())
	cmd.AddCommand(newAPIKeysGetCmd())
	cmd.AddCommand(newAPIKeysRevokeCmd())

	return cmd
}

func newAPIKeysCreateCmd() *cobra.Command {
	var (
		scopes    []string
		expiresAt string
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new API key",
		Long:  "Create a new API key. The client ID and secret are shown only once; save them immediately.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"name": args[0]}
			if len(scopes) > 0 {
				payload["scopes"] = scopes
			}

			if expiresAt != "" {
				payload["expiresAt"] = expiresAt
			}

			data, err := newAPIClient().Post(cmd.Context(), "/api/api-keys", payload)
			if err != nil {
				return err
			}

			// The secret is one-time-only, so json mode always emits it even
			// under --quiet.
			if resolvedCfg.Output == "json" {
				p := printer()
				p.Quiet = false

				return p.Print(data, nil)
			}

			var created struct {
				Key struct {
					Name string `json:"name"`
				} `json:"key"`
				ClientID        string `json:"clientId"`
				ClientIDAlt     string `json:"client_id"`
				ClientSecret    string `json:"clientSecret"`
				ClientSecretAlt string `json:"client_secret"`
			}

			_ = json.Unmarshal(data, &created)

			keyName := created.Key.Name
			if keyName == "" {
				keyName = args[0]
			}

			clientID := created.ClientID
			if clientID == "" {
				clientID = created.ClientIDAlt
			}

			clientSecret := created.ClientSecret
			if clientSecret == "" {
				clientSecret = created.ClientSecretAlt
			}

			fmt.Fprintf(os.Stderr, "API key created: %s\n\n", keyName)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  Client ID:     %s\n", clientID)
			fmt.Fprintf(out, "  Client Secret: %s\n", clientSecret)

			fmt.Fprintf(os.Stderr, "\nSave these credentials now. The secret cannot be retrieved again.\n")

			return nil
		},
	}

	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "permission scopes (repeatable, defaults to all standard scopes)")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "expiry timestamp (ISO 8601)")

	return cmd
}

func newAPIKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all API keys for your organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/api-keys", nil)
			if err != nil {
				return err
			}

			return printer().Print(data, apiKeyListColumns)
		},
	}
}

func newAPIKeysGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY_ID",
		Short: "Show details for an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient().Get(cmd.Context(), "/api/api-keys/"+args[0], nil)
			if err != nil {
				return err
			}

			return printer().Print(data, nil)
		},
	}
}

func newAPIKeysRevokeCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "revoke KEY_ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm && !confirmPrompt(fmt.Sprintf("Revoke API key %s? This cannot be undone", args[0])) {
				return nil
			}

			if _, err := newAPIClient().Delete(cmd.Context(), "/api/api-keys/"+args[0]); err != nil {
				return err
			}

			if !flagQuiet {
				fmt.Fprintf(os.Stderr, "API key revoked: %s\n", args[0])
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "skip confirmation prompt")

	return cmd
}
