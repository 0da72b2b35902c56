package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/auth"
	"github.com/fluidzero/fz-go/internal/config"
	"github.com/fluidzero/fz-go/internal/credstore"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication",
	}

	cmd.AddCommand(newAuthLoginCmd())
	cmd.AddCommand(newAuthStatusCmd())
	cmd.AddCommand(newAuthLogoutCmd())
	cmd.AddCommand(newAuthTokenCmd())

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate via browser OAuth flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			var spin *spinner.Spinner

			flow := &auth.DeviceFlow{
				ClientID: resolvedCfg.OAuthClientID,
				Logger:   logger,
				Display: func(da auth.DeviceAuthorization) {
					fmt.Fprintf(os.Stderr, "\nYour confirmation code: %s\n\n", da.UserCode)

					if da.VerificationURI != "" {
						fmt.Fprintln(os.Stderr, "Opening browser to confirm...")
						fmt.Fprintf(os.Stderr, "If the browser doesn't open, visit:\n  %s\n\n", da.VerificationURI)

						if err := openBrowser(da.VerificationURI); err != nil {
							logger.Debug("failed to open browser", "error", err.Error())
						}
					}

					if !flagQuiet && isatty.IsTerminal(os.Stderr.Fd()) {
						spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond,
							spinner.WithWriter(os.Stderr))
						spin.Suffix = " Waiting for confirmation..."
						spin.Start()
					} else {
						fmt.Fprintln(os.Stderr, "Waiting for confirmation...")
					}
				},
			}

			tokens, err := flow.Login(cmd.Context())

			if spin != nil {
				spin.Stop()
			}

			if err != nil {
				return &api.ExitError{Code: api.ExitAuthFailure, Message: err.Error()}
			}

			store := credstore.New(config.CredentialsPath())
			mgr := auth.NewManager(resolvedCfg.APIURL, store, logger)

			// WorkOS omits expires_in; fall back to the token's exp claim.
			expiresIn := tokens.ExpiresIn
			if expiresIn == 0 {
				now := time.Now().Unix()
				if exp := auth.ClaimInt64(auth.DecodeClaims(tokens.AccessToken), "exp"); exp > now {
					expiresIn = exp - now
				} else {
					expiresIn = 300
				}
			}

			if err := mgr.SetTokens(tokens.AccessToken, tokens.RefreshToken, expiresIn, resolvedCfg.OAuthClientID); err != nil {
				return fmt.Errorf("saving credentials: %w", err)
			}

			claims := mgr.DecodeClaims()
			fmt.Printf("Authenticated as %s\n", auth.ClaimString(claims, "sub", "unknown"))

			if org := auth.ClaimString(claims, "org_id", ""); org != "" {
				fmt.Printf("Organization: %s\n", org)
			}

			fmt.Printf("Credentials saved to %s\n", config.CredentialsPath())

			return nil
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current authentication status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			mgr := loadedTokenManager()
			if mgr == nil {
				return notAuthenticated()
			}

			claims := mgr.DecodeClaims()

			tokenStatus := "expired"
			if remaining := auth.ClaimInt64(claims, "exp") - time.Now().Unix(); remaining > 0 {
				tokenStatus = fmt.Sprintf("valid (expires in %dm)", remaining/60)
			}

			fmt.Printf("User:        %s\n", auth.ClaimString(claims, "sub", "unknown"))
			fmt.Printf("Org:         %s\n", auth.ClaimString(claims, "org_id", "-"))
			fmt.Printf("Role:        %s\n", auth.ClaimString(claims, "role", "-"))

			if perms := claimStrings(claims, "permissions"); len(perms) > 0 {
				fmt.Printf("Permissions: %s\n", strings.Join(perms, ", "))
			}

			fmt.Printf("Token:       %s\n", tokenStatus)
			fmt.Printf("API:         %s\n", mgr.APIURL())

			return nil
		},
	}
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store := credstore.New(config.CredentialsPath())

			removed, err := store.Delete()
			if err != nil {
				return fmt.Errorf("removing credentials: %w", err)
			}

			if removed {
				fmt.Println("Credentials removed.")
			} else {
				fmt.Println("No credentials found.")
			}

			return nil
		},
	}
}

func newAuthTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print current access token to stdout (pipe-friendly)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr := loadedTokenManager()
			if mgr == nil {
				return notAuthenticated()
			}

			token := mgr.AccessToken(cmd.Context())
			if token == "" {
				return &api.ExitError{
					Code:    api.ExitAuthFailure,
					Message: "Token expired and refresh failed",
					Hint:    "Run `fz auth login`.",
				}
			}

			fmt.Println(token)

			return nil
		},
	}
}

// loadedTokenManager returns a manager backed by the stored credentials, or
// nil when none exist.
func loadedTokenManager() *auth.Manager {
	store := credstore.New(config.CredentialsPath())

	mgr := auth.NewManager(resolvedCfg.APIURL, store, buildLogger())
	if !mgr.LoadFromCredentials() {
		return nil
	}

	return mgr
}

func notAuthenticated() error {
	return &api.ExitError{
		Code:    api.ExitAuthFailure,
		Message: "Not authenticated",
		Hint:    "Run `fz auth login`.",
	}
}

// claimStrings reads a string-array claim.
func claimStrings(claims map[string]any, key string) []string {
	raw, ok := claims[key].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))

	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
