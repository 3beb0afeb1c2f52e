package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"market-scanner/internal/auth"
	"market-scanner/pkg/utils"
)

// addAuthCommands adds authentication commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))

	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Schwab credential management",
	}
	authCmd.AddCommand(newAuthStatusCmd(app))
	authCmd.AddCommand(newAuthRefreshCmd(app))
	rootCmd.AddCommand(authCmd)
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize the Schwab app",
		Long: `Run the Schwab OAuth authorization-code flow.

The authorize URL is printed (and opened in a browser unless --no-browser is
given). After logging in, Schwab redirects to the app's callback URL, which
usually fails to load; paste that full URL back here. The resulting refresh
token is valid for seven days and is stored in the database.`,
		Example: `  scanner login
  scanner login --no-browser`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			tokens, err := app.TokenManager(ctx)
			if err != nil {
				output.Error("Login unavailable: %v", err)
				return err
			}

			noBrowser, _ := cmd.Flags().GetBool("no-browser")
			prompt := auth.TerminalPrompter(os.Stdin, cmd.OutOrStdout(), !noBrowser)

			if _, err := tokens.Authenticate(ctx, prompt); err != nil {
				output.Error("Login failed: %v", err)
				return err
			}

			output.Success("✓ Login successful!")
			return showAuthStatus(output, tokens.Status())
		},
	}

	cmd.Flags().Bool("no-browser", false, "print the authorize URL without opening a browser")

	return cmd
}

func newAuthStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the credential chain state",
		Long:  "Display the stored Schwab credential and when its tokens expire.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			tokens, err := app.TokenManager(ctx)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			return showAuthStatus(output, tokens.Status())
		},
	}
}

func newAuthRefreshCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token now",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			tokens, err := app.TokenManager(ctx)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if _, err := tokens.ForceRefresh(ctx); err != nil {
				output.Error("Refresh failed: %v", err)
				output.Info("Run 'scanner login' to re-authorize")
				return err
			}

			if !output.IsJSON() {
				output.Success("✓ Access token refreshed")
			}
			return showAuthStatus(output, tokens.Status())
		},
	}
}

func showAuthStatus(output *Output, st auth.Status) error {
	if output.IsJSON() {
		return output.JSON(st)
	}

	output.Println()
	output.Bold("Schwab Credential")
	output.Printf("  State:           %s\n", output.AuthState(st.State))
	if st.State == auth.StateUnauthenticated {
		output.Println()
		output.Info("Run 'scanner login' to authorize")
		return nil
	}

	output.Printf("  Issued:          %s\n", FormatDateTime(st.IssuedAt))
	output.Printf("  Access token:    %s\n", expiryLine(st.AccessExpiresAt, st.AccessRemaining))
	output.Printf("  Refresh token:   %s\n", expiryLine(st.RefreshExpiresAt, st.RefreshRemaining))

	if st.State == auth.StateRefreshExpired {
		output.Println()
		output.Warning("Refresh token expired, run 'scanner login'")
	}
	return nil
}

func expiryLine(at time.Time, remaining time.Duration) string {
	if remaining <= 0 {
		return fmt.Sprintf("%s (expired)", FormatDateTime(at))
	}
	return fmt.Sprintf("%s (%s remaining)", FormatDateTime(at), utils.FormatDuration(remaining))
}
