package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-scanner/internal/auth"
	"market-scanner/internal/discovery"
	"market-scanner/internal/resilience"
	"market-scanner/internal/scanner"
	"market-scanner/pkg/utils"
)

// liveSymbol is quoted to check that the primary provider answers.
const liveSymbol = "SPY"

// authHealthCheck maps the credential state onto a health status.
func authHealthCheck(tokens *auth.Manager) resilience.HealthCheck {
	return func(ctx context.Context) resilience.ComponentHealth {
		st := tokens.Status()
		switch {
		case st.State == auth.StateUnauthenticated:
			return resilience.ComponentHealth{Status: resilience.HealthStatusUnhealthy, Message: "No credential, run login"}
		case st.State == auth.StateRefreshExpired:
			return resilience.ComponentHealth{Status: resilience.HealthStatusUnhealthy, Message: "Refresh token expired, run login"}
		case st.RefreshRemaining < scanner.ExpiryWarning:
			return resilience.ComponentHealth{
				Status:  resilience.HealthStatusDegraded,
				Message: fmt.Sprintf("Refresh token expires in %s", utils.FormatDuration(st.RefreshRemaining)),
			}
		default:
			return resilience.ComponentHealth{
				Status:  resilience.HealthStatusHealthy,
				Message: fmt.Sprintf("%s, refresh token valid for %s", st.State, utils.FormatDuration(st.RefreshRemaining)),
			}
		}
	}
}

// newHealthChecker registers the checks that apply to the current config.
// Dependencies are resolved here so the checks never build them concurrently.
func newHealthChecker(ctx context.Context, app *App, live bool, agg *discovery.Aggregator) *resilience.HealthChecker {
	h := resilience.NewHealthChecker(30 * time.Second)

	gw, storeErr := app.OpenStore(ctx)
	h.Register("database", resilience.DatabaseHealthCheck(func(ctx context.Context) error {
		if storeErr != nil {
			return storeErr
		}
		return gw.Ping(ctx)
	}))

	tokens, tokenErr := app.TokenManager(ctx)
	if tokenErr != nil {
		h.Register("schwab_auth", func(context.Context) resilience.ComponentHealth {
			return resilience.ComponentHealth{Status: resilience.HealthStatusUnknown, Message: tokenErr.Error()}
		})
	} else {
		h.Register("schwab_auth", authHealthCheck(tokens))
	}

	if live {
		primary, _, providerErr := app.Providers(ctx)
		h.Register("schwab_quotes", resilience.APIHealthCheck(func(ctx context.Context) error {
			if providerErr != nil {
				return providerErr
			}
			_, err := primary.GetQuote(ctx, liveSymbol)
			return err
		}))
	}

	if agg != nil {
		h.Register("discovery", resilience.BreakerHealthCheck(agg.BreakerStats))
	}
	return h
}

func newHealthCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check database, credential and provider health",
		Example: `  scanner health
  scanner health --live`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			live, _ := cmd.Flags().GetBool("live")

			report := newHealthChecker(cmd.Context(), app, live, nil).CheckAll(cmd.Context())
			if output.IsJSON() {
				if err := output.JSON(report); err != nil {
					return err
				}
			} else {
				showHealth(output, report)
			}

			if report.Status == resilience.HealthStatusUnhealthy {
				return fmt.Errorf("system unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().Bool("live", false, fmt.Sprintf("quote %s to check the primary provider", liveSymbol))

	return cmd
}

func showHealth(output *Output, report resilience.SystemHealth) {
	output.Printf("  Overall:         %s\n", healthText(output, report.Status))
	output.Println()

	table := NewTable(output, "Component", "Status", "Latency", "Message")
	for _, c := range report.Components {
		table.AddRow(c.Name, healthText(output, c.Status), c.Latency.Round(time.Millisecond).String(), TruncateString(c.Message, 70))
	}
	table.Render()
}

func healthText(output *Output, s resilience.HealthStatus) string {
	switch s {
	case resilience.HealthStatusHealthy:
		return output.Green(string(s))
	case resilience.HealthStatusDegraded, resilience.HealthStatusUnknown:
		return output.Yellow(string(s))
	default:
		return output.Red(string(s))
	}
}
