package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
)

// addAuthCommands adds SmartAPI session commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Angel One SmartAPI authentication",
		Long:  "Manage the SmartAPI session. Sessions are cached and reused within the trading day.",
	}

	authCmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Log in with the configured credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			creds := app.Config.Credentials.Angel
			if creds.APIKey == "" || creds.ClientID == "" {
				return fmt.Errorf("credentials not configured, edit %s/credentials.toml", config.DefaultConfigDir())
			}

			if err := app.Angel().Login(cmd.Context()); err != nil {
				output.Error("Login failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"authenticated": true, "client_id": creds.ClientID})
			}
			output.Success("Logged in as %s", creds.ClientID)
			return nil
		},
	})

	authCmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Terminate the session and clear cached tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Angel().Logout(cmd.Context()); err != nil {
				output.Warning("Logout call failed: %v", err)
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"authenticated": false})
			}
			output.Success("Logged out")
			return nil
		},
	})

	authCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			authenticated := app.Angel().IsAuthenticated()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"authenticated": authenticated,
					"client_id":     app.Config.Credentials.Angel.ClientID,
				})
			}
			if authenticated {
				output.Success("Session active for %s", app.Config.Credentials.Angel.ClientID)
			} else {
				output.Warning("No active session, run 'angel-quant auth login'")
			}
			return nil
		},
	})

	rootCmd.AddCommand(authCmd)
}
