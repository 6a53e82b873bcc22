package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/broker"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/engine"
)

// addRunCommand adds the live trading command.
func addRunCommand(rootCmd *cobra.Command, app *App) {
	var paper bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live trading engine",
		Long: `Connects to the SmartAPI tick stream and runs the Iron Condor loop
until interrupted or the end-of-day exit completes.

With --paper, orders go to a simulated broker filled from the live
feed instead of the exchange. The feed still requires a session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			angel := app.Angel()
			if !angel.IsAuthenticated() {
				output.Info("No cached session, logging in")
				if err := angel.Login(ctx); err != nil {
					return err
				}
			}

			catalog, err := app.Catalog(ctx)
			if err != nil {
				return err
			}

			dataStore, err := app.Store()
			if err != nil {
				return err
			}
			defer app.Close()

			jwt, apiKey, clientID, feedToken := angel.FeedCredentials()
			ticker := broker.NewAngelTicker(broker.AngelTickerConfig{
				JWTToken:      jwt,
				APIKey:        apiKey,
				ClientID:      clientID,
				FeedToken:     feedToken,
				MaxReconnects: app.Config.Feed.MaxReconnects,
				BaseDelay:     app.Config.Feed.ReconnectBase,
				Heartbeat:     app.Config.Feed.HeartbeatEvery,
				Logger:        app.Logger,
			})

			opts := engine.Options{
				Config:  app.Config,
				Broker:  angel,
				Ticker:  ticker,
				Catalog: catalog,
				Store:   dataStore,
				Logger:  app.Logger,
			}
			if paper {
				opts.Broker = broker.NewSimBroker(broker.SimBrokerConfig{
					Slippage: app.Config.Execution.Slippage,
				})
				output.Warning("Paper mode: orders are simulated, fills come from the live feed")
			}

			eng, err := engine.New(opts)
			if err != nil {
				return err
			}

			output.Info("Trading %s, press Ctrl-C to stop", app.Config.Trading.Index)
			if err := eng.Run(ctx); err != nil {
				output.Error("Engine stopped: %v", err)
				return err
			}
			output.Success("Engine stopped cleanly")
			return nil
		},
	}

	runCmd.Flags().BoolVar(&paper, "paper", false, "simulate orders against the live feed")
	rootCmd.AddCommand(runCmd)
}
