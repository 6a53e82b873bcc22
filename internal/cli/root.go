package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/broker"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/logging"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/store"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds lazily constructed application dependencies shared across
// commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	angel   *broker.AngelBroker
	catalog *broker.ContractCatalog
	store   store.DataStore
}

// Angel returns the SmartAPI broker, constructing it on first use.
func (a *App) Angel() *broker.AngelBroker {
	if a.angel == nil {
		a.angel = broker.NewAngelBroker(broker.AngelConfig{
			APIKey:     a.Config.Credentials.Angel.APIKey,
			ClientID:   a.Config.Credentials.Angel.ClientID,
			Password:   a.Config.Credentials.Angel.Password,
			TOTPSecret: a.Config.Credentials.Angel.TOTPSecret,
			Logger:     a.Logger,
		})
	}
	return a.angel
}

// Catalog returns the scrip master catalog, loading it on first use.
func (a *App) Catalog(ctx context.Context) (*broker.ContractCatalog, error) {
	if a.catalog == nil {
		catalog := broker.NewContractCatalog("", a.Logger)
		if err := catalog.Load(ctx); err != nil {
			return nil, fmt.Errorf("loading scrip master: %w", err)
		}
		a.catalog = catalog
	}
	return a.catalog, nil
}

// Store returns the SQLite store, opening it on first use.
func (a *App) Store() (store.DataStore, error) {
	if a.store == nil {
		dbPath := filepath.Join(config.DefaultConfigDir(), "angel-quant.db")
		dataStore, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		a.store = dataStore
	}
	return a.store, nil
}

// Close releases any opened resources.
func (a *App) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "angel-quant",
		Short: "Automated Iron Condor trading for NIFTY and SENSEX options",
		Long: `angel-quant trades defined-risk Iron Condors on Indian index options
through the Angel One SmartAPI.

It streams live ticks over WebSocket, maintains an option chain with
Greeks, and runs a rule-based entry, adjustment and exit loop under
hard risk limits. The same strategy code can be replayed against
recorded candles in backtest mode.

Use 'angel-quant help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/angel-quant)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addAuthCommands(rootCmd, app)
	addRunCommand(rootCmd, app)
	addBacktestCommands(rootCmd, app)
	addDataCommands(rootCmd, app)
	addMarketCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
			} else {
				output.Printf("angel-quant v%s\n", Version)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:        %s\n", cfg.Trading.Mode)
	output.Printf("  Index:       %s\n", cfg.Trading.Index)
	output.Printf("  Lots:        %d\n", cfg.Trading.Lots)
	if cfg.Trading.Expiry != "" {
		output.Printf("  Expiry:      %s\n", cfg.Trading.Expiry)
	} else {
		output.Printf("  Expiry:      auto (next weekly)\n")
	}
	output.Println()

	output.Bold("Strategy")
	output.Printf("  Strike mode: %s\n", cfg.Strategy.StrikeMode)
	output.Printf("  Wing width:  %d steps\n", cfg.Strategy.WingWidthSteps)
	output.Printf("  Entry:       %s to %s IST\n", cfg.Strategy.EntryAfter, cfg.Strategy.EntryBefore)
	output.Printf("  EOD exit:    %s IST\n", cfg.Strategy.EODExit)
	output.Printf("  VWAP filter: %v\n", cfg.Strategy.UseVWAPFilter)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Max loss/position: %.0f\n", cfg.Risk.MaxLossPerPosition)
	output.Printf("  Stop loss:         %.0f%% of max loss\n", cfg.Risk.StopLossPct*100)
	output.Printf("  Hedge trigger:     %.2f delta\n", cfg.Risk.HedgeTriggerDelta)
	output.Printf("  Max positions:     %d\n", cfg.Risk.MaxPositions)
}
