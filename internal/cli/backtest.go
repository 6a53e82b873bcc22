package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/backtest"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

// addBacktestCommands adds the candle replay command.
func addBacktestCommands(rootCmd *cobra.Command, app *App) {
	var dateStr string
	var showCurve bool

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a recorded session through the live strategy",
		Long: `Replays recorded candles through the exact chain, strategy, risk and
execution code the live engine runs, with a simulated broker.

Candles must be recorded first with 'angel-quant data fetch'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			if dateStr == "" {
				dateStr = app.Config.Backtest.Date
			}
			if dateStr == "" {
				return fmt.Errorf("no date given, use --date YYYY-MM-DD")
			}
			date, err := time.ParseInLocation("2006-01-02", dateStr, utils.IST)
			if err != nil {
				return fmt.Errorf("parsing date %q: %w", dateStr, err)
			}

			catalog, err := app.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			dataStore, err := app.Store()
			if err != nil {
				return err
			}
			defer app.Close()

			eng := backtest.New(app.Config, dataStore, catalog, app.Logger)
			result, err := eng.Run(cmd.Context(), date)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(result)
			}

			printBacktestResult(output, result)
			if showCurve {
				output.Println()
				output.Printf("%s", backtest.RenderEquityCurve(result, 70, 12))
			}
			return nil
		},
	}

	backtestCmd.Flags().StringVar(&dateStr, "date", "", "session date (YYYY-MM-DD)")
	backtestCmd.Flags().BoolVar(&showCurve, "curve", false, "draw the intraday P&L curve")
	rootCmd.AddCommand(backtestCmd)
}

func printBacktestResult(output *Output, result *backtest.Result) {
	output.Bold("Backtest %s", result.Date.Format("2006-01-02"))
	output.Println()

	if len(result.Trades) == 0 {
		output.Warning("No trades taken")
		return
	}

	table := NewTable(output, "POSITION", "ENTRY", "EXIT", "REASON", "P&L")
	for _, trade := range result.Trades {
		table.AddRow(
			trade.PositionID,
			trade.EntryTime.In(utils.IST).Format("15:04:05"),
			trade.ExitTime.In(utils.IST).Format("15:04:05"),
			trade.ExitReason,
			fmt.Sprintf("%.2f", trade.PnL),
		)
	}
	table.Render()

	output.Println()
	output.Printf("Trades:       %d (%d won, %d lost)\n", result.TotalTrades, result.WinningTrades, result.LosingTrades)
	output.Printf("Win rate:     %.1f%%\n", result.WinRate)
	output.Printf("Total P&L:    %s\n", output.FormatPnL(result.TotalPnL))
	output.Printf("Max drawdown: %s\n", utils.FormatIndianCurrency(result.MaxDrawdown))
}
