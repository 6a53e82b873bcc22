package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/broker"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

// SmartAPI throttles the historical endpoint hard; space requests out.
const historicalRequestGap = 350 * time.Millisecond

// addDataCommands adds historical data management commands.
func addDataCommands(rootCmd *cobra.Command, app *App) {
	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Historical candle data management",
	}

	var dateStr string
	var window int

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download a session's candles for backtesting",
		Long: `Downloads spot and option candles for one session into the local
store. The strike window around that day's opening spot level covers
everything the strategy could trade, including roll targets.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			if dateStr == "" {
				return fmt.Errorf("no date given, use --date YYYY-MM-DD")
			}
			date, err := time.ParseInLocation("2006-01-02", dateStr, utils.IST)
			if err != nil {
				return fmt.Errorf("parsing date %q: %w", dateStr, err)
			}
			if !utils.IsTradingDay(date) {
				return fmt.Errorf("%s is not a trading day", dateStr)
			}

			angel := app.Angel()
			if !angel.IsAuthenticated() {
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

			index := models.Index(app.Config.Trading.Index)
			interval := app.Config.Backtest.BarInterval
			if interval == "" {
				interval = "ONE_MINUTE"
			}
			from := utils.MarketOpen(date)
			to := utils.MarketClose(date)

			spotToken, spotExchange, err := broker.SpotInstrument(index)
			if err != nil {
				return err
			}

			spotCandles, err := angel.GetCandles(ctx, broker.HistoricalRequest{
				Exchange: spotExchange,
				Token:    spotToken,
				Interval: interval,
				From:     from,
				To:       to,
			})
			if err != nil {
				return fmt.Errorf("fetching spot candles: %w", err)
			}
			if len(spotCandles) == 0 {
				return fmt.Errorf("no spot candles returned for %s", dateStr)
			}
			if err := dataStore.SaveCandles(ctx, spotToken, interval, spotCandles); err != nil {
				return err
			}
			output.Info("Saved %d spot candles for %s", len(spotCandles), index)

			expiry, err := catalog.NextExpiry(index, date, int(app.Config.Strategy.MinDaysToExpiry))
			if err != nil {
				return err
			}

			step := index.StrikeStep()
			spot := spotCandles[0].Close
			low := int(spot) - window*step
			high := int(spot) + window*step

			saved := 0
			skipped := 0
			for _, strike := range catalog.Strikes(index, expiry) {
				if strike < low || strike > high {
					continue
				}
				for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
					contract, err := catalog.FindOption(index, expiry, strike, typ)
					if err != nil {
						continue
					}

					time.Sleep(historicalRequestGap)
					candles, err := angel.GetCandles(ctx, broker.HistoricalRequest{
						Exchange: contract.Exchange,
						Token:    contract.Token,
						Interval: interval,
						From:     from,
						To:       to,
					})
					if err != nil {
						output.Warning("Fetch failed for %s: %v", contract.Symbol, err)
						skipped++
						continue
					}
					if len(candles) == 0 {
						skipped++
						continue
					}
					if err := dataStore.SaveCandles(ctx, contract.Token, interval, candles); err != nil {
						return err
					}
					saved++
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"date":      dateStr,
					"expiry":    broker.FormatExpiry(expiry),
					"contracts": saved,
					"skipped":   skipped,
				})
			}
			output.Success("Saved candles for %d contracts (expiry %s), %d skipped", saved, broker.FormatExpiry(expiry), skipped)
			return nil
		},
	}

	fetchCmd.Flags().StringVar(&dateStr, "date", "", "session date (YYYY-MM-DD)")
	fetchCmd.Flags().IntVar(&window, "window", 30, "strike steps either side of opening spot")
	dataCmd.AddCommand(fetchCmd)

	rootCmd.AddCommand(dataCmd)
}
