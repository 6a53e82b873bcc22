package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/broker"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/store"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

// addMarketCommands adds chain inspection and position history commands.
func addMarketCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newChainCmd(app))
	rootCmd.AddCommand(newExpiriesCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
}

func newChainCmd(app *App) *cobra.Command {
	var expiryStr string
	var window int

	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Show the option chain around spot",
		Long: `Lists listed contracts for the configured index around the current
spot level. Requires a session for the spot quote.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			index := models.Index(app.Config.Trading.Index)
			catalog, err := app.Catalog(ctx)
			if err != nil {
				return err
			}

			var expiry time.Time
			if expiryStr != "" {
				expiry, err = broker.ParseExpiry(expiryStr)
				if err != nil {
					return fmt.Errorf("parsing expiry %q: %w", expiryStr, err)
				}
			} else {
				expiry, err = catalog.NextExpiry(index, time.Now(), 0)
				if err != nil {
					return err
				}
			}

			angel := app.Angel()
			if !angel.IsAuthenticated() {
				if err := angel.Login(ctx); err != nil {
					return err
				}
			}

			spotToken, spotExchange, err := broker.SpotInstrument(index)
			if err != nil {
				return err
			}
			spot, err := angel.GetLTP(ctx, spotExchange, string(index), spotToken)
			if err != nil {
				return fmt.Errorf("fetching spot quote: %w", err)
			}

			step := index.StrikeStep()
			low := int(spot) - window*step
			high := int(spot) + window*step

			type chainRow struct {
				Strike int    `json:"strike"`
				Call   string `json:"call"`
				Put    string `json:"put"`
				Lots   int    `json:"lot_size"`
			}
			var rows []chainRow
			for _, strike := range catalog.Strikes(index, expiry) {
				if strike < low || strike > high {
					continue
				}
				row := chainRow{Strike: strike}
				if c, err := catalog.FindOption(index, expiry, strike, models.OptionCall); err == nil {
					row.Call = c.Symbol
					row.Lots = c.LotSize
				}
				if p, err := catalog.FindOption(index, expiry, strike, models.OptionPut); err == nil {
					row.Put = p.Symbol
				}
				rows = append(rows, row)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"index":  index,
					"spot":   spot,
					"expiry": broker.FormatExpiry(expiry),
					"chain":  rows,
				})
			}

			output.Bold("%s %.2f, expiry %s", index, spot, broker.FormatExpiry(expiry))
			output.Println()
			table := NewTable(output, "STRIKE", "CALL", "PUT", "LOT")
			for _, row := range rows {
				table.AddRow(
					fmt.Sprintf("%d", row.Strike),
					row.Call,
					row.Put,
					fmt.Sprintf("%d", row.Lots),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&expiryStr, "expiry", "", "expiry (e.g. 27NOV2025), default next weekly")
	cmd.Flags().IntVar(&window, "window", 8, "strike steps either side of spot")
	return cmd
}

func newExpiriesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "expiries",
		Short: "List upcoming expiries for the configured index",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			index := models.Index(app.Config.Trading.Index)

			catalog, err := app.Catalog(cmd.Context())
			if err != nil {
				return err
			}

			now := time.Now()
			var upcoming []string
			for _, expiry := range catalog.Expiries(index) {
				if expiry.Before(now) {
					continue
				}
				upcoming = append(upcoming, broker.FormatExpiry(expiry))
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"index": index, "expiries": upcoming})
			}
			output.Bold("%s expiries", index)
			for _, e := range upcoming {
				output.Println("  " + e)
			}
			return nil
		},
	}
}

func newPositionsCmd(app *App) *cobra.Command {
	var limit int
	var stateFilter string

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Show archived positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			dataStore, err := app.Store()
			if err != nil {
				return err
			}
			defer app.Close()

			positions, err := dataStore.GetPositions(cmd.Context(), store.PositionFilter{
				State: models.PositionState(stateFilter),
				Limit: limit,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(positions)
			}

			if len(positions) == 0 {
				output.Warning("No positions recorded")
				return nil
			}

			table := NewTable(output, "ID", "INDEX", "STATE", "ENTRY", "EXIT", "REASON", "P&L")
			for _, pos := range positions {
				entry := "-"
				if !pos.EntryTime.IsZero() {
					entry = pos.EntryTime.In(utils.IST).Format("02 Jan 15:04")
				}
				exit := "-"
				if !pos.ExitTime.IsZero() {
					exit = pos.ExitTime.In(utils.IST).Format("02 Jan 15:04")
				}
				table.AddRow(
					pos.ID,
					string(pos.Index),
					string(pos.State),
					entry,
					exit,
					pos.ExitReason,
					fmt.Sprintf("%.2f", pos.RealizedPnL),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum positions to show")
	cmd.Flags().StringVar(&stateFilter, "state", "", "filter by state (e.g. CLOSED)")
	return cmd
}
