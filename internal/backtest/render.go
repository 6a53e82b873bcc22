package backtest

import (
	"fmt"
	"strings"
)

// RenderEquityCurve draws the equity curve as an ASCII chart for
// terminal output.
func RenderEquityCurve(result *Result, width, height int) string {
	if len(result.EquityCurve) == 0 {
		return "No equity data to display"
	}

	minEquity := result.EquityCurve[0].Equity
	maxEquity := result.EquityCurve[0].Equity
	for _, point := range result.EquityCurve {
		if point.Equity < minEquity {
			minEquity = point.Equity
		}
		if point.Equity > maxEquity {
			maxEquity = point.Equity
		}
	}

	equityRange := maxEquity - minEquity
	if equityRange == 0 {
		equityRange = 1
	}
	minEquity -= equityRange * 0.05
	maxEquity += equityRange * 0.05
	equityRange = maxEquity - minEquity

	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = make([]rune, width)
		for j := range grid[i] {
			grid[i][j] = ' '
		}
	}

	step := len(result.EquityCurve) / width
	if step == 0 {
		step = 1
	}

	for x := 0; x < width && x*step < len(result.EquityCurve); x++ {
		point := result.EquityCurve[x*step]
		y := int((point.Equity - minEquity) / equityRange * float64(height-1))
		if y >= 0 && y < height {
			grid[height-1-y][x] = '█'
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Intraday P&L (%.0f to %.0f INR)\n", minEquity, maxEquity))
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	for _, row := range grid {
		sb.WriteRune('│')
		sb.WriteString(string(row))
		sb.WriteRune('│')
		sb.WriteRune('\n')
	}
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	return sb.String()
}
