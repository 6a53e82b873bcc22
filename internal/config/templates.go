package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Angel Quant Trading Bot Configuration

[trading]
# Trading mode: "live" or "backtest"
mode = "backtest"
# Index underlying: NIFTY or SENSEX
index = "NIFTY"
# Number of lots per position
lots = 1
# Expiry like "27NOV2025"; leave empty to auto-select the next expiry
expiry = ""
# Annualized risk-free rate used for Greeks
risk_free_rate = 0.065

[risk]
# Maximum loss per position in INR
max_loss_per_position = 4000.0
# Maximum concurrent positions
max_positions = 1
# Stop loss as a fraction of max_loss_per_position
stop_loss_pct = 0.5
# Take profit in INR (0 disables)
take_profit = 0.0
# Short leg delta that triggers a hedge roll
hedge_trigger_delta = 0.30
# Short leg premium stop: exit when LTP >= entry * mult (0 disables)
short_leg_stop_mult = 1.70
# Halt new entries/hedges when no tick for this long
feed_stale_after = "30s"

[strategy]
# Strike selection: "delta" (target delta band) or "offset" (points from spot)
strike_mode = "delta"
short_delta_target = 0.15
short_delta_band = 0.05
# Hedge wing width in strike steps
wing_width_steps = 4
# Offset mode: points beyond rounded spot for short strikes
offset_points = 100
# Minimum IV rank (percentile) to enter
entry_iv_rank_min = 50.0
min_days_to_expiry = 1.0
# Entry window, IST
entry_after = "09:30"
entry_before = "14:00"
# Exit this long before expiry cutoff
exit_before_expiry = "40m"
# Hard end-of-day exit, IST
eod_exit = "14:50"
# Require net credit to cross below its session VWAP before entering
use_vwap_filter = false
# Attempts allowed for rolling a breached leg before forcing an exit
roll_retry_budget = 3
# Strike steps to roll a breached short leg away
roll_steps = 2

[execution]
max_retries = 3
ack_timeout = "10s"
retry_base_wait = "1s"
# Order book polling interval (reconciliation fallback)
poll_interval = "2s"

[feed]
max_reconnects = 5
reconnect_base = "1s"
heartbeat_every = "25s"

[backtest]
# Trading date YYYY-MM-DD
date = ""
bar_interval = "ONE_MINUTE"
# Simulated fill slippage in INR per unit
slippage = 0.05
latency_ticks = 0
`

const credentialsTemplate = `# Angel One SmartAPI Credentials
# Keep this file private (chmod 600).

[angel]
api_key = ""
client_id = ""
password = ""
totp_secret = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	// Credentials are sensitive; restrict permissions.
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}
