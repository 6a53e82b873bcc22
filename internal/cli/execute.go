package cli

import (
	"fmt"
	"os"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/logging"
)

// Execute loads configuration, builds the logger and runs the root
// command. It returns the process exit code.
func Execute() int {
	configDir := configDirFromArgs(os.Args[1:])

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := logging.NewLoggerWithConfig(logging.DefaultLogConfig())

	rootCmd := NewRootCmd(cfg, logger)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// configDirFromArgs extracts --config before cobra parses flags, since
// configuration must be loaded to build the command tree.
func configDirFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if len(arg) > len("--config=") && arg[:len("--config=")] == "--config=" {
			return arg[len("--config="):]
		}
	}
	return os.Getenv("ANGEL_QUANT_CONFIG_DIR")
}
