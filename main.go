package main

import (
	"os"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
