// Command recorder streams closed klines for one symbol, enriches them with
// technical indicators and records them in SQLite.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "recorder",
	Short:         "Binance kline recorder with technical indicators",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to the YAML config file")
	rootCmd.AddCommand(streamCmd, dumpCmd)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	if err := rootCmd.Execute(); err != nil {
		log.Printf("[recorder] %v", err)
		os.Exit(1)
	}
}
