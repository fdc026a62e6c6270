package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kline-recorder/config"
	sqlitestore "kline-recorder/internal/store/sqlite"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print stored records as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		store, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.Store.Path, Driver: cfg.Store.Driver})
		if err != nil {
			return err
		}
		defer store.Close()

		var from int64
		if since > 0 {
			from = time.Now().Add(-since).Unix()
		}
		recs, err := store.RecordsSince(cmd.Context(), from, limit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	dumpCmd.Flags().Duration("since", 0, "only records opened within this window (e.g. 24h); 0 = all")
	dumpCmd.Flags().Int("limit", 0, "maximum records to print; 0 = no limit")
}
