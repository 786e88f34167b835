package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show schema version, row counts, cache occupancy, and circuit state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		s, err := engine.Stats(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("schema_version=%d\n", s.SchemaVersion)
		fmt.Printf("facts=%d\n", s.FactCount)
		fmt.Printf("ledger_entries=%d\n", s.LedgerEntries)
		fmt.Printf("checkpoints=%d\n", s.CheckpointCount)
		fmt.Printf("cache_entries=%d\n", s.CacheEntries)
		fmt.Printf("circuit_state=%s\n", s.CircuitState)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
