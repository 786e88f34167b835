package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cortexmemory/cortex/internal/coordinator"
	"github.com/cortexmemory/cortex/pkg/config"
)

// Version is set during build.
var Version = "0.1.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:     "cortex",
	Short:   "Local-first verifiable fact store for agent memory",
	Version: Version,
	Long: `cortex stores facts with a tamper-evident ledger and a
reputation-weighted consensus layer, and answers hybrid semantic plus
lexical recall over them.

Examples:
  cortex store p1 "redis caches sessions in memory"
  cortex search p1 "session caching"
  cortex recall p1
  cortex vote p1 <fact-id> <agent-id> 1
  cortex ledger verify`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path (accepted but not read; configuration is loaded from ./config.yaml, ~/.cortex/config.yaml or /etc/cortex/config.yaml)")
}

// openEngine loads configuration and opens an engine with no embedder
// or entity extractor wired in — the core ships no bundled model, so
// semantic indexing and extraction stay disabled until an embedding
// application supplies its own collaborators through the library API.
func openEngine() (*coordinator.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return coordinator.Open(context.Background(), cfg, nil, nil)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
