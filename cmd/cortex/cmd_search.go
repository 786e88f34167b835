package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cortexmemory/cortex/internal/search"
)

var (
	searchLimit    int
	searchFactType string
	searchTags     []string
	searchAsOf     string
)

var searchCmd = &cobra.Command{
	Use:   "search <project> <query>",
	Short: "Run a hybrid semantic plus lexical search",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		q := search.Query{
			Text:     args[1],
			Project:  args[0],
			TopK:     searchLimit,
			FactType: searchFactType,
			Tags:     searchTags,
		}
		if searchAsOf != "" {
			q.AsOf = &searchAsOf
		}

		results, err := engine.Search(context.Background(), q)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%d\t%.4f\t%.3f\t%s\n", r.FactID, r.Score, r.ConsensusScore, r.Content)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "maximum results")
	searchCmd.Flags().StringVar(&searchFactType, "type", "", "filter by fact type")
	searchCmd.Flags().StringSliceVar(&searchTags, "tags", nil, "filter by tags")
	searchCmd.Flags().StringVar(&searchAsOf, "as-of", "", "restrict to facts valid at this RFC3339 timestamp")
}
