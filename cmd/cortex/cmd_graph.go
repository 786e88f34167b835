package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var subgraphLimit int

var entityCmd = &cobra.Command{
	Use:   "entity <project> <name>",
	Short: "Look up a single graph entity by name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		e, err := engine.Entity(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		if e == nil {
			fmt.Println("entity not found")
			return nil
		}
		fmt.Printf("%d\t%s\t%s\tmentions=%d\tfirst_seen=%s\tlast_seen=%s\n",
			e.ID, e.Name, e.Type, e.MentionCount, e.FirstSeen, e.LastSeen)
		return nil
	},
}

var subgraphCmd = &cobra.Command{
	Use:   "subgraph <project>",
	Short: "List the most-mentioned entities and relations in a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		sg, err := engine.Subgraph(context.Background(), args[0], subgraphLimit)
		if err != nil {
			return err
		}
		for _, e := range sg.Entities {
			fmt.Printf("entity\t%d\t%s\t%s\tmentions=%d\n", e.ID, e.Name, e.Type, e.MentionCount)
		}
		for _, r := range sg.Edges {
			fmt.Printf("edge\t%d -> %d\t%s\tweight=%.2f\n", r.SourceID, r.TargetID, r.Type, r.Weight)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(entityCmd, subgraphCmd)
	subgraphCmd.Flags().IntVar(&subgraphLimit, "limit", 50, "maximum entities to return")
}
