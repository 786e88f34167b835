package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cortexmemory/cortex/internal/facts"
)

var (
	storeFactType string
	storeTags     []string
	storeSource   string

	recallLimit  int
	recallOffset int

	updateContent string
	updateTags    []string
)

var storeCmd = &cobra.Command{
	Use:   "store <project> <content>",
	Short: "Store a fact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		id, err := engine.Store(context.Background(), facts.StoreInput{
			Project:  args[0],
			Content:  args[1],
			FactType: storeFactType,
			Tags:     storeTags,
			Source:   nonEmptyPtr(storeSource),
		})
		if err != nil {
			return err
		}
		fmt.Printf("stored fact %d\n", id)
		return nil
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <project>",
	Short: "List active facts for a project, ranked by consensus and recency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		result, err := engine.Recall(context.Background(), args[0], recallLimit, recallOffset)
		if err != nil {
			return err
		}
		printFacts(result)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <project>",
	Short: "List every fact for a project, including deprecated ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		result, err := engine.History(context.Background(), args[0], nil)
		if err != nil {
			return err
		}
		printFacts(result)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <project> <fact-id>",
	Short: "Revise a fact's content or tags, deprecating the prior version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		factID, err := parseID(args[1])
		if err != nil {
			return err
		}

		in := facts.UpdateInput{Tags: updateTags}
		if updateContent != "" {
			in.Content = &updateContent
		}

		newID, err := engine.Update(context.Background(), factID, in, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("replaced fact %d with %d\n", factID, newID)
		return nil
	},
}

var deprecateCmd = &cobra.Command{
	Use:   "deprecate <project> <fact-id> [reason]",
	Short: "Mark a fact inactive",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		factID, err := parseID(args[1])
		if err != nil {
			return err
		}
		reason := ""
		if len(args) == 3 {
			reason = args[2]
		}

		changed, err := engine.Deprecate(context.Background(), factID, reason, args[0])
		if err != nil {
			return err
		}
		if changed {
			fmt.Printf("deprecated fact %d\n", factID)
		} else {
			fmt.Printf("fact %d was already deprecated\n", factID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(storeCmd, recallCmd, historyCmd, updateCmd, deprecateCmd)

	storeCmd.Flags().StringVar(&storeFactType, "type", "knowledge", "fact type")
	storeCmd.Flags().StringSliceVar(&storeTags, "tags", nil, "comma-separated tags")
	storeCmd.Flags().StringVar(&storeSource, "source", "", "provenance of the fact")

	recallCmd.Flags().IntVar(&recallLimit, "limit", 20, "maximum facts to return")
	recallCmd.Flags().IntVar(&recallOffset, "offset", 0, "pagination offset")

	updateCmd.Flags().StringVar(&updateContent, "content", "", "new content")
	updateCmd.Flags().StringSliceVar(&updateTags, "tags", nil, "new tags")
}

func printFacts(result []facts.Fact) {
	if len(result) == 0 {
		fmt.Println("no facts found")
		return
	}
	for _, f := range result {
		status := "active"
		if !f.Active() {
			status = "deprecated"
		}
		fmt.Printf("%d\t%s\t%.3f\t%s\t%s\n", f.ID, status, f.ConsensusScore, f.FactType, f.Content)
		if len(f.Tags) > 0 {
			fmt.Printf("\ttags: %s\n", strings.Join(f.Tags, ","))
		}
	}
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
