package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	registerAgentType string
	registerPublicKey string
	registerTenant    string
)

var registerAgentCmd = &cobra.Command{
	Use:   "register-agent <name>",
	Short: "Register a new consensus-voting agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		id, err := engine.RegisterAgent(context.Background(), args[0], registerAgentType, registerPublicKey, registerTenant)
		if err != nil {
			return err
		}
		fmt.Printf("registered agent %s\n", id)
		return nil
	},
}

var voteCmd = &cobra.Command{
	Use:   "vote <project> <fact-id> <agent-id> <value>",
	Short: "Cast a reputation-weighted vote on a fact (value: -1, 0, or 1)",
	Args:  cobra.ExactArgs(4),
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
		value, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid vote value %q: %w", args[3], err)
		}

		score, err := engine.Vote(context.Background(), factID, args[2], value, "", args[0])
		if err != nil {
			return err
		}
		fmt.Printf("consensus_score=%.3f\n", score)
		return nil
	},
}

var trustCmd = &cobra.Command{
	Use:   "trust <source-agent> <target-agent> <weight>",
	Short: "Set a directed trust edge between two agents",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		weight, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid weight %q: %w", args[2], err)
		}

		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.SetTrust(context.Background(), args[0], args[1], weight); err != nil {
			return err
		}
		fmt.Println("trust edge set")
		return nil
	},
}

var recomputeScoresCmd = &cobra.Command{
	Use:   "recompute-scores",
	Short: "Re-derive every voted fact's consensus score from current agent reputations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		processed, err := engine.RecomputeAllScores(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("recomputed %d facts\n", processed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerAgentCmd, voteCmd, trustCmd, recomputeScoresCmd)

	registerAgentCmd.Flags().StringVar(&registerAgentType, "type", "ai", "agent type (ai, human, oracle, system, legacy)")
	registerAgentCmd.Flags().StringVar(&registerPublicKey, "public-key", "", "agent public key, if signing votes")
	registerAgentCmd.Flags().StringVar(&registerTenant, "tenant", "default", "tenant namespace")
}
