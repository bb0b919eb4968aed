// Command agentkerneldemo drives the iteration kernel end-to-end against a
// YAML-scripted scenario instead of a live model, so the checkpoint/branch
// machinery can be exercised and inspected from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arclight/agentcore/internal/agent"
	"github.com/arclight/agentcore/internal/agent/testkit"
	"github.com/arclight/agentcore/internal/checkpoint"
	"github.com/arclight/agentcore/pkg/models"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentkerneldemo",
		Short:        "Drive the agent kernel against a scripted scenario",
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	var (
		scenarioPath string
		threadID     string
		schedule     string
		message      string
		forkBranch   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scripted scenario through a checkpointed thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := testkit.LoadScenario(scenarioPath)
			if err != nil {
				return err
			}
			scripted, err := sc.Build(time.Now())
			if err != nil {
				return fmt.Errorf("build scenario: %w", err)
			}

			registry := agent.NewToolRegistry(nil)
			for _, name := range scripted.ToolNames() {
				registry.Register(&models.ToolDescriptor{Name: name}, scripted.ToolHandler(name))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			sink := agent.NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
				_ = enc.Encode(e)
			})
			coord := agent.NewCoordinator("agentkerneldemo", threadID, sink)
			kernel := agent.NewKernel(scripted.Backend, registry, coord, nil, agent.DefaultLoopConfig())

			sched, err := parseSchedule(schedule)
			if err != nil {
				return err
			}

			engine := checkpoint.NewEngine(checkpoint.NewMemoryStore(), "agentkerneldemo")
			thread := agent.NewThread(kernel, engine, threadID, sc.Name, sched)

			ctx := context.Background()
			final, err := thread.Run(ctx, models.NewTextMessage(models.RoleUser, message))
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			checkpoints, err := thread.ListCheckpoints(ctx, 0)
			if err != nil {
				return fmt.Errorf("list checkpoints: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "terminated=%v iterations=%d checkpoints=%d\n",
				final.IsTerminated, final.Iteration, len(checkpoints))

			if forkBranch != "" && len(checkpoints) > 0 {
				root := checkpoints[len(checkpoints)-1].CheckpointID
				if _, err := thread.Fork(ctx, root, forkBranch); err != nil {
					return fmt.Errorf("fork: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forked branch %q from checkpoint %s\n", forkBranch, root)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "path to a YAML scenario file (required)")
	cmd.Flags().StringVar(&threadID, "thread", "demo-thread", "thread id to run under")
	cmd.Flags().StringVar(&schedule, "schedule", "per-iteration", "commit schedule: never|per-turn|per-iteration|full-history")
	cmd.Flags().StringVar(&message, "message", "hello", "initial user message")
	cmd.Flags().StringVar(&forkBranch, "fork", "", "if set, fork a new branch with this name from the final checkpoint")
	_ = cmd.MarkFlagRequired("scenario")

	return cmd
}

func parseSchedule(s string) (models.CommitSchedule, error) {
	switch s {
	case "never":
		return models.CommitNever, nil
	case "per-turn":
		return models.CommitPerTurn, nil
	case "per-iteration":
		return models.CommitPerIteration, nil
	case "full-history":
		return models.CommitFullHistory, nil
	default:
		return "", fmt.Errorf("unknown commit schedule %q", s)
	}
}
