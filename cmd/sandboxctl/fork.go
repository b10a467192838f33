package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"github.com/sandboxfleet/sandboxfleet/internal/orchestration"
)

var forkFlags struct {
	branch        string
	prompt        string
	forks         int
	model         string
	maxConcurrent int
	timeout       int
	budget        float64
	wait          bool
}

var forkCmd = &cobra.Command{
	Use:   "fork <repo_url>",
	Short: "Submit a new sandbox orchestration job",
	Args:  cobra.ExactArgs(1),
	RunE:  runFork,
}

func init() {
	f := forkCmd.Flags()
	f.StringVarP(&forkFlags.branch, "branch", "b", "main", "branch to fork from")
	f.StringVarP(&forkFlags.prompt, "prompt", "p", "", "natural-language prompt for the agent (required)")
	f.IntVarP(&forkFlags.forks, "forks", "f", 1, "number of parallel forks")
	f.StringVarP(&forkFlags.model, "model", "m", "sonnet", "agent model")
	f.IntVar(&forkFlags.maxConcurrent, "max-concurrent", 0, "maximum sandboxes alive at once (defaults to forks)")
	f.IntVarP(&forkFlags.timeout, "timeout", "t", 7200, "per-fork timeout in seconds")
	f.Float64Var(&forkFlags.budget, "budget", 0, "total budget in USD across all forks (0 = unlimited)")
	f.BoolVar(&forkFlags.wait, "wait", true, "block until the job completes and print results")
	_ = forkCmd.MarkFlagRequired("prompt")
}

func runFork(cmd *cobra.Command, args []string) error {
	repoURL := args[0]

	cfg := orchestration.OrchestrationConfig{
		RepoURL:               repoURL,
		Branch:                forkFlags.branch,
		Prompt:                forkFlags.prompt,
		NumForks:              forkFlags.forks,
		Model:                 forkFlags.model,
		MaxConcurrent:         forkFlags.maxConcurrent,
		ForkTimeoutSeconds:    forkFlags.timeout,
		SandboxTimeoutSeconds: 300,
	}
	if forkFlags.budget > 0 {
		budget := forkFlags.budget
		cfg.BudgetLimitUSD = &budget
	}
	cfg = cfg.Normalized()

	c, err := newTemporalClient()
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer c.Close()

	workflowID := fmt.Sprintf("sandboxfleet-%s-%s", sanitizeWorkflowIDPart(repoURL), uuid.NewString())
	run, err := c.ExecuteWorkflow(context.Background(), client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: defaultTaskQueue(),
	}, orchestration.WorkflowNameOrchestrator, cfg)
	if err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}

	fmt.Printf("submitted %s (run %s)\n", run.GetID(), run.GetRunID())

	if !forkFlags.wait {
		return nil
	}

	var result orchestration.OrchestrationResult
	if err := run.Get(context.Background(), &result); err != nil {
		return fmt.Errorf("workflow failed: %w", err)
	}
	printOrchestrationResult(result)
	return nil
}

func sanitizeWorkflowIDPart(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

func printOrchestrationResult(result orchestration.OrchestrationResult) {
	fmt.Println(styleHeader.Render(fmt.Sprintf("job %s", result.WorkflowID)))
	fmt.Printf("%-6s  %-16s  %-36s  %10s  %10s\n", "FORK", "STATUS", "SANDBOX", "COST", "DURATION")
	for _, r := range result.Results {
		fmt.Printf("%-6d  %-16s  %-36s  %10s  %9.1fs\n",
			r.ForkNum, renderStatus(r.Status), r.SandboxID, fmt.Sprintf("$%.2f", r.CostUSD), r.DurationSeconds)
	}

	summary := fmt.Sprintf(
		"total forks: %d\nsuccessful:  %d\nfailed:      %d\ntotal cost:  $%.2f\nduration:    %.1fs",
		result.TotalForks, result.Successful, result.Failed, result.TotalCostUSD, result.TotalDurationSeconds,
	)
	fmt.Println(stylePanel.Render(summary))
}

func renderStatus(status orchestration.ForkStatus) string {
	switch status {
	case orchestration.ForkStatusSuccess:
		return styleSuccess.Render(string(status))
	case orchestration.ForkStatusFailed, orchestration.ForkStatusTimeout:
		return styleFailure.Render(string(status))
	case orchestration.ForkStatusBudgetExceeded, orchestration.ForkStatusCancelled:
		return styleWarn.Render(string(status))
	default:
		return string(status)
	}
}
