package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/api/workflowservice/v1"

	"github.com/sandboxfleet/sandboxfleet/internal/config"
	"github.com/sandboxfleet/sandboxfleet/internal/orchestration"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent orchestration jobs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 20, "maximum jobs to list")
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := newTemporalClient()
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer c.Close()

	resp, err := c.ListWorkflow(context.Background(), &workflowservice.ListWorkflowExecutionsRequest{
		Namespace: config.Load().TemporalNamespace,
		PageSize:  int32(listLimit),
		Query:     fmt.Sprintf("WorkflowType = '%s'", orchestration.WorkflowNameOrchestrator),
	})
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}

	fmt.Printf("%-40s  %-12s  %s\n", "WORKFLOW ID", "STATUS", "STARTED")
	for _, exec := range resp.Executions {
		fmt.Printf("%-40s  %-12s  %s\n",
			exec.GetExecution().GetWorkflowId(),
			exec.GetStatus().String(),
			exec.GetStartTime().AsTime().Local().Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}
