package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandboxfleet/sandboxfleet/internal/orchestration"
)

var statusCmd = &cobra.Command{
	Use:   "status <workflow_id>",
	Short: "Query an orchestration job's live progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	workflowID := args[0]

	c, err := newTemporalClient()
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer c.Close()

	resp, err := c.QueryWorkflow(context.Background(), workflowID, "", orchestration.QueryProgress)
	if err != nil {
		fmt.Printf("could not query %s: %v\n", workflowID, err)
		return nil
	}

	var progress orchestration.Progress
	if err := resp.Get(&progress); err != nil {
		fmt.Printf("could not decode progress for %s: %v\n", workflowID, err)
		return nil
	}

	state := "running"
	if progress.Cancelled {
		state = "cancelling"
	} else if progress.Paused {
		state = "paused"
	}

	body, _ := json.MarshalIndent(progress, "", "  ")
	fmt.Println(styleHeader.Render(fmt.Sprintf("%s (%s)", workflowID, state)))
	fmt.Println(stylePanel.Render(string(body)))
	return nil
}
