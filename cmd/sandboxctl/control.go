package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandboxfleet/sandboxfleet/internal/orchestration"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow_id>",
	Short: "Signal an orchestration job to stop launching new forks (in-flight forks run to completion)",
	Args:  cobra.ExactArgs(1),
	RunE:  signalCmd(orchestration.SignalCancel),
}

var pauseCmd = &cobra.Command{
	Use:   "pause <workflow_id>",
	Short: "Signal an orchestration job to stop launching new forks",
	Args:  cobra.ExactArgs(1),
	RunE:  signalCmd(orchestration.SignalPause),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow_id>",
	Short: "Signal a paused orchestration job to resume launching forks",
	Args:  cobra.ExactArgs(1),
	RunE:  signalCmd(orchestration.SignalResume),
}

func signalCmd(signalName string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		workflowID := args[0]

		c, err := newTemporalClient()
		if err != nil {
			return fmt.Errorf("connect to temporal: %w", err)
		}
		defer c.Close()

		if err := c.SignalWorkflow(context.Background(), workflowID, "", signalName, nil); err != nil {
			return fmt.Errorf("signal %s on %s: %w", signalName, workflowID, err)
		}
		fmt.Printf("sent %q to %s\n", signalName, workflowID)
		return nil
	}
}
