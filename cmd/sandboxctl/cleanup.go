package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/sandboxfleet/sandboxfleet/internal/orchestration"
)

var cleanupFlags struct {
	interval int
	maxAge   int
}

// janitorWorkflowID is fixed and well-known: there is exactly one Janitor
// per deployment, so cleanup/stop-cleanup never need to discover an id.
const janitorWorkflowID = "sandboxfleet-janitor"

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Start (or report already-running) the orphaned-sandbox reaper",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

var stopCleanupCmd = &cobra.Command{
	Use:   "stop-cleanup",
	Short: "Signal the orphaned-sandbox reaper to stop",
	Args:  cobra.NoArgs,
	RunE:  runStopCleanup,
}

func init() {
	f := cleanupCmd.Flags()
	f.IntVarP(&cleanupFlags.interval, "interval", "i", 15, "scan interval in minutes")
	f.IntVar(&cleanupFlags.maxAge, "max-age", 180, "orphan age threshold in minutes")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	c, err := newTemporalClient()
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer c.Close()

	cfg := orchestration.JanitorConfig{
		IntervalMinutes: cleanupFlags.interval,
		MaxAgeMinutes:   cleanupFlags.maxAge,
	}.Normalized()

	_, err = c.ExecuteWorkflow(context.Background(), client.StartWorkflowOptions{
		ID:        janitorWorkflowID,
		TaskQueue: defaultTaskQueue(),
	}, orchestration.WorkflowNameJanitor, cfg)
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			fmt.Println(styleWarn.Render("cleanup already running"))
			return nil
		}
		return fmt.Errorf("start janitor: %w", err)
	}

	fmt.Printf("started cleanup reaper %s (interval=%dm, max-age=%dm)\n", janitorWorkflowID, cfg.IntervalMinutes, cfg.MaxAgeMinutes)
	return nil
}

func runStopCleanup(cmd *cobra.Command, args []string) error {
	c, err := newTemporalClient()
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer c.Close()

	if err := c.SignalWorkflow(context.Background(), janitorWorkflowID, "", orchestration.SignalStop, nil); err != nil {
		return fmt.Errorf("signal stop to %s: %w", janitorWorkflowID, err)
	}
	fmt.Println("sent stop to cleanup reaper")
	return nil
}
