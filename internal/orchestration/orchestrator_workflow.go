package orchestration

import (
	"strconv"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// orchestratorState holds the Orchestrator's workflow-local counters. It is
// closed over by the signal and query handlers registered in RunOrchestrator,
// mirroring the reference implementation's self.* attributes.
type orchestratorState struct {
	config    OrchestrationConfig
	results   []ForkResult
	completed int
	failed    int
	inProgress int
	totalCost float64
	paused    bool
	cancelled bool
}

// RunOrchestrator fans out config.NumForks Fork children under a concurrency
// cap, collects their results in launch order, and honors pause/resume/
// cancel signals. It returns only once every scheduled Fork has reached a
// terminal state; it only fails on runtime errors it cannot translate into a
// FAILED ForkResult.
func RunOrchestrator(ctx workflow.Context, cfg OrchestrationConfig) (OrchestrationResult, error) {
	cfg = cfg.Normalized()
	state := &orchestratorState{config: cfg}
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	workflowID := info.WorkflowExecution.ID

	logger.Info("starting orchestration", "num_forks", cfg.NumForks, "max_concurrent", cfg.MaxConcurrent)

	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (Progress, error) {
		return Progress{
			TotalForks:   cfg.NumForks,
			Completed:    state.completed,
			Failed:       state.failed,
			InProgress:   state.inProgress,
			TotalCostUSD: state.totalCost,
			Paused:       state.paused,
			Cancelled:    state.cancelled,
		}, nil
	}); err != nil {
		return OrchestrationResult{}, err
	}
	if err := workflow.SetQueryHandler(ctx, QueryResults, func() ([]ForkResult, error) {
		return state.results, nil
	}); err != nil {
		return OrchestrationResult{}, err
	}

	workflow.Go(ctx, func(ctx workflow.Context) {
		ch := workflow.GetSignalChannel(ctx, SignalPause)
		for {
			ch.Receive(ctx, nil)
			state.paused = true
			logger.Info("orchestration paused")
		}
	})
	workflow.Go(ctx, func(ctx workflow.Context) {
		ch := workflow.GetSignalChannel(ctx, SignalResume)
		for {
			ch.Receive(ctx, nil)
			state.paused = false
			logger.Info("orchestration resumed")
		}
	})
	workflow.Go(ctx, func(ctx workflow.Context) {
		ch := workflow.GetSignalChannel(ctx, SignalCancel)
		for {
			ch.Receive(ctx, nil)
			state.cancelled = true
			logger.Info("orchestration cancellation requested")
		}
	})

	type launched struct {
		forkNum int
		handle  workflow.ChildWorkflowFuture
	}
	var handles []launched

	for i := 1; i <= cfg.NumForks; i++ {
		if state.cancelled {
			logger.Info("orchestration cancelled, stopping new forks")
			break
		}

		if err := workflow.Await(ctx, func() bool {
			return !state.paused || state.cancelled
		}); err != nil {
			return OrchestrationResult{}, err
		}
		if err := workflow.Await(ctx, func() bool {
			return state.inProgress < cfg.MaxConcurrent
		}); err != nil {
			return OrchestrationResult{}, err
		}
		if state.cancelled {
			logger.Info("orchestration cancelled, stopping new forks")
			break
		}

		forkBranch := ForkBranch(cfg.Branch, i, cfg.NumForks)
		forkConfig := ForkConfig{
			ForkNum:               i,
			RepoURL:               cfg.RepoURL,
			Branch:                forkBranch,
			Prompt:                cfg.Prompt,
			Model:                 cfg.Model,
			TimeoutSeconds:        cfg.ForkTimeoutSeconds,
			BudgetLimitUSD:        cfg.BudgetLimitUSD,
			Template:              cfg.Template,
			SandboxTimeoutSeconds: cfg.SandboxTimeoutSeconds,
			ParentWorkflowID:      workflowID,
		}

		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: forkWorkflowID(workflowID, i),
			RetryPolicy: &temporal.RetryPolicy{
				MaximumAttempts:    2,
				InitialInterval:    10 * time.Second,
				BackoffCoefficient: 2.0,
			},
			WorkflowExecutionTimeout: time.Duration(cfg.ForkTimeoutSeconds+300) * time.Second,
		})
		future := workflow.ExecuteChildWorkflow(childCtx, WorkflowNameFork, forkConfig)
		handles = append(handles, launched{forkNum: i, handle: future})
		state.inProgress++
		workflow.Go(ctx, func(ctx workflow.Context) {
			_ = future.Get(ctx, nil)
			state.inProgress--
		})
		logger.Info("started fork", "fork_num", i)
	}

	for _, h := range handles {
		var result ForkResult
		err := h.handle.Get(ctx, &result)
		if err != nil {
			state.failed++
			result = ForkResult{ForkNum: h.forkNum, Status: ForkStatusFailed, Error: err.Error()}
			state.results = append(state.results, result)
			logger.Error("fork failed", "fork_num", h.forkNum, "error", err)
			continue
		}

		state.results = append(state.results, result)
		if result.Status == ForkStatusSuccess {
			state.completed++
		} else {
			state.failed++
		}
		state.totalCost += result.CostUSD

		logger.Info("fork completed", "fork_num", h.forkNum, "status", result.Status, "cost_usd", result.CostUSD)

		metricsCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
		})
		var act *Activities
		metricsErr := workflow.ExecuteActivity(metricsCtx, act.RecordMetrics, RecordMetricsInput{
			WorkflowID: workflowID,
			Model:      cfg.Model,
			Result:     result,
		}).Get(metricsCtx, nil)
		if metricsErr != nil {
			logger.Warn("record metrics failed", "fork_num", h.forkNum, "error", metricsErr)
		}
	}

	duration := workflow.Now(ctx).Sub(info.WorkflowStartTime).Seconds()

	return OrchestrationResult{
		WorkflowID:           workflowID,
		TotalForks:           cfg.NumForks,
		Successful:           state.completed,
		Failed:               state.failed,
		TotalCostUSD:         state.totalCost,
		TotalDurationSeconds: duration,
		Results:              state.results,
	}, nil
}

func forkWorkflowID(parentID string, forkNum int) string {
	return parentID + "-fork-" + strconv.Itoa(forkNum)
}
