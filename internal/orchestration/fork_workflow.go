package orchestration

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// forkState holds the Fork workflow's local fields, closed over by the
// cancel_execution signal handler and the status query.
type forkState struct {
	config       ForkConfig
	sandboxID    string
	status       ForkStatus
	costUSD      float64
	shouldCancel bool
}

// RunFork drives one fork from budget admission through cleanup. It never
// returns a workflow error for an agent/sandbox failure; those are encoded
// in the returned ForkResult's Status/Error fields. Cleanup always runs.
func RunFork(ctx workflow.Context, cfg ForkConfig) (result ForkResult, err error) {
	state := &forkState{config: cfg, status: ForkStatusRunning}
	logger := workflow.GetLogger(ctx)
	startTime := workflow.Now(ctx)

	if qerr := workflow.SetQueryHandler(ctx, QueryStatus, func() (ForkStatusSummary, error) {
		return ForkStatusSummary{
			ForkNum:   cfg.ForkNum,
			Status:    state.status,
			SandboxID: state.sandboxID,
			CostUSD:   state.costUSD,
		}, nil
	}); qerr != nil {
		return ForkResult{}, qerr
	}

	workflow.Go(ctx, func(ctx workflow.Context) {
		ch := workflow.GetSignalChannel(ctx, SignalCancelExecution)
		for {
			ch.Receive(ctx, nil)
			state.shouldCancel = true
			logger.Info("cancel requested for fork", "fork_num", cfg.ForkNum)
		}
	})

	logger.Info("starting fork", "fork_num", cfg.ForkNum, "repo_url", cfg.RepoURL, "branch", cfg.Branch)

	defer func() {
		if state.sandboxID == "" {
			return
		}
		cleanupCtx := workflow.WithActivityOptions(workflow.NewDisconnectedContext(ctx), workflow.ActivityOptions{
			StartToCloseTimeout: 2 * time.Minute,
			RetryPolicy: &temporal.RetryPolicy{
				MaximumAttempts: 3,
				InitialInterval: 2 * time.Second,
			},
		})
		var act *Activities
		var ok bool
		if cerr := workflow.ExecuteActivity(cleanupCtx, act.KillSandbox, state.sandboxID).Get(cleanupCtx, &ok); cerr != nil {
			logger.Warn("cleanup failed", "fork_num", cfg.ForkNum, "sandbox_id", state.sandboxID, "error", cerr)
			return
		}
		logger.Info("cleaned up sandbox", "fork_num", cfg.ForkNum, "sandbox_id", state.sandboxID)
	}()

	var act *Activities

	if cfg.BudgetLimitUSD != nil {
		ledgerKey := cfg.ParentWorkflowID
		budgetCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
		})
		var spend float64
		if serr := workflow.ExecuteActivity(budgetCtx, act.ReadSpend, ledgerKey).Get(budgetCtx, &spend); serr != nil {
			return failForkResult(cfg, state, startTime, ctx, serr)
		}
		if spend >= *cfg.BudgetLimitUSD {
			state.status = ForkStatusBudgetExceeded
			return ForkResult{
				ForkNum:         cfg.ForkNum,
				Status:          ForkStatusBudgetExceeded,
				Error:           fmt.Sprintf("budget limit $%.2f exceeded (current: $%.2f)", *cfg.BudgetLimitUSD, spend),
				DurationSeconds: workflow.Now(ctx).Sub(startTime).Seconds(),
			}, nil
		}
	}

	if state.shouldCancel {
		state.status = ForkStatusCancelled
		return ForkResult{ForkNum: cfg.ForkNum, Status: ForkStatusCancelled, DurationSeconds: workflow.Now(ctx).Sub(startTime).Seconds()}, nil
	}

	createCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        3,
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			NonRetryableErrorTypes: []string{ErrTypeSandboxCreation},
		},
	})
	var sandboxInfo SandboxInfo
	if cerr := workflow.ExecuteActivity(createCtx, act.CreateSandbox, CreateSandboxInput{
		Template:         cfg.Template,
		TimeoutSeconds:   cfg.SandboxTimeoutSeconds,
		Metadata:         map[string]string{"fork_num": strconv.Itoa(cfg.ForkNum)},
		ParentWorkflowID: cfg.ParentWorkflowID,
	}).Get(createCtx, &sandboxInfo); cerr != nil {
		return failForkResult(cfg, state, startTime, ctx, cerr)
	}
	state.sandboxID = sandboxInfo.SandboxID
	logger.Info("created sandbox", "fork_num", cfg.ForkNum, "sandbox_id", state.sandboxID)

	if state.shouldCancel {
		state.status = ForkStatusCancelled
		return ForkResult{ForkNum: cfg.ForkNum, Status: ForkStatusCancelled, SandboxID: state.sandboxID, DurationSeconds: workflow.Now(ctx).Sub(startTime).Seconds()}, nil
	}

	healthCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
	})
	var health HealthCheckResult
	if herr := workflow.ExecuteActivity(healthCtx, act.HealthCheck, state.sandboxID).Get(healthCtx, &health); herr != nil {
		return failForkResult(cfg, state, startTime, ctx, herr)
	}
	if !health.IsHealthy {
		return failForkResult(cfg, state, startTime, ctx,
			temporal.NewApplicationError(fmt.Sprintf("sandbox %s is not healthy: %s", state.sandboxID, health.Error), "UnhealthySandboxError"))
	}

	if state.shouldCancel {
		state.status = ForkStatusCancelled
		return ForkResult{ForkNum: cfg.ForkNum, Status: ForkStatusCancelled, SandboxID: state.sandboxID, DurationSeconds: workflow.Now(ctx).Sub(startTime).Seconds()}, nil
	}

	agentCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		HeartbeatTimeout:    5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        2,
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2.0,
			NonRetryableErrorTypes: []string{ErrTypeAgentBudgetExceeded, ErrTypeAgentTimeout},
		},
	})
	var agentResult AgentResult
	if aerr := workflow.ExecuteActivity(agentCtx, act.RunAgent, AgentInput{
		SandboxID: state.sandboxID,
		Prompt:    cfg.Prompt,
		Model:     cfg.Model,
		ForkNum:   cfg.ForkNum,
		RepoURL:   cfg.RepoURL,
		Branch:    cfg.Branch,
		MaxTurns:  maxTurnsFor(cfg.TimeoutSeconds),
	}).Get(agentCtx, &agentResult); aerr != nil {
		return failAgentResult(cfg, state, startTime, ctx, aerr)
	}

	state.costUSD = agentResult.CostUSD
	state.status = agentResult.Status

	if cfg.ParentWorkflowID != "" {
		spendCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
		})
		if serr := workflow.ExecuteActivity(spendCtx, act.AddSpend, cfg.ParentWorkflowID, agentResult.CostUSD).Get(spendCtx, nil); serr != nil {
			logger.Warn("failed to record spend", "fork_num", cfg.ForkNum, "error", serr)
		}
	}

	duration := workflow.Now(ctx).Sub(startTime).Seconds()
	logger.Info("fork completed", "fork_num", cfg.ForkNum, "status", state.status, "cost_usd", state.costUSD, "duration_seconds", duration)

	return ForkResult{
		ForkNum:         cfg.ForkNum,
		Status:          state.status,
		SandboxID:       state.sandboxID,
		CostUSD:         state.costUSD,
		InputTokens:     agentResult.InputTokens,
		OutputTokens:    agentResult.OutputTokens,
		DurationSeconds: duration,
		Output:          agentResult.Output,
		Error:           agentResult.Error,
	}, nil
}

// maxTurnsFor converts a fork's total timeout budget into a per-turn cap,
// matching the reference implementation's ~1-minute-per-turn rule of thumb.
func maxTurnsFor(timeoutSeconds int) int {
	turns := timeoutSeconds / 60
	if turns < 1 {
		turns = 1
	}
	return turns
}

// failAgentResult maps a RunAgent activity error to the Fork's terminal
// status: AgentTimeoutError becomes TIMEOUT, AgentBudgetExceededError
// becomes BUDGET_EXCEEDED, everything else becomes FAILED.
func failAgentResult(cfg ForkConfig, state *forkState, startTime time.Time, ctx workflow.Context, err error) (ForkResult, error) {
	status := ForkStatusFailed
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		switch appErr.Type() {
		case ErrTypeAgentTimeout:
			status = ForkStatusTimeout
		case ErrTypeAgentBudgetExceeded:
			status = ForkStatusBudgetExceeded
		}
	}
	state.status = status
	workflow.GetLogger(ctx).Error("agent execution did not complete", "fork_num", cfg.ForkNum, "status", status, "error", err)
	return ForkResult{
		ForkNum:         cfg.ForkNum,
		Status:          status,
		SandboxID:       state.sandboxID,
		CostUSD:         state.costUSD,
		DurationSeconds: workflow.Now(ctx).Sub(startTime).Seconds(),
		Error:           err.Error(),
	}, nil
}

// failForkResult builds a FAILED ForkResult from a workflow/activity error,
// logging it, matching the reference implementation's blanket except clause.
func failForkResult(cfg ForkConfig, state *forkState, startTime time.Time, ctx workflow.Context, err error) (ForkResult, error) {
	state.status = ForkStatusFailed
	workflow.GetLogger(ctx).Error("fork failed", "fork_num", cfg.ForkNum, "error", err)
	return ForkResult{
		ForkNum:         cfg.ForkNum,
		Status:          ForkStatusFailed,
		SandboxID:       state.sandboxID,
		CostUSD:         state.costUSD,
		DurationSeconds: workflow.Now(ctx).Sub(startTime).Seconds(),
		Error:           err.Error(),
	}, nil
}
