package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/sandboxfleet/sandboxfleet/internal/agentcli"
	"github.com/sandboxfleet/sandboxfleet/internal/ledger"
	"github.com/sandboxfleet/sandboxfleet/internal/metrics"
	"github.com/sandboxfleet/sandboxfleet/internal/provider"
	"github.com/sandboxfleet/sandboxfleet/internal/telemetry"
)

// Non-retryable error type names. These strings are what Temporal's
// RetryPolicy.NonRetryableErrorTypes matches against, so the names here must
// agree with the ones the workflows register in their ActivityOptions.
const (
	ErrTypeSandboxCreation     = "SandboxCreationError"
	ErrTypeAgentBudgetExceeded = "AgentBudgetExceededError"
	ErrTypeAgentTimeout        = "AgentTimeoutError"
)

// Activities bundles the dependencies every activity method closes over: the
// sandbox provider client, the process-local cost ledger, and a logger for
// anything outside the replay sandbox. A single Activities value is
// registered with the worker; its methods are the activity functions.
type Activities struct {
	Provider provider.Client
	Ledger   *ledger.Ledger
	Logger   telemetry.Logger
	// SandboxEnvs are credential passthroughs (ANTHROPIC_API_KEY,
	// GITHUB_TOKEN) injected into every sandbox CreateSandbox provisions.
	// Read once from the worker process's environment at startup, never
	// from workflow code, so workflow replay stays deterministic.
	SandboxEnvs map[string]string
}

// NewActivities wires an Activities bundle against a provider client and
// ledger. logger may be nil, in which case output is discarded.
func NewActivities(p provider.Client, l *ledger.Ledger, logger telemetry.Logger, sandboxEnvs map[string]string) *Activities {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Activities{Provider: p, Ledger: l, Logger: logger, SandboxEnvs: sandboxEnvs}
}

// CreateSandboxInput is CreateSandbox's argument.
type CreateSandboxInput struct {
	Template         string            `json:"template"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	Envs             map[string]string `json:"envs,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ParentWorkflowID string            `json:"parent_workflow_id"`
}

// CreateSandbox provisions a sandbox via the provider client, stamping the
// two reserved metadata keys (temporal_workflow_id, temporal_activity_id)
// before returning so the Janitor's orphan oracle always sees them.
func (a *Activities) CreateSandbox(ctx context.Context, in CreateSandboxInput) (SandboxInfo, error) {
	info := activity.GetInfo(ctx)
	activity.RecordHeartbeat(ctx, "creating_sandbox")

	metadata := make(map[string]string, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	metadata[MetadataWorkflowID] = in.ParentWorkflowID
	metadata[MetadataActivityID] = info.ActivityID

	envs := make(map[string]string, len(in.Envs)+len(a.SandboxEnvs))
	for k, v := range in.Envs {
		envs[k] = v
	}
	for k, v := range a.SandboxEnvs {
		envs[k] = v
	}

	sbx, err := a.Provider.Create(ctx, provider.CreateParams{
		TemplateID: in.Template,
		TimeoutSec: in.TimeoutSeconds,
		Metadata:   metadata,
		Envs:       envs,
	})
	if err != nil {
		a.Logger.Error(ctx, "sandbox creation failed", "error", err, "template", in.Template)
		return SandboxInfo{}, newNonRetryableError(ErrTypeSandboxCreation, fmt.Sprintf("create sandbox: %v", err))
	}
	activity.RecordHeartbeat(ctx, "sandbox_created")

	running, err := a.Provider.IsRunning(ctx, sbx.ID)
	if err != nil {
		running = true // provider created it; treat a transient status-check failure as running
	}
	activity.RecordHeartbeat(ctx, "sandbox_verified")

	return SandboxInfo{
		SandboxID:  sbx.ID,
		TemplateID: in.Template,
		StartedAt:  sbx.StartedAt,
		Hostname:   sbx.Hostname,
		IsRunning:  running,
		Metadata:   metadata,
	}, nil
}

// HealthCheck probes a sandbox with a trivial command. It never raises: a
// failed probe is reported in the result, not as an activity error.
func (a *Activities) HealthCheck(ctx context.Context, sandboxID string) (HealthCheckResult, error) {
	result, err := a.ExecuteCommand(ctx, CommandInput{
		SandboxID:      sandboxID,
		Command:        "echo health_check",
		TimeoutSeconds: 10,
	})
	if err != nil {
		return HealthCheckResult{SandboxID: sandboxID, IsHealthy: false, IsRunning: false, Error: err.Error()}, nil
	}
	healthy := result.ExitCode == 0 && strings.Contains(result.Stdout, "health_check")
	running, rerr := a.Provider.IsRunning(ctx, sandboxID)
	if rerr != nil {
		running = healthy
	}
	return HealthCheckResult{SandboxID: sandboxID, IsHealthy: healthy, IsRunning: running}, nil
}

// ExecuteCommand runs an arbitrary command inside a live sandbox. HealthCheck
// is implemented in terms of this activity; it is also available directly
// for general sandbox introspection.
func (a *Activities) ExecuteCommand(ctx context.Context, in CommandInput) (CommandResult, error) {
	timeout := time.Duration(in.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	res, err := a.Provider.Run(ctx, in.SandboxID, provider.RunParams{
		Command: in.Command,
		Cwd:     in.Cwd,
		Envs:    in.Envs,
		Timeout: timeout,
	})
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// GetSandboxInfo fetches provider-side detail for a sandbox id. It is
// registered on the worker; no workflow or CLI command calls it.
func (a *Activities) GetSandboxInfo(ctx context.Context, sandboxID string) (SandboxInfo, error) {
	sbx, err := a.Provider.Connect(ctx, sandboxID)
	if err != nil {
		return SandboxInfo{}, err
	}
	running, err := a.Provider.IsRunning(ctx, sandboxID)
	if err != nil {
		running = false
	}
	return SandboxInfo{
		SandboxID: sbx.ID,
		StartedAt: sbx.StartedAt,
		Hostname:  sbx.Hostname,
		IsRunning: running,
		Metadata:  sbx.Metadata,
	}, nil
}

// RunAgent connects to the sandbox, clones and checks out the fork branch,
// invokes the agent CLI with the prompt, heartbeats every 30s while it runs,
// and parses the JSON cost line from its output.
func (a *Activities) RunAgent(ctx context.Context, in AgentInput) (AgentResult, error) {
	activity.RecordHeartbeat(ctx, map[string]any{"status": "starting", "fork_num": in.ForkNum})

	cloneCmd := agentcli.CloneCommand(in.RepoURL, in.Branch)
	a.Logger.Info(ctx, "cloning repository", "repo_url", in.RepoURL, "branch", in.Branch)
	cloneResult, err := a.Provider.Run(ctx, in.SandboxID, provider.RunParams{
		Command: cloneCmd,
		Cwd:     "/",
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		return AgentResult{}, newRetryableError(fmt.Sprintf("clone repository: %v", err))
	}
	if cloneResult.ExitCode != 0 {
		a.Logger.Warn(ctx, "clone warning", "stderr", cloneResult.Stderr, "exit_code", cloneResult.ExitCode)
	}
	activity.RecordHeartbeat(ctx, map[string]any{"status": "repo_cloned", "fork_num": in.ForkNum})

	runCmd := agentcli.RunCommand(in.Prompt, in.Model, in.MaxTurns)

	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		iteration := 0
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				iteration++
				activity.RecordHeartbeat(ctx, map[string]any{
					"status":              "running",
					"fork_num":            in.ForkNum,
					"heartbeat_iteration": iteration,
				})
			}
		}
	}()

	a.Logger.Info(ctx, "executing agent", "model", in.Model, "max_turns", in.MaxTurns)
	runResult, err := a.Provider.Run(ctx, in.SandboxID, provider.RunParams{
		Command: runCmd,
		Cwd:     "/workspace",
		Timeout: time.Duration(in.MaxTurns) * time.Minute,
	})
	close(stopHeartbeat)
	<-heartbeatDone

	if err != nil {
		if ctx.Err() != nil {
			return AgentResult{}, newNonRetryableError(ErrTypeAgentTimeout, fmt.Sprintf("agent execution timed out: %v", err))
		}
		a.Logger.Error(ctx, "agent execution failed", "error", err)
		return AgentResult{}, newRetryableError(fmt.Sprintf("agent execution failed: %v", err))
	}
	activity.RecordHeartbeat(ctx, map[string]any{"status": "completed", "fork_num": in.ForkNum})

	cost := agentcli.ParseCost(runResult.Stdout)

	status := ForkStatusSuccess
	var errStr string
	if runResult.ExitCode != 0 {
		status = ForkStatusFailed
		errStr = runResult.Stderr
	}

	output := runResult.Stdout
	if len(output) > OutputTailLimit {
		output = output[len(output)-OutputTailLimit:]
	}

	a.Logger.Info(ctx, "agent execution completed",
		"status", status, "exit_code", runResult.ExitCode,
		"cost_usd", cost.Cost, "input_tokens", cost.InputTokens, "output_tokens", cost.OutputTokens)

	return AgentResult{
		Status:       status,
		CostUSD:      cost.Cost,
		InputTokens:  cost.InputTokens,
		OutputTokens: cost.OutputTokens,
		Output:       output,
		Error:        errStr,
	}, nil
}

// KillSandbox tears a sandbox down. Idempotent: "already gone" is treated as
// success, never as an error.
func (a *Activities) KillSandbox(ctx context.Context, sandboxID string) (bool, error) {
	if sandboxID == "" {
		return true, nil
	}
	if err := a.Provider.Kill(ctx, sandboxID); err != nil {
		running, rerr := a.Provider.IsRunning(ctx, sandboxID)
		if rerr == nil && !running {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// ListSandboxes returns candidate orphans: every sandbox older than
// maxAgeMinutes whose metadata lacks the reserved workflow-id key.
func (a *Activities) ListSandboxes(ctx context.Context, maxAgeMinutes int) ([]string, error) {
	sandboxes, err := a.Provider.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeMinutes) * time.Minute)
	var orphans []string
	for _, sbx := range sandboxes {
		if _, tagged := sbx.Metadata[MetadataWorkflowID]; tagged {
			continue
		}
		if sbx.StartedAt.After(cutoff) {
			continue
		}
		orphans = append(orphans, sbx.ID)
	}
	return orphans, nil
}

// RecordMetrics pushes a terminal ForkResult into the Prometheus series.
// Failures are swallowed by design: metrics are observability, not
// correctness.
func (a *Activities) RecordMetrics(ctx context.Context, in RecordMetricsInput) error {
	metrics.TrackForkCompleted(string(in.Result.Status), in.Model, in.Result.DurationSeconds, in.Result.CostUSD)
	return nil
}

// ReadSpend returns the ledger's current cumulative spend for workflowID.
func (a *Activities) ReadSpend(ctx context.Context, workflowID string) (float64, error) {
	return a.Ledger.Read(workflowID), nil
}

// AddSpend adds deltaUSD to the ledger's running total for workflowID and
// returns the new total.
func (a *Activities) AddSpend(ctx context.Context, workflowID string, deltaUSD float64) (float64, error) {
	return a.Ledger.Add(workflowID, deltaUSD), nil
}

// newNonRetryableError builds a Temporal ApplicationError tagged with typ.
// RetryPolicy.NonRetryableErrorTypes on the calling workflow lists these type
// strings so the runtime gives up after the first attempt instead of
// retrying a structural failure.
func newNonRetryableError(typ, message string) error {
	return temporal.NewApplicationError(message, typ)
}

// newRetryableError wraps a transient failure as a plain error so the
// default retry policy (no NonRetryableErrorTypes match) applies.
func newRetryableError(message string) error {
	return fmt.Errorf("%s", message)
}
