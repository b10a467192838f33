package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sandboxfleet/sandboxfleet/internal/ledger"
	"github.com/sandboxfleet/sandboxfleet/internal/provider"
	"github.com/sandboxfleet/sandboxfleet/internal/telemetry"
)

// fakeProvider is an in-memory provider.Client used to exercise activities
// without a real sandbox backend.
type fakeProvider struct {
	createErr   error
	runErr      error
	killErr     error
	listErr     error
	sandboxes   map[string]provider.Sandbox
	runResults  map[string]provider.RunResult
	defaultRun  provider.RunResult
	killed      []string
	createCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sandboxes:  make(map[string]provider.Sandbox),
		runResults: make(map[string]provider.RunResult),
	}
}

func (f *fakeProvider) Create(ctx context.Context, params provider.CreateParams) (provider.Sandbox, error) {
	f.createCalls++
	if f.createErr != nil {
		return provider.Sandbox{}, f.createErr
	}
	sbx := provider.Sandbox{ID: "sbx-1", Hostname: "host-1", StartedAt: time.Now(), Metadata: params.Metadata}
	f.sandboxes[sbx.ID] = sbx
	return sbx, nil
}

func (f *fakeProvider) Connect(ctx context.Context, sandboxID string) (provider.Sandbox, error) {
	sbx, ok := f.sandboxes[sandboxID]
	if !ok {
		return provider.Sandbox{}, errors.New("not found")
	}
	return sbx, nil
}

func (f *fakeProvider) Run(ctx context.Context, sandboxID string, params provider.RunParams) (provider.RunResult, error) {
	if f.runErr != nil {
		return provider.RunResult{}, f.runErr
	}
	if res, ok := f.runResults[params.Command]; ok {
		return res, nil
	}
	return f.defaultRun, nil
}

func (f *fakeProvider) Kill(ctx context.Context, sandboxID string) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, sandboxID)
	delete(f.sandboxes, sandboxID)
	return nil
}

func (f *fakeProvider) List(ctx context.Context) ([]provider.Sandbox, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]provider.Sandbox, 0, len(f.sandboxes))
	for _, sbx := range f.sandboxes {
		out = append(out, sbx)
	}
	return out, nil
}

func (f *fakeProvider) IsRunning(ctx context.Context, sandboxID string) (bool, error) {
	_, ok := f.sandboxes[sandboxID]
	return ok, nil
}

func newTestActivities(p provider.Client) *Activities {
	return NewActivities(p, ledger.New(), telemetry.NewNoopLogger(), map[string]string{"ANTHROPIC_API_KEY": "test-key"})
}

func TestCreateSandbox_StampsReservedMetadata(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	fp := newFakeProvider()
	acts := newTestActivities(fp)
	env.RegisterActivity(acts.CreateSandbox)

	val, err := env.ExecuteActivity(acts.CreateSandbox, CreateSandboxInput{
		Template:         "base",
		TimeoutSeconds:   300,
		ParentWorkflowID: "wf-123",
	})
	require.NoError(t, err)

	var info SandboxInfo
	require.NoError(t, val.Get(&info))
	require.Equal(t, "sbx-1", info.SandboxID)
	require.Equal(t, "wf-123", info.Metadata[MetadataWorkflowID])
	require.NotEmpty(t, info.Metadata[MetadataActivityID])
}

func TestCreateSandbox_WrapsFailureNonRetryable(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	fp := newFakeProvider()
	fp.createErr = errors.New("quota exceeded")
	acts := newTestActivities(fp)
	env.RegisterActivity(acts.CreateSandbox)

	_, err := env.ExecuteActivity(acts.CreateSandbox, CreateSandboxInput{Template: "base"})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, ErrTypeSandboxCreation, appErr.Type())
}

func TestHealthCheck_ReportsUnhealthyWithoutRaising(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	fp := newFakeProvider()
	fp.defaultRun = provider.RunResult{ExitCode: 1, Stderr: "boom"}
	acts := newTestActivities(fp)
	env.RegisterActivity(acts.HealthCheck)

	val, err := env.ExecuteActivity(acts.HealthCheck, "sbx-1")
	require.NoError(t, err)

	var result HealthCheckResult
	require.NoError(t, val.Get(&result))
	require.False(t, result.IsHealthy)
}

func TestHealthCheck_Healthy(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	fp := newFakeProvider()
	fp.sandboxes["sbx-1"] = provider.Sandbox{ID: "sbx-1"}
	fp.defaultRun = provider.RunResult{ExitCode: 0, Stdout: "health_check\n"}
	acts := newTestActivities(fp)
	env.RegisterActivity(acts.HealthCheck)

	val, err := env.ExecuteActivity(acts.HealthCheck, "sbx-1")
	require.NoError(t, err)

	var result HealthCheckResult
	require.NoError(t, val.Get(&result))
	require.True(t, result.IsHealthy)
	require.True(t, result.IsRunning)
}

func TestKillSandbox_EmptyIDIsNoop(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	acts := newTestActivities(newFakeProvider())
	env.RegisterActivity(acts.KillSandbox)

	val, err := env.ExecuteActivity(acts.KillSandbox, "")
	require.NoError(t, err)
	var ok bool
	require.NoError(t, val.Get(&ok))
	require.True(t, ok)
}

func TestKillSandbox_AlreadyGoneIsSuccess(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	fp := newFakeProvider()
	fp.killErr = errors.New("no such sandbox")
	acts := newTestActivities(fp)
	env.RegisterActivity(acts.KillSandbox)

	val, err := env.ExecuteActivity(acts.KillSandbox, "sbx-gone")
	require.NoError(t, err)
	var ok bool
	require.NoError(t, val.Get(&ok))
	require.True(t, ok, "a sandbox IsRunning reports as gone should still count as killed")
}

func TestListSandboxes_FiltersTaggedAndRecent(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	fp := newFakeProvider()
	fp.sandboxes["orphan-old"] = provider.Sandbox{ID: "orphan-old", StartedAt: time.Now().Add(-4 * time.Hour)}
	fp.sandboxes["orphan-young"] = provider.Sandbox{ID: "orphan-young", StartedAt: time.Now()}
	fp.sandboxes["tagged"] = provider.Sandbox{
		ID:        "tagged",
		StartedAt: time.Now().Add(-4 * time.Hour),
		Metadata:  map[string]string{MetadataWorkflowID: "wf-1"},
	}
	acts := newTestActivities(fp)
	env.RegisterActivity(acts.ListSandboxes)

	val, err := env.ExecuteActivity(acts.ListSandboxes, 180)
	require.NoError(t, err)
	var orphans []string
	require.NoError(t, val.Get(&orphans))
	require.Equal(t, []string{"orphan-old"}, orphans)
}

func TestReadSpendAndAddSpend(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	acts := newTestActivities(newFakeProvider())
	env.RegisterActivity(acts.ReadSpend)
	env.RegisterActivity(acts.AddSpend)

	val, err := env.ExecuteActivity(acts.ReadSpend, "wf-1")
	require.NoError(t, err)
	var spend float64
	require.NoError(t, val.Get(&spend))
	require.Equal(t, 0.0, spend)

	val, err = env.ExecuteActivity(acts.AddSpend, "wf-1", 0.5)
	require.NoError(t, err)
	require.NoError(t, val.Get(&spend))
	require.Equal(t, 0.5, spend)
}

func TestRecordMetrics_NeverReturnsError(t *testing.T) {
	var env testsuite.TestActivityEnvironment
	acts := newTestActivities(newFakeProvider())
	env.RegisterActivity(acts.RecordMetrics)

	_, err := env.ExecuteActivity(acts.RecordMetrics, RecordMetricsInput{
		WorkflowID: "wf-1",
		Model:      "sonnet",
		Result:     ForkResult{Status: ForkStatusSuccess, CostUSD: 0.5, DurationSeconds: 12},
	})
	require.NoError(t, err)
}
