package orchestration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
)

type OrchestratorWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
}

func TestOrchestratorWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorWorkflowTestSuite))
}

func (s *OrchestratorWorkflowTestSuite) TestAllForksSucceed() {
	env := s.NewTestWorkflowEnvironment()
	var act *Activities

	env.OnWorkflow(WorkflowNameFork, mock.Anything, mock.Anything).Return(
		func(ctx interface{}, cfg ForkConfig) (ForkResult, error) {
			return ForkResult{ForkNum: cfg.ForkNum, Status: ForkStatusSuccess, CostUSD: 0.5, SandboxID: "sbx"}, nil
		},
	)
	env.OnActivity(act.RecordMetrics, mock.Anything, mock.Anything).Return(nil)

	cfg := OrchestrationConfig{
		RepoURL:            "https://github.com/acme/widgets",
		Branch:             "main",
		Prompt:             "do the thing",
		NumForks:           3,
		MaxConcurrent:      2,
		ForkTimeoutSeconds: 600,
	}
	env.ExecuteWorkflow(RunOrchestrator, cfg)

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result OrchestrationResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal(3, result.TotalForks)
	s.Equal(3, result.Successful)
	s.Equal(0, result.Failed)
	s.InDelta(1.5, result.TotalCostUSD, 0.0001)
	s.Len(result.Results, 3)
}

func (s *OrchestratorWorkflowTestSuite) TestChildFailureCountsAsFailed() {
	env := s.NewTestWorkflowEnvironment()
	var act *Activities

	env.OnWorkflow(WorkflowNameFork, mock.Anything, mock.Anything).Return(
		ForkResult{}, errors.New("child workflow execution error"),
	)
	env.OnActivity(act.RecordMetrics, mock.Anything, mock.Anything).Return(nil)

	cfg := OrchestrationConfig{
		RepoURL:            "https://github.com/acme/widgets",
		Branch:             "main",
		Prompt:             "do the thing",
		NumForks:           1,
		ForkTimeoutSeconds: 600,
	}
	env.ExecuteWorkflow(RunOrchestrator, cfg)

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result OrchestrationResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal(0, result.Successful)
	s.Equal(1, result.Failed)
	s.Equal(ForkStatusFailed, result.Results[0].Status)
}

func (s *OrchestratorWorkflowTestSuite) TestSingleForkKeepsBranchUnchanged() {
	env := s.NewTestWorkflowEnvironment()
	var act *Activities
	var capturedBranch string

	env.OnWorkflow(WorkflowNameFork, mock.Anything, mock.Anything).Return(
		func(ctx interface{}, cfg ForkConfig) (ForkResult, error) {
			capturedBranch = cfg.Branch
			return ForkResult{ForkNum: cfg.ForkNum, Status: ForkStatusSuccess}, nil
		},
	)
	env.OnActivity(act.RecordMetrics, mock.Anything, mock.Anything).Return(nil)

	cfg := OrchestrationConfig{
		RepoURL:            "https://github.com/acme/widgets",
		Branch:             "main",
		Prompt:             "do the thing",
		NumForks:           1,
		ForkTimeoutSeconds: 600,
	}
	env.ExecuteWorkflow(RunOrchestrator, cfg)

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())
	s.Equal("main", capturedBranch)
}
