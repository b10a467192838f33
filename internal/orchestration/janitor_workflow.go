package orchestration

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// janitorState holds the Janitor's local counters, closed over by the stop
// signal handler and the stats query.
type janitorState struct {
	totalCleaned int
	lastCleanup  string
	shouldStop   bool
}

// RunJanitor periodically lists candidate orphan sandboxes (no
// temporal_workflow_id metadata, older than MaxAgeMinutes) and kills them,
// until a stop signal arrives. It intentionally never uses continue-as-new:
// each iteration's history growth (one ListSandboxes plus one KillSandbox
// per orphan) is small relative to Temporal's history limits at the default
// 15-minute interval.
func RunJanitor(ctx workflow.Context, cfg JanitorConfig) (JanitorStats, error) {
	cfg = cfg.Normalized()
	state := &janitorState{}
	logger := workflow.GetLogger(ctx)
	var act *Activities

	if err := workflow.SetQueryHandler(ctx, QueryStats, func() (JanitorStats, error) {
		return JanitorStats{
			TotalCleaned: state.totalCleaned,
			LastCleanup:  state.lastCleanup,
			Running:      !state.shouldStop,
		}, nil
	}); err != nil {
		return JanitorStats{}, err
	}

	workflow.Go(ctx, func(ctx workflow.Context) {
		ch := workflow.GetSignalChannel(ctx, SignalStop)
		ch.Receive(ctx, nil)
		state.shouldStop = true
		logger.Info("janitor stop requested")
	})

	logger.Info("starting janitor", "interval_minutes", cfg.IntervalMinutes, "max_age_minutes", cfg.MaxAgeMinutes)

	for !state.shouldStop {
		listCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 5 * time.Minute,
			RetryPolicy: &temporal.RetryPolicy{
				MaximumAttempts: 3,
				InitialInterval: 5 * time.Second,
			},
		})
		var orphans []string
		if err := workflow.ExecuteActivity(listCtx, act.ListSandboxes, cfg.MaxAgeMinutes).Get(listCtx, &orphans); err != nil {
			logger.Error("janitor scan failed", "error", err)
		} else if len(orphans) > 0 {
			cleaned := 0
			killCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
				StartToCloseTimeout: 10 * time.Minute,
				RetryPolicy: &temporal.RetryPolicy{
					MaximumAttempts: 2,
					InitialInterval: 5 * time.Second,
				},
			})
			for _, sandboxID := range orphans {
				var ok bool
				if err := workflow.ExecuteActivity(killCtx, act.KillSandbox, sandboxID).Get(killCtx, &ok); err != nil {
					logger.Warn("failed to reap orphan", "sandbox_id", sandboxID, "error", err)
					continue
				}
				cleaned++
			}
			state.totalCleaned += cleaned
			state.lastCleanup = workflow.Now(ctx).String()
			logger.Info("reaped orphaned sandboxes", "cleaned", cleaned, "total", state.totalCleaned)
		} else {
			logger.Debug("no orphaned sandboxes found")
		}

		if err := workflow.NewTimer(ctx, time.Duration(cfg.IntervalMinutes)*time.Minute).Get(ctx, nil); err != nil {
			return JanitorStats{}, err
		}
	}

	return JanitorStats{
		TotalCleaned: state.totalCleaned,
		LastCleanup:  state.lastCleanup,
		Running:      false,
	}, nil
}
