// Package deploy follows a pushed commit through an external deployment platform.
package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/onexay/notepub/internal/types"
)

// RunSource lists the deployment runs a platform associates with a commit.
type RunSource interface {
	RunsForCommit(ctx context.Context, commitHash string) ([]types.DeploymentRun, error)
}

// RunsFunc adapts a function to RunSource.
type RunsFunc func(ctx context.Context, commitHash string) ([]types.DeploymentRun, error)

// RunsForCommit calls f.
func (f RunsFunc) RunsForCommit(ctx context.Context, commitHash string) ([]types.DeploymentRun, error) {
	return f(ctx, commitHash)
}

// Outcome is the result of tracking one commit.
type Outcome struct {
	// Known is false when the platform could not be reached or never
	// reported a finished run within the polling budget.
	Known bool
	Phase types.DeployPhase
	Run   types.DeploymentRun
	Err   error
}

// Poller polls a RunSource until the newest run for a commit finishes.
type Poller struct {
	interval time.Duration
	attempts int
	logger   *slog.Logger
}

// NewPoller creates a Poller that checks every interval, at most attempts times.
func NewPoller(interval time.Duration, attempts int, logger *slog.Logger) *Poller {
	if attempts <= 0 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{interval: interval, attempts: attempts, logger: logger}
}

// Track follows commit on src. onPhase is called each time the newest run
// enters a new phase. Tracking is best effort: platform errors end it with
// an unknown outcome instead of an error for the caller to act on.
func (p *Poller) Track(ctx context.Context, src RunSource, commit string, onPhase func(types.DeploymentRun)) Outcome {
	var last types.DeployPhase

	for attempt := 1; attempt <= p.attempts; attempt++ {
		runs, err := src.RunsForCommit(ctx, commit)
		if err != nil {
			p.logger.Warn("deployment status unavailable",
				slog.String("commit", commit),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return Outcome{Err: err}
		}

		if run, ok := Latest(runs); ok {
			if run.Phase != last {
				last = run.Phase
				if onPhase != nil {
					onPhase(run)
				}
			}
			if run.Phase.Terminal() {
				return Outcome{Known: true, Phase: run.Phase, Run: run}
			}
		}

		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Outcome{Err: ctx.Err()}
		case <-time.After(p.interval):
		}
	}

	p.logger.Warn("deployment still running after polling budget",
		slog.String("commit", commit),
		slog.Int("attempts", p.attempts),
		slog.Duration("interval", p.interval),
	)
	return Outcome{Phase: last}
}

// Latest returns the most recently created run.
func Latest(runs []types.DeploymentRun) (types.DeploymentRun, bool) {
	if len(runs) == 0 {
		return types.DeploymentRun{}, false
	}
	latest := runs[0]
	for _, r := range runs[1:] {
		if r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest, true
}
