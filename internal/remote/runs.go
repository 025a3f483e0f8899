package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/onexay/notepub/internal/types"
)

type workflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadSHA    string    `json:"head_sha"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeploymentRunsForCommit lists the workflow runs triggered by a commit, newest first.
func (c *Client) DeploymentRunsForCommit(ctx context.Context, commitHash string) ([]types.DeploymentRun, error) {
	var resp struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	if _, err := c.do(ctx, "actions-runs", http.MethodGet, "/actions/runs", url.Values{"head_sha": {commitHash}}, nil, &resp); err != nil {
		return nil, err
	}

	runs := make([]types.DeploymentRun, 0, len(resp.WorkflowRuns))
	for _, r := range resp.WorkflowRuns {
		phase, detail := workflowPhase(r.Status, r.Conclusion)
		runs = append(runs, types.DeploymentRun{
			ID:         strconv.FormatInt(r.ID, 10),
			Name:       r.Name,
			CommitHash: r.HeadSHA,
			Phase:      phase,
			Detail:     detail,
			URL:        r.HTMLURL,
			CreatedAt:  r.CreatedAt,
		})
	}
	return runs, nil
}

func workflowPhase(status, conclusion string) (types.DeployPhase, string) {
	switch status {
	case "completed":
		switch conclusion {
		case "success", "neutral", "skipped":
			return types.PhaseSucceeded, conclusion
		default:
			return types.PhaseFailed, conclusion
		}
	case "in_progress":
		return types.PhaseDeploying, status
	default:
		return types.PhaseBuilding, status
	}
}
