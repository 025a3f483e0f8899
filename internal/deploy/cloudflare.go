package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onexay/notepub/internal/metrics"
	"github.com/onexay/notepub/internal/types"
)

// DefaultCloudflareURL is the Cloudflare v4 API base.
const DefaultCloudflareURL = "https://api.cloudflare.com/client/v4"

// PagesClient reads Cloudflare Pages deployments.
type PagesClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.Recorder
	endpoint   string
}

// NewPagesClient builds a client; an empty endpoint selects the public API.
func NewPagesClient(httpClient *http.Client, endpoint string, logger *slog.Logger, rec metrics.Recorder) *PagesClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = DefaultCloudflareURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &PagesClient{
		httpClient: httpClient,
		logger:     logger,
		metrics:    rec,
		endpoint:   strings.TrimRight(endpoint, "/"),
	}
}

type pagesDeployment struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Environment string    `json:"environment"`
	CreatedOn   time.Time `json:"created_on"`
	LatestStage struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"latest_stage"`
	DeploymentTrigger struct {
		Metadata struct {
			CommitHash string `json:"commit_hash"`
		} `json:"metadata"`
	} `json:"deployment_trigger"`
}

type pagesResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result []pagesDeployment `json:"result"`
}

// Source returns the run source for one Pages project.
func (c *PagesClient) Source(target types.DeploymentTarget) RunSource {
	return RunsFunc(func(ctx context.Context, commit string) ([]types.DeploymentRun, error) {
		return c.Deployments(ctx, target, commit)
	})
}

// Deployments lists the project's deployments built from commit.
func (c *PagesClient) Deployments(ctx context.Context, target types.DeploymentTarget, commit string) ([]types.DeploymentRun, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/pages/projects/%s/deployments",
		c.endpoint, url.PathEscape(target.AccountID), url.PathEscape(target.ProjectName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build pages request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+target.Token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRemoteRequest("pages-deployments", 0, time.Since(start))
		return nil, fmt.Errorf("list pages deployments: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordRemoteRequest("pages-deployments", resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read pages response: %w", err)
	}

	var payload pagesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("pages api returned %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode pages response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !payload.Success {
		msg := http.StatusText(resp.StatusCode)
		if len(payload.Errors) > 0 {
			msg = payload.Errors[0].Message
		}
		c.logger.Warn("pages api error",
			slog.Int("http_status", resp.StatusCode),
			slog.String("project", target.ProjectName),
		)
		return nil, fmt.Errorf("pages api returned %d: %s", resp.StatusCode, msg)
	}

	var runs []types.DeploymentRun
	for _, d := range payload.Result {
		if d.DeploymentTrigger.Metadata.CommitHash != commit {
			continue
		}
		phase := pagesPhase(d.LatestStage.Name, d.LatestStage.Status)
		runs = append(runs, types.DeploymentRun{
			ID:         d.ID,
			Name:       d.Environment,
			CommitHash: commit,
			Phase:      phase,
			Detail:     d.LatestStage.Name + ":" + d.LatestStage.Status,
			URL:        d.URL,
			CreatedAt:  d.CreatedOn,
		})
	}
	return runs, nil
}

func pagesPhase(stage, status string) types.DeployPhase {
	switch {
	case status == "failure" || status == "canceled":
		return types.PhaseFailed
	case stage == "deploy" && status == "success":
		return types.PhaseSucceeded
	case stage == "deploy":
		return types.PhaseDeploying
	default:
		return types.PhaseBuilding
	}
}
