package deploy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexay/notepub/internal/logger"
	"github.com/onexay/notepub/internal/types"
)

type scriptedSource struct {
	calls  int
	script [][]types.DeploymentRun
	err    error
}

func (s *scriptedSource) RunsForCommit(_ context.Context, _ string) ([]types.DeploymentRun, error) {
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i], nil
}

func run(phase types.DeployPhase, minute int) types.DeploymentRun {
	return types.DeploymentRun{ID: "r", Phase: phase, CreatedAt: time.Date(2024, 1, 15, 12, minute, 0, 0, time.UTC)}
}

func TestTrackReportsPhasesUntilTerminal(t *testing.T) {
	src := &scriptedSource{script: [][]types.DeploymentRun{
		nil,
		{run(types.PhaseBuilding, 1)},
		{run(types.PhaseBuilding, 1)},
		{run(types.PhaseDeploying, 1)},
		{run(types.PhaseSucceeded, 1)},
	}}
	p := NewPoller(time.Millisecond, 10, logger.Discard())

	var seen []types.DeployPhase
	out := p.Track(context.Background(), src, "abc", func(r types.DeploymentRun) {
		seen = append(seen, r.Phase)
	})

	require.True(t, out.Known)
	assert.Equal(t, types.PhaseSucceeded, out.Phase)
	assert.Equal(t, []types.DeployPhase{types.PhaseBuilding, types.PhaseDeploying, types.PhaseSucceeded}, seen)
	assert.Equal(t, 5, src.calls)
}

func TestTrackUsesNewestRun(t *testing.T) {
	src := &scriptedSource{script: [][]types.DeploymentRun{
		{run(types.PhaseFailed, 1), run(types.PhaseSucceeded, 5)},
	}}
	out := NewPoller(time.Millisecond, 3, logger.Discard()).Track(context.Background(), src, "abc", nil)
	require.True(t, out.Known)
	assert.Equal(t, types.PhaseSucceeded, out.Phase)
}

func TestTrackDegradesToUnknown(t *testing.T) {
	unreachable := &scriptedSource{err: errors.New("dial tcp: connection refused")}
	out := NewPoller(time.Millisecond, 3, logger.Discard()).Track(context.Background(), unreachable, "abc", nil)
	assert.False(t, out.Known)
	assert.Error(t, out.Err)

	stuck := &scriptedSource{script: [][]types.DeploymentRun{{run(types.PhaseBuilding, 1)}}}
	out = NewPoller(time.Millisecond, 3, logger.Discard()).Track(context.Background(), stuck, "abc", nil)
	assert.False(t, out.Known)
	assert.NoError(t, out.Err)
	assert.Equal(t, types.PhaseBuilding, out.Phase)
	assert.Equal(t, 3, stuck.calls)
}

func TestPagesClientDeployments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acc/pages/projects/blog/deployments", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer cf-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"success":false,"errors":[{"code":10000,"message":"Authentication error"}],"result":null}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"errors":[],"result":[
			{"id":"d1","url":"https://d1.blog.pages.dev","environment":"production","created_on":"2024-01-15T12:00:00Z",
			 "latest_stage":{"name":"build","status":"active"},
			 "deployment_trigger":{"metadata":{"commit_hash":"abc"}}},
			{"id":"d2","url":"https://d2.blog.pages.dev","environment":"production","created_on":"2024-01-15T12:05:00Z",
			 "latest_stage":{"name":"deploy","status":"success"},
			 "deployment_trigger":{"metadata":{"commit_hash":"abc"}}},
			{"id":"d3","url":"https://d3.blog.pages.dev","environment":"production","created_on":"2024-01-15T12:10:00Z",
			 "latest_stage":{"name":"deploy","status":"active"},
			 "deployment_trigger":{"metadata":{"commit_hash":"other"}}}
		]}`))
	}))
	defer srv.Close()

	client := NewPagesClient(srv.Client(), srv.URL, logger.Discard(), nil)
	target := types.DeploymentTarget{Provider: types.ProviderCloudflarePages, AccountID: "acc", ProjectName: "blog", Token: "cf-token"}

	runs, err := client.Source(target).RunsForCommit(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, types.PhaseBuilding, runs[0].Phase)
	assert.Equal(t, types.PhaseSucceeded, runs[1].Phase)

	latest, ok := Latest(runs)
	require.True(t, ok)
	assert.Equal(t, "https://d2.blog.pages.dev", latest.URL)

	target.Token = "bad"
	_, err = client.Deployments(context.Background(), target, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Authentication error")
}

func TestPagesPhase(t *testing.T) {
	cases := map[[2]string]types.DeployPhase{
		{"queued", "active"}:      types.PhaseBuilding,
		{"clone_repo", "success"}: types.PhaseBuilding,
		{"build", "active"}:       types.PhaseBuilding,
		{"deploy", "active"}:      types.PhaseDeploying,
		{"deploy", "success"}:     types.PhaseSucceeded,
		{"build", "failure"}:      types.PhaseFailed,
		{"deploy", "canceled"}:    types.PhaseFailed,
	}
	for in, want := range cases {
		assert.Equal(t, want, pagesPhase(in[0], in[1]), in)
	}
}
