// Package publish runs publish jobs: one note block pushed to one target,
// optionally followed through the target's deployment platform.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onexay/notepub/internal/deploy"
	"github.com/onexay/notepub/internal/metrics"
	"github.com/onexay/notepub/internal/notes"
	"github.com/onexay/notepub/internal/post"
	"github.com/onexay/notepub/internal/remote"
	"github.com/onexay/notepub/internal/storage"
	"github.com/onexay/notepub/internal/types"
)

// Step names shown in a job's progress list.
const (
	StepPrepare = "prepare"
	StepPush    = "push"
	StepBuild   = "build"
	StepDeploy  = "deploy"
)

// MessageDeployUnknown is the deploy step message when the platform never
// reported a finished run.
const MessageDeployUnknown = "deployment status unknown"

var progress = map[types.JobStatus]int{
	types.JobPending:   0,
	types.JobPreparing: 10,
	types.JobPushing:   30,
	types.JobBuilding:  60,
	types.JobDeploying: 80,
	types.JobCompleted: 100,
}

// ContentClient is the part of the remote repository client a job needs.
type ContentClient interface {
	Write(ctx context.Context, req remote.WriteRequest) (types.CommitResult, error)
	Rename(ctx context.Context, req remote.RenameRequest) (types.CommitResult, error)
	DeploymentRunsForCommit(ctx context.Context, commitHash string) ([]types.DeploymentRun, error)
}

// Options wires a Publisher to its collaborators. Store, Notes, Remote and
// Registry are required.
type Options struct {
	Store    storage.Store
	Notes    notes.Store
	Remote   func(types.RepoConfig) ContentClient
	Pages    *deploy.PagesClient
	Poller   *deploy.Poller
	Registry *Registry
	Logger   *slog.Logger
	Metrics  metrics.Recorder
	Clock    func() time.Time
	NewID    func() string
}

// Publisher starts publish jobs and exposes their progress.
type Publisher struct {
	store    storage.Store
	notes    notes.Store
	remote   func(types.RepoConfig) ContentClient
	pages    *deploy.PagesClient
	poller   *deploy.Poller
	registry *Registry
	logger   *slog.Logger
	metrics  metrics.Recorder
	clock    func() time.Time
	newID    func() string
}

// New validates opts and returns a Publisher.
func New(opts Options) (*Publisher, error) {
	if opts.Store == nil || opts.Notes == nil || opts.Remote == nil || opts.Registry == nil {
		return nil, errors.New("publish: store, notes, remote and registry are required")
	}
	p := &Publisher{
		store:    opts.Store,
		notes:    opts.Notes,
		remote:   opts.Remote,
		pages:    opts.Pages,
		poller:   opts.Poller,
		registry: opts.Registry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		newID:    opts.NewID,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = metrics.Nop{}
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	if p.poller == nil {
		p.poller = deploy.NewPoller(5*time.Second, 60, p.logger)
	}
	return p, nil
}

// Publish starts a job pushing the block identified by postKey to the target
// and returns its id. subs are attached before the job makes its first
// transition. The job keeps running after ctx is done.
func (p *Publisher) Publish(ctx context.Context, targetID, postKey string, subs ...Callback) (string, error) {
	notePath, index, err := post.ParseKey(postKey)
	if err != nil {
		return "", &storage.ValidationError{Message: err.Error()}
	}
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return "", err
	}

	now := p.clock().UTC()
	job := types.PublishJob{
		ID:        p.newID(),
		TargetID:  target.ID,
		PostKey:   postKey,
		Status:    types.JobPending,
		Progress:  progress[types.JobPending],
		Steps:     stepsFor(target),
		History:   []types.JobStatus{types.JobPending},
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.registry.add(job, subs)
	p.logger.Info("publish job created",
		slog.String("job", job.ID),
		slog.String("target", target.ID),
		slog.String("post", postKey),
	)

	go p.run(context.WithoutCancel(ctx), job.ID, target, postKey, notePath, index)
	return job.ID, nil
}

// Get returns a snapshot of a job still held by the registry.
func (p *Publisher) Get(jobID string) (types.PublishJob, error) {
	job, ok := p.registry.Get(jobID)
	if !ok {
		return types.PublishJob{}, &storage.NotFoundError{Resource: "job", Key: jobID}
	}
	return job, nil
}

// Subscribe attaches cb to a job. See Registry.Subscribe.
func (p *Publisher) Subscribe(jobID string, cb Callback) (string, error) {
	return p.registry.Subscribe(jobID, cb)
}

// Unsubscribe detaches handles from a job without affecting it.
func (p *Publisher) Unsubscribe(jobID string, handles ...string) {
	p.registry.Unsubscribe(jobID, handles...)
}

func stepsFor(target types.PublishTarget) []types.PublishStep {
	names := []string{StepPrepare, StepPush}
	if target.Deployment != nil {
		names = append(names, StepBuild, StepDeploy)
	}
	steps := make([]types.PublishStep, len(names))
	for i, name := range names {
		steps[i] = types.PublishStep{Name: name, Status: types.StepPending}
	}
	return steps
}

// execution is the only writer of the job once Publish returns.
type execution struct {
	p        *Publisher
	id       string
	target   types.PublishTarget
	postKey  string
	notePath string
	index    int
	started  time.Time
}

func (p *Publisher) run(ctx context.Context, id string, target types.PublishTarget, postKey, notePath string, index int) {
	r := &execution{
		p:        p,
		id:       id,
		target:   target,
		postKey:  postKey,
		notePath: notePath,
		index:    index,
		started:  p.clock(),
	}

	r.enter(types.JobPreparing, StepPrepare)
	draft, content, path, err := r.prepare(ctx)
	if err != nil {
		r.fail(StepPrepare, err)
		return
	}
	r.finishStep(StepPrepare, path)

	r.enter(types.JobPushing, StepPush)
	client := p.remote(target.GitHub)
	result, err := r.push(ctx, client, draft, content, path)
	if err != nil {
		r.fail(StepPush, err)
		return
	}
	r.finishStep(StepPush, result.CommitHash)
	p.registry.update(id, func(j *types.PublishJob) {
		j.Path = path
		j.CommitHash = result.CommitHash
	})
	r.pinDate(ctx, draft)

	liveURL := post.LiveURL(target.SiteURL, target.Content.LivePostPath, draft.Slug)
	if target.Deployment != nil {
		runURL, err := r.track(ctx, client, result.CommitHash)
		if err != nil {
			return
		}
		if liveURL == "" {
			liveURL = runURL
		}
	}
	r.complete(liveURL)
}

func (r *execution) prepare(ctx context.Context) (types.PostDraft, string, string, error) {
	text, err := r.p.notes.Read(ctx, r.notePath)
	if err != nil {
		return types.PostDraft{}, "", "", fmt.Errorf("read note %s: %w", r.notePath, err)
	}
	block, err := post.Find(text, r.index, r.p.clock())
	if err != nil {
		return types.PostDraft{}, "", "", err
	}
	if block.Err != nil {
		return types.PostDraft{}, "", "", block.Err
	}
	draft := *block.Draft

	path, err := post.TargetPath(r.target.Content, draft)
	if err != nil {
		return types.PostDraft{}, "", "", err
	}
	content, err := post.Render(draft)
	if err != nil {
		return types.PostDraft{}, "", "", err
	}
	return draft, content, path, nil
}

// push creates, updates or renames the remote file depending on what the
// ledger says was last published for this post.
func (r *execution) push(ctx context.Context, client ContentClient, draft types.PostDraft, content, path string) (types.CommitResult, error) {
	branch := r.target.GitHub.Branch
	prev, err := r.p.store.GetRecord(ctx, r.target.ID, r.postKey)
	var nf *storage.NotFoundError
	found := err == nil
	if err != nil && !errors.As(err, &nf) {
		return types.CommitResult{}, fmt.Errorf("load publish record: %w", err)
	}

	var result types.CommitResult
	switch {
	case !found:
		result, err = client.Write(ctx, remote.WriteRequest{
			Path:    path,
			Content: content,
			Message: "Publish " + draft.Title,
			Branch:  branch,
		})
	case prev.Path == path:
		result, err = client.Write(ctx, remote.WriteRequest{
			Path:         path,
			Content:      content,
			Message:      "Update " + draft.Title,
			Branch:       branch,
			ExpectedHash: prev.ContentHash,
		})
	default:
		var moved types.CommitResult
		moved, err = client.Rename(ctx, remote.RenameRequest{
			OldPath:      prev.Path,
			NewPath:      path,
			Branch:       branch,
			ExpectedHash: prev.ContentHash,
			Message:      fmt.Sprintf("Rename %s to %s", prev.Path, path),
		})
		if err != nil {
			break
		}
		r.p.logger.Info("renamed published post",
			slog.String("job", r.id),
			slog.String("from", prev.Path),
			slog.String("to", path),
			slog.String("commit", moved.CommitHash),
		)
		// The file already lives at path; record that before the content
		// write so a failed write is retried as an update, not a rename.
		if err = r.p.store.PutRecord(ctx, types.PublishRecord{
			TargetID:    r.target.ID,
			PostKey:     r.postKey,
			Slug:        draft.Slug,
			Path:        path,
			ContentHash: moved.ContentHash,
			CommitHash:  moved.CommitHash,
			PublishedAt: r.p.clock().UTC(),
		}); err != nil {
			err = fmt.Errorf("renamed to %s but could not record it: %w", path, err)
			break
		}
		result, err = client.Write(ctx, remote.WriteRequest{
			Path:         path,
			Content:      content,
			Message:      "Update " + draft.Title,
			Branch:       branch,
			ExpectedHash: moved.ContentHash,
		})
	}
	if err != nil {
		return types.CommitResult{}, err
	}

	rec := types.PublishRecord{
		TargetID:    r.target.ID,
		PostKey:     r.postKey,
		Slug:        draft.Slug,
		Path:        path,
		ContentHash: result.ContentHash,
		CommitHash:  result.CommitHash,
		PublishedAt: r.p.clock().UTC(),
	}
	if err := r.p.store.PutRecord(ctx, rec); err != nil {
		return types.CommitResult{}, fmt.Errorf("pushed %s but could not record it: %w", result.CommitHash, err)
	}
	return result, nil
}

// pinDate writes a defaulted date back into the note so the slug survives
// re-extraction on a later day. The note is re-read in case it was edited
// while the job ran.
func (r *execution) pinDate(ctx context.Context, draft types.PostDraft) {
	if !draft.DateDefaulted {
		return
	}
	text, err := r.p.notes.Read(ctx, r.notePath)
	if err == nil {
		var changed bool
		text, changed, err = post.PinDate(text, r.index, draft.Date)
		if err == nil && changed {
			err = r.p.notes.Write(ctx, r.notePath, text)
		}
	}
	if err != nil {
		r.p.logger.Warn("could not pin post date",
			slog.String("job", r.id),
			slog.String("note", r.notePath),
			slog.String("error", err.Error()),
		)
	}
}

// track follows the pushed commit through building and deploying. It returns
// the run URL, or an error when the job has already been failed.
func (r *execution) track(ctx context.Context, client ContentClient, commit string) (string, error) {
	r.enter(types.JobBuilding, StepBuild)

	deploying := false
	toDeploying := func() {
		if deploying {
			return
		}
		deploying = true
		r.finishStep(StepBuild, "")
		r.enter(types.JobDeploying, StepDeploy)
	}

	outcome := r.p.poller.Track(ctx, r.source(client), commit, func(run types.DeploymentRun) {
		r.p.logger.Info("deployment phase",
			slog.String("job", r.id),
			slog.String("run", run.ID),
			slog.String("phase", string(run.Phase)),
		)
		if run.Phase == types.PhaseDeploying || run.Phase == types.PhaseSucceeded {
			toDeploying()
		}
	})

	switch {
	case outcome.Known && outcome.Phase == types.PhaseFailed:
		err := fmt.Errorf("deployment failed: %s", deployDetail(outcome.Run))
		if deploying {
			r.fail(StepDeploy, err)
		} else {
			r.fail(StepBuild, err)
		}
		return "", err
	case outcome.Known:
		toDeploying()
		r.finishStep(StepDeploy, outcome.Run.ID)
		return outcome.Run.URL, nil
	default:
		toDeploying()
		r.finishStep(StepDeploy, MessageDeployUnknown)
		return "", nil
	}
}

func (r *execution) source(client ContentClient) deploy.RunSource {
	d := r.target.Deployment
	if d.Provider == types.ProviderGitHubActions || r.p.pages == nil {
		return deploy.RunsFunc(client.DeploymentRunsForCommit)
	}
	return r.p.pages.Source(*d)
}

func deployDetail(run types.DeploymentRun) string {
	if run.Detail != "" {
		return run.Detail
	}
	if run.Name != "" {
		return run.Name
	}
	return run.ID
}

func (r *execution) enter(status types.JobStatus, step string) {
	r.p.registry.update(r.id, func(j *types.PublishJob) {
		j.Status = status
		j.History = append(j.History, status)
		if pct := progress[status]; pct > j.Progress {
			j.Progress = pct
		}
		setStep(j, step, types.StepInProgress, "")
	})
	r.p.logger.Info("publish job transition",
		slog.String("job", r.id),
		slog.String("status", string(status)),
	)
}

func (r *execution) finishStep(step, message string) {
	r.p.registry.update(r.id, func(j *types.PublishJob) {
		setStep(j, step, types.StepCompleted, message)
	})
}

func (r *execution) complete(url string) {
	r.p.registry.update(r.id, func(j *types.PublishJob) {
		j.Status = types.JobCompleted
		j.History = append(j.History, types.JobCompleted)
		j.Progress = progress[types.JobCompleted]
		j.URL = url
	})
	elapsed := r.p.clock().Sub(r.started)
	r.p.metrics.RecordJob(string(types.JobCompleted), elapsed)
	r.p.logger.Info("publish job completed",
		slog.String("job", r.id),
		slog.String("url", url),
		slog.Duration("elapsed", elapsed),
	)
}

func (r *execution) fail(step string, err error) {
	r.p.registry.update(r.id, func(j *types.PublishJob) {
		j.Status = types.JobFailed
		j.History = append(j.History, types.JobFailed)
		j.Error = err.Error()
		setStep(j, step, types.StepFailed, err.Error())
	})
	elapsed := r.p.clock().Sub(r.started)
	r.p.metrics.RecordJob(string(types.JobFailed), elapsed)
	r.p.logger.Error("publish job failed",
		slog.String("job", r.id),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}

func setStep(j *types.PublishJob, name string, status types.StepStatus, message string) {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			j.Steps[i].Status = status
			j.Steps[i].Message = message
			return
		}
	}
}
