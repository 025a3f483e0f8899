package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/onexay/notepub/internal/config"
	"github.com/onexay/notepub/internal/deploy"
	"github.com/onexay/notepub/internal/importer"
	"github.com/onexay/notepub/internal/metrics"
	"github.com/onexay/notepub/internal/notes"
	"github.com/onexay/notepub/internal/post"
	"github.com/onexay/notepub/internal/publish"
	"github.com/onexay/notepub/internal/remote"
	"github.com/onexay/notepub/internal/storage"
	"github.com/onexay/notepub/internal/types"
)

// Service is the UI-facing call surface over targets, notes and publish jobs.
type Service struct {
	store      storage.Store
	notes      notes.Store
	remote     *remote.Connector
	publisher  *publish.Publisher
	importer   *importer.Importer
	importFile string
	logger     *slog.Logger
	clock      func() time.Time
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store      storage.Store
	Notes      notes.Store
	Remote     *remote.Connector
	Publisher  *publish.Publisher
	Importer   *importer.Importer
	ImportFile string
	Logger     *slog.Logger
	Clock      func() time.Time
}

// NewWithDeps builds a Service from already constructed collaborators.
func NewWithDeps(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Service{
		store:      d.Store,
		notes:      d.Notes,
		remote:     d.Remote,
		publisher:  d.Publisher,
		importer:   d.Importer,
		importFile: d.ImportFile,
		logger:     d.Logger,
		clock:      d.Clock,
	}
}

// New constructs the service wiring from configuration.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, rec metrics.Recorder) (*Service, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	vault, err := notes.NewVault(cfg.VaultPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var limiter *rate.Limiter
	if r := cfg.Remote.RatePerSecond; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), max(1, int(r)))
	}
	connector := remote.NewConnector(remote.Options{
		BaseURL:          cfg.Remote.BaseURL,
		APIVersion:       cfg.Remote.APIVersion,
		Limiter:          limiter,
		BatchConcurrency: cfg.Remote.BatchConcurrency,
		Logger:           logger,
		Metrics:          rec,
	})

	pub, err := publish.New(publish.Options{
		Store:    store,
		Notes:    vault,
		Remote:   func(c types.RepoConfig) publish.ContentClient { return connector.For(c) },
		Pages:    deploy.NewPagesClient(nil, cfg.Deploy.CloudflareURL, logger, rec),
		Poller:   deploy.NewPoller(cfg.Deploy.PollInterval, cfg.Deploy.PollAttempts, logger),
		Registry: publish.NewRegistry(cfg.Jobs.Retention),
		Logger:   logger,
		Metrics:  rec,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.Info("service initialised",
		slog.String("storage", string(cfg.Storage.Backend)),
		slog.String("vault", vault.Root()),
	)
	return NewWithDeps(Deps{
		Store:      store,
		Notes:      vault,
		Remote:     connector,
		Publisher:  pub,
		Importer:   importer.New(store, cfg.Import.Prefix, logger, rec),
		ImportFile: cfg.Import.EnvFile,
		Logger:     logger,
	}), nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.StorageBackendKeyDB:
		return storage.NewKeyDBStore(cfg.KeyDB, storage.Options{})
	case config.StorageBackendMemory:
		return storage.NewMemoryStore(storage.Options{}), nil
	case config.StorageBackendBolt, "":
		return storage.NewBoltStore(cfg.BoltPath, storage.Options{})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Close releases the target store.
func (s *Service) Close() error {
	return s.store.Close()
}

// Targets lists every target with tokens removed.
func (s *Service) Targets(ctx context.Context) ([]types.PublishTarget, error) {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.PublishTarget, len(targets))
	for i, t := range targets {
		out[i] = t.Redacted()
	}
	return out, nil
}

// AddTarget stores a new target. A target whose repository is already
// configured is refused.
func (s *Service) AddTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error) {
	existing, err := s.store.ListTargets(ctx)
	if err != nil {
		return types.PublishTarget{}, err
	}
	for _, t := range existing {
		if t.RepoKey() == target.RepoKey() && target.RepoKey() != "" {
			return types.PublishTarget{}, &storage.ConflictError{Resource: "target", Key: target.GitHub.Repo}
		}
	}
	saved, err := s.store.AddTarget(ctx, target)
	if err != nil {
		return types.PublishTarget{}, err
	}
	return saved.Redacted(), nil
}

// UpdateTarget replaces a target. Empty tokens keep the stored ones, since
// clients only ever see redacted targets.
func (s *Service) UpdateTarget(ctx context.Context, id string, target types.PublishTarget) (types.PublishTarget, error) {
	current, err := s.store.GetTarget(ctx, id)
	if err != nil {
		return types.PublishTarget{}, err
	}
	target.ID = id
	if target.GitHub.Token == "" {
		target.GitHub.Token = current.GitHub.Token
	}
	if target.Deployment != nil && target.Deployment.Token == "" && current.Deployment != nil {
		d := *target.Deployment
		d.Token = current.Deployment.Token
		target.Deployment = &d
	}
	saved, err := s.store.UpdateTarget(ctx, target)
	if err != nil {
		return types.PublishTarget{}, err
	}
	return saved.Redacted(), nil
}

// RemoveTarget deletes a target and its publish records.
func (s *Service) RemoveTarget(ctx context.Context, id string) error {
	return s.store.RemoveTarget(ctx, id)
}

// Import runs the bulk importer against the configured source file.
func (s *Service) Import(ctx context.Context) (importer.Summary, error) {
	return s.importer.RunFile(ctx, s.importFile)
}

// WatchImports re-runs the import whenever the source file changes.
func (s *Service) WatchImports(ctx context.Context) error {
	return s.importer.Watch(ctx, s.importFile, func(summary importer.Summary, err error) {
		if err != nil {
			return
		}
		s.logger.Info("import re-run",
			slog.Int("imported", len(summary.Imported)),
			slog.Int("skipped", len(summary.Skipped)),
			slog.Int("errors", len(summary.Errors)),
		)
	})
}

// Publish starts a publish job and returns its id.
func (s *Service) Publish(ctx context.Context, targetID, postKey string) (string, error) {
	return s.publisher.Publish(ctx, targetID, postKey)
}

// Job returns the current state of a job.
func (s *Service) Job(id string) (types.PublishJob, error) {
	return s.publisher.Get(id)
}

// Subscribe attaches cb to a job and returns its handle.
func (s *Service) Subscribe(jobID string, cb publish.Callback) (string, error) {
	return s.publisher.Subscribe(jobID, cb)
}

// Unsubscribe detaches handles, or every subscriber, from a job.
func (s *Service) Unsubscribe(jobID string, handles ...string) {
	s.publisher.Unsubscribe(jobID, handles...)
}

// PostEntry is one block of a note as shown in the post list.
type PostEntry struct {
	Key       string           `json:"key"`
	Index     int              `json:"index"`
	Syntax    string           `json:"syntax"`
	StartLine int              `json:"startLine"`
	Draft     *types.PostDraft `json:"draft,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Posts lists every post block of a note, valid or not.
func (s *Service) Posts(ctx context.Context, notePath string) ([]PostEntry, error) {
	text, err := s.readNote(ctx, notePath)
	if err != nil {
		return nil, err
	}
	blocks := post.Extract(text, s.clock())
	entries := make([]PostEntry, 0, len(blocks))
	for _, b := range blocks {
		e := PostEntry{
			Key:       post.Key(notePath, b.Index),
			Index:     b.Index,
			Syntax:    b.Syntax.String(),
			StartLine: b.StartLine + 1,
			Draft:     b.Draft,
		}
		if b.Err != nil {
			e.Error = b.Err.Error()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PreviewResult is a rendered post.
type PreviewResult struct {
	Draft types.PostDraft `json:"draft"`
	HTML  string          `json:"html"`
}

// Preview renders the post behind postKey as sanitised HTML.
func (s *Service) Preview(ctx context.Context, postKey string) (PreviewResult, error) {
	draft, err := s.draft(ctx, postKey)
	if err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{Draft: draft, HTML: post.Preview(draft)}, nil
}

// RemotePosts reads every markdown file under the target's content path.
// Directories are searched one level deep so multi-file layouts are found.
func (s *Service) RemotePosts(ctx context.Context, targetID string) ([]types.RemoteFile, error) {
	target, err := s.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	client := s.remote.For(target.GitHub)
	branch := target.GitHub.Branch

	entries, err := client.List(ctx, target.Content.Path, branch)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		switch {
		case e.Kind == types.EntryFile && isMarkdown(e.Name):
			paths = append(paths, e.Path)
		case e.Kind == types.EntryDir:
			children, err := client.List(ctx, e.Path, branch)
			if err != nil {
				s.logger.Warn("skipping remote directory",
					slog.String("path", e.Path),
					slog.String("error", err.Error()),
				)
				continue
			}
			for _, c := range children {
				if c.Kind == types.EntryFile && isMarkdown(c.Name) {
					paths = append(paths, c.Path)
				}
			}
		}
	}

	files := client.BatchRead(ctx, paths, branch)
	out := make([]types.RemoteFile, 0, len(files))
	for _, f := range files {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b types.RemoteFile) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

// DiffResult compares a locally rendered post with its remote file.
type DiffResult struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Diff   string `json:"diff"`
}

// Diff renders the post and diffs it against the file at its target path.
func (s *Service) Diff(ctx context.Context, targetID, postKey string) (DiffResult, error) {
	target, err := s.store.GetTarget(ctx, targetID)
	if err != nil {
		return DiffResult{}, err
	}
	draft, err := s.draft(ctx, postKey)
	if err != nil {
		return DiffResult{}, err
	}
	p, err := post.TargetPath(target.Content, draft)
	if err != nil {
		return DiffResult{}, &storage.ValidationError{Message: err.Error()}
	}
	local, err := post.Render(draft)
	if err != nil {
		return DiffResult{}, err
	}

	file, err := s.remote.For(target.GitHub).Read(ctx, p, target.GitHub.Branch)
	if err != nil {
		return DiffResult{}, err
	}
	res := DiffResult{Path: p, Exists: file != nil}
	var current string
	if file != nil {
		current = file.Content
	}
	res.Diff = post.Diff(current, local, "remote/"+p, "local/"+p)
	return res, nil
}

func (s *Service) readNote(ctx context.Context, notePath string) (string, error) {
	text, err := s.notes.Read(ctx, notePath)
	if errors.Is(err, notes.ErrNotFound) {
		return "", &storage.NotFoundError{Resource: "note", Key: notePath}
	}
	return text, err
}

func (s *Service) draft(ctx context.Context, postKey string) (types.PostDraft, error) {
	notePath, index, err := post.ParseKey(postKey)
	if err != nil {
		return types.PostDraft{}, &storage.ValidationError{Message: err.Error()}
	}
	text, err := s.readNote(ctx, notePath)
	if err != nil {
		return types.PostDraft{}, err
	}
	block, err := post.Find(text, index, s.clock())
	if err != nil {
		return types.PostDraft{}, &storage.NotFoundError{Resource: "post", Key: postKey}
	}
	if block.Err != nil {
		return types.PostDraft{}, block.Err
	}
	return *block.Draft, nil
}

func isMarkdown(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".mdx", ".markdown":
		return true
	}
	return false
}
