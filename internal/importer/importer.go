// Package importer creates publish targets from numbered key/value groups.
package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/onexay/notepub/internal/metrics"
	"github.com/onexay/notepub/internal/storage"
	"github.com/onexay/notepub/internal/types"
)

// DefaultPrefix is the key prefix of PREFIX_<N>_<FIELD> entries.
const DefaultPrefix = "XIN_BLOG"

var requiredFields = []string{
	"NAME",
	"GITHUB_REPO",
	"GITHUB_BRANCH",
	"GITHUB_TOKEN",
	"CONTENT_PATH",
	"CONTENT_FORMAT",
}

var cloudflareFields = []string{
	"CLOUDFLARE_ACCOUNT_ID",
	"CLOUDFLARE_PROJECT_NAME",
	"CLOUDFLARE_TOKEN",
}

// Skip explains why a valid group was not imported.
type Skip struct {
	Group  int    `json:"group"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// GroupError lists everything wrong with one group.
type GroupError struct {
	Group    int      `json:"group"`
	Messages []string `json:"messages"`
}

// Summary is the outcome of one import run.
type Summary struct {
	Imported []string     `json:"imported"`
	Skipped  []Skip       `json:"skipped"`
	Errors   []GroupError `json:"errors"`
}

func newSummary() Summary {
	return Summary{Imported: []string{}, Skipped: []Skip{}, Errors: []GroupError{}}
}

// Group is the set of fields sharing one numeric suffix.
type Group struct {
	Number int
	Fields map[string]string
}

// Importer writes new targets into a store.
type Importer struct {
	store   storage.Store
	prefix  string
	pattern *regexp.Regexp
	logger  *slog.Logger
	metrics metrics.Recorder

	mu sync.Mutex
}

// New returns an Importer for keys starting with prefix.
func New(store storage.Store, prefix string, logger *slog.Logger, rec metrics.Recorder) *Importer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Importer{
		store:   store,
		prefix:  prefix,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_(\d+)_(.+)$`),
		logger:  logger,
		metrics: rec,
	}
}

// ParseEnv reads KEY=value lines. Blank lines and # comments are ignored and
// one pair of surrounding single or double quotes is stripped from values.
func ParseEnv(r io.Reader) (map[string]string, error) {
	env := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		env[key] = value
	}
	return env, scanner.Err()
}

// Groups collects prefixed keys by their numeric suffix, in ascending order.
func (im *Importer) Groups(env map[string]string) []Group {
	byNumber := map[int]map[string]string{}
	for key, value := range env {
		m := im.pattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if byNumber[n] == nil {
			byNumber[n] = map[string]string{}
		}
		byNumber[n][m[2]] = value
	}

	groups := make([]Group, 0, len(byNumber))
	for n, fields := range byNumber {
		groups = append(groups, Group{Number: n, Fields: fields})
	}
	slices.SortFunc(groups, func(a, b Group) int { return a.Number - b.Number })
	return groups
}

// Target converts a group into a target, or returns every problem found.
func (im *Importer) Target(g Group) (types.PublishTarget, []string) {
	var problems []string
	key := func(field string) string {
		return fmt.Sprintf("%s_%d_%s", im.prefix, g.Number, field)
	}

	for _, field := range requiredFields {
		if g.Fields[field] == "" {
			problems = append(problems, "Missing required field: "+key(field))
		}
	}
	format := types.ContentFormat(g.Fields["CONTENT_FORMAT"])
	if format != "" && !format.Valid() {
		problems = append(problems, fmt.Sprintf(`Invalid CONTENT_FORMAT %q: must be "single-file" or "multi-file"`, format))
	}

	var present, missing []string
	for _, field := range cloudflareFields {
		if g.Fields[field] != "" {
			present = append(present, field)
		} else {
			missing = append(missing, key(field))
		}
	}
	if len(present) > 0 && len(missing) > 0 {
		problems = append(problems, "Incomplete deployment tracking, also set: "+strings.Join(missing, ", "))
	}

	provider := types.DeploymentProvider(g.Fields["DEPLOY_PROVIDER"])
	if provider != "" && provider != types.ProviderCloudflarePages && provider != types.ProviderGitHubActions {
		problems = append(problems, fmt.Sprintf("Invalid DEPLOY_PROVIDER %q", provider))
	}

	if len(problems) > 0 {
		return types.PublishTarget{}, problems
	}

	target := types.PublishTarget{
		Name: g.Fields["NAME"],
		GitHub: types.RepoConfig{
			Repo:   g.Fields["GITHUB_REPO"],
			Branch: g.Fields["GITHUB_BRANCH"],
			Token:  g.Fields["GITHUB_TOKEN"],
		},
		Content: types.ContentConfig{
			Path:         g.Fields["CONTENT_PATH"],
			Format:       format,
			Filename:     g.Fields["CONTENT_FILENAME"],
			LivePostPath: g.Fields["CONTENT_LIVE_POST_PATH"],
		},
		SiteURL: g.Fields["SITE_URL"],
	}
	switch {
	case len(present) == len(cloudflareFields):
		target.Deployment = &types.DeploymentTarget{
			Provider:    types.ProviderCloudflarePages,
			AccountID:   g.Fields["CLOUDFLARE_ACCOUNT_ID"],
			ProjectName: g.Fields["CLOUDFLARE_PROJECT_NAME"],
			Token:       g.Fields["CLOUDFLARE_TOKEN"],
		}
	case provider == types.ProviderGitHubActions:
		target.Deployment = &types.DeploymentTarget{Provider: types.ProviderGitHubActions}
	}
	return target, nil
}

// Run imports every valid group whose repository is not yet configured.
// Invalid groups are reported and never block the others.
func (im *Importer) Run(ctx context.Context, env map[string]string) (Summary, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	summary := newSummary()
	groups := im.Groups(env)
	if len(groups) == 0 {
		return summary, nil
	}

	existing, err := im.store.ListTargets(ctx)
	if err != nil {
		return summary, fmt.Errorf("list targets: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[t.RepoKey()] = true
	}

	for _, g := range groups {
		target, problems := im.Target(g)
		if len(problems) > 0 {
			summary.Errors = append(summary.Errors, GroupError{Group: g.Number, Messages: problems})
			im.metrics.RecordImportGroup("error")
			continue
		}
		if known[target.RepoKey()] {
			summary.Skipped = append(summary.Skipped, Skip{
				Group:  g.Number,
				Name:   target.Name,
				Reason: fmt.Sprintf("Blog for repo %q already exists", target.GitHub.Repo),
			})
			im.metrics.RecordImportGroup("skipped")
			continue
		}

		saved, err := im.store.AddTarget(ctx, target)
		var verr *storage.ValidationError
		if errors.As(err, &verr) {
			summary.Errors = append(summary.Errors, GroupError{Group: g.Number, Messages: []string{verr.Message}})
			im.metrics.RecordImportGroup("error")
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("save group %d: %w", g.Number, err)
		}
		known[saved.RepoKey()] = true
		summary.Imported = append(summary.Imported, saved.Name)
		im.metrics.RecordImportGroup("imported")
		im.logger.Info("imported publish target",
			slog.Int("group", g.Number),
			slog.String("name", saved.Name),
			slog.String("repo", saved.GitHub.Repo),
		)
	}
	return summary, nil
}

// RunFile imports from a key/value file. A missing file imports nothing.
func (im *Importer) RunFile(ctx context.Context, path string) (Summary, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newSummary(), nil
	}
	if err != nil {
		return newSummary(), err
	}
	defer f.Close()

	env, err := ParseEnv(f)
	if err != nil {
		return newSummary(), fmt.Errorf("parse %s: %w", path, err)
	}
	return im.Run(ctx, env)
}
