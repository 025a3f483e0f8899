package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexay/notepub/internal/logger"
	"github.com/onexay/notepub/internal/storage"
	"github.com/onexay/notepub/internal/types"
)

const sampleEnv = `# blogs managed from the vault
XIN_BLOG_1_NAME="Acme Blog"
XIN_BLOG_1_GITHUB_REPO=acme/blog
XIN_BLOG_1_GITHUB_BRANCH=main
XIN_BLOG_1_GITHUB_TOKEN='ghp_one'
XIN_BLOG_1_CONTENT_PATH=src/content/posts
XIN_BLOG_1_CONTENT_FORMAT=single-file
XIN_BLOG_1_SITE_URL=https://acme.dev
XIN_BLOG_1_CLOUDFLARE_ACCOUNT_ID=acc
XIN_BLOG_1_CLOUDFLARE_PROJECT_NAME=acme-blog
XIN_BLOG_1_CLOUDFLARE_TOKEN=cf

XIN_BLOG_2_NAME=Broken
XIN_BLOG_2_GITHUB_REPO=me/broken
XIN_BLOG_2_CONTENT_FORMAT=zip

XIN_BLOG_10_NAME=Notes
XIN_BLOG_10_GITHUB_REPO=me/notes
XIN_BLOG_10_GITHUB_BRANCH=gh-pages
XIN_BLOG_10_GITHUB_TOKEN=ghp_ten
XIN_BLOG_10_CONTENT_PATH=content
XIN_BLOG_10_CONTENT_FORMAT=multi-file
XIN_BLOG_10_CONTENT_FILENAME={year}/{slug}/index.md
XIN_BLOG_10_DEPLOY_PROVIDER=github-actions

UNRELATED=value
not a pair
`

func newImporter(t *testing.T) (*Importer, storage.Store) {
	t.Helper()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	var n int
	store := storage.NewMemoryStore(storage.Options{Clock: func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}})
	return New(store, "", logger.Discard(), nil), store
}

func parse(t *testing.T, src string) map[string]string {
	t.Helper()
	env, err := ParseEnv(strings.NewReader(src))
	require.NoError(t, err)
	return env
}

func TestParseEnv(t *testing.T) {
	env := parse(t, sampleEnv)
	assert.Equal(t, "Acme Blog", env["XIN_BLOG_1_NAME"])
	assert.Equal(t, "ghp_one", env["XIN_BLOG_1_GITHUB_TOKEN"])
	assert.Equal(t, "value", env["UNRELATED"])
	assert.NotContains(t, env, "not a pair")
}

func TestRunImportsValidGroupsAndReportsInvalidOnes(t *testing.T) {
	im, store := newImporter(t)
	ctx := context.Background()

	summary, err := im.Run(ctx, parse(t, sampleEnv))
	require.NoError(t, err)

	assert.Equal(t, []string{"Acme Blog", "Notes"}, summary.Imported)
	assert.Empty(t, summary.Skipped)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, 2, summary.Errors[0].Group)
	assert.Equal(t, []string{
		"Missing required field: XIN_BLOG_2_GITHUB_BRANCH",
		"Missing required field: XIN_BLOG_2_GITHUB_TOKEN",
		"Missing required field: XIN_BLOG_2_CONTENT_PATH",
		`Invalid CONTENT_FORMAT "zip": must be "single-file" or "multi-file"`,
	}, summary.Errors[0].Messages)

	targets, err := store.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	acme := targets[0]
	assert.Equal(t, "acme/blog", acme.GitHub.Repo)
	assert.Equal(t, "https://acme.dev", acme.SiteURL)
	require.NotNil(t, acme.Deployment)
	assert.Equal(t, types.ProviderCloudflarePages, acme.Deployment.Provider)
	assert.Equal(t, "acme-blog", acme.Deployment.ProjectName)

	notes := targets[1]
	assert.Equal(t, types.FormatMultiFile, notes.Content.Format)
	assert.Equal(t, "{year}/{slug}/index.md", notes.Content.Filename)
	require.NotNil(t, notes.Deployment)
	assert.Equal(t, types.ProviderGitHubActions, notes.Deployment.Provider)
}

func TestRunIsIdempotent(t *testing.T) {
	im, store := newImporter(t)
	ctx := context.Background()
	env := parse(t, sampleEnv)

	_, err := im.Run(ctx, env)
	require.NoError(t, err)

	second, err := im.Run(ctx, env)
	require.NoError(t, err)
	assert.Empty(t, second.Imported)
	require.Len(t, second.Skipped, 2)
	assert.Equal(t, 1, second.Skipped[0].Group)
	assert.Equal(t, `Blog for repo "acme/blog" already exists`, second.Skipped[0].Reason)
	assert.Equal(t, 10, second.Skipped[1].Group)

	targets, err := store.ListTargets(ctx)
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestRepoMatchIsCaseInsensitiveWithinOneRun(t *testing.T) {
	im, _ := newImporter(t)
	env := parse(t, `
XIN_BLOG_1_NAME=First
XIN_BLOG_1_GITHUB_REPO=Acme/Blog
XIN_BLOG_1_GITHUB_BRANCH=main
XIN_BLOG_1_GITHUB_TOKEN=t
XIN_BLOG_1_CONTENT_PATH=posts
XIN_BLOG_1_CONTENT_FORMAT=single-file
XIN_BLOG_2_NAME=Second
XIN_BLOG_2_GITHUB_REPO=acme/blog
XIN_BLOG_2_GITHUB_BRANCH=main
XIN_BLOG_2_GITHUB_TOKEN=t
XIN_BLOG_2_CONTENT_PATH=posts
XIN_BLOG_2_CONTENT_FORMAT=single-file
`)
	summary, err := im.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"First"}, summary.Imported)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, "Second", summary.Skipped[0].Name)
}

func TestPartialDeploymentTrackingIsAnError(t *testing.T) {
	im, _ := newImporter(t)
	env := parse(t, `
XIN_BLOG_1_NAME=First
XIN_BLOG_1_GITHUB_REPO=acme/blog
XIN_BLOG_1_GITHUB_BRANCH=main
XIN_BLOG_1_GITHUB_TOKEN=t
XIN_BLOG_1_CONTENT_PATH=posts
XIN_BLOG_1_CONTENT_FORMAT=single-file
XIN_BLOG_1_CLOUDFLARE_ACCOUNT_ID=acc
`)
	summary, err := im.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Empty(t, summary.Imported)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Messages[0], "XIN_BLOG_1_CLOUDFLARE_PROJECT_NAME")
	assert.Contains(t, summary.Errors[0].Messages[0], "XIN_BLOG_1_CLOUDFLARE_TOKEN")
}

func TestStoreValidationIsReportedPerGroup(t *testing.T) {
	im, _ := newImporter(t)
	env := parse(t, `
XIN_BLOG_1_NAME=Bad repo
XIN_BLOG_1_GITHUB_REPO=no-owner
XIN_BLOG_1_GITHUB_BRANCH=main
XIN_BLOG_1_GITHUB_TOKEN=t
XIN_BLOG_1_CONTENT_PATH=posts
XIN_BLOG_1_CONTENT_FORMAT=single-file
`)
	summary, err := im.Run(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Messages[0], "owner/name")
}

func TestRunFile(t *testing.T) {
	im, _ := newImporter(t)
	dir := t.TempDir()

	summary, err := im.RunFile(context.Background(), filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Empty(t, summary.Imported)
	assert.Empty(t, summary.Errors)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(sampleEnv), 0o600))
	summary, err = im.RunFile(context.Background(), filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Len(t, summary.Imported, 2)
}

func TestCustomPrefix(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	im := New(store, "MY_SITE", logger.Discard(), nil)
	env := parse(t, strings.ReplaceAll(sampleEnv, "XIN_BLOG", "MY_SITE"))

	summary, err := im.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Len(t, summary.Imported, 2)
	assert.Equal(t, "Missing required field: MY_SITE_2_GITHUB_BRANCH", summary.Errors[0].Messages[0])
}

func TestWatchReimportsOnChange(t *testing.T) {
	im, store := newImporter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan Summary, 8)
	done := make(chan error, 1)
	go func() {
		done <- im.Watch(ctx, path, func(s Summary, err error) {
			if err != nil {
				return
			}
			select {
			case results <- s:
			default:
			}
		})
	}()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()

	for imported := false; !imported; {
		select {
		case s := <-results:
			imported = len(s.Imported) > 0 || len(s.Skipped) > 0
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte(sampleEnv), 0o600))
		case <-deadline:
			t.Fatal("watcher never re-ran the import")
		}
	}

	targets, err := store.ListTargets(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
