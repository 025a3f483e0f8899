package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/onexay/notepub/internal/types"
)

func testOptions() Options {
	var n int
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	return Options{
		Clock: func() time.Time {
			n++
			return base.Add(time.Duration(n) * time.Second)
		},
		NewID: func() string {
			n++
			return fmt.Sprintf("target-%03d", n)
		},
	}
}

func sampleTarget(name, repo string) types.PublishTarget {
	return types.PublishTarget{
		Name:    name,
		GitHub:  types.RepoConfig{Repo: repo, Branch: "main", Token: "ghp_test"},
		Content: types.ContentConfig{Path: "src/content/posts", Format: types.FormatSingleFile},
	}
}

// exerciseStore runs the shared contract against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	first, err := store.AddTarget(ctx, sampleTarget("Acme", "acme/blog"))
	if err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if first.ID == "" {
		t.Fatalf("expected generated id")
	}
	if first.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be stamped")
	}

	withDeploy := sampleTarget("Notes", "me/notes")
	withDeploy.Deployment = &types.DeploymentTarget{AccountID: "acc", ProjectName: "notes", Token: "cf"}
	second, err := store.AddTarget(ctx, withDeploy)
	if err != nil {
		t.Fatalf("AddTarget with deployment: %v", err)
	}
	if second.Deployment.Provider != types.ProviderCloudflarePages {
		t.Fatalf("expected provider to default to cloudflare pages, got %q", second.Deployment.Provider)
	}

	var validation *ValidationError
	if _, err := store.AddTarget(ctx, sampleTarget("", "acme/other")); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for missing name, got %v", err)
	}
	bad := sampleTarget("Bad", "acme/bad")
	bad.Content.Format = "zip"
	if _, err := store.AddTarget(ctx, bad); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for format, got %v", err)
	}
	if _, err := store.AddTarget(ctx, sampleTarget("Bad", "no-slash")); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for repo shape, got %v", err)
	}

	targets, err := store.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if targets[0].ID != first.ID {
		t.Fatalf("expected targets ordered by creation")
	}

	first.SiteURL = "https://acme.dev"
	updated, err := store.UpdateTarget(ctx, first)
	if err != nil {
		t.Fatalf("UpdateTarget: %v", err)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("UpdateTarget must keep CreatedAt")
	}
	got, err := store.GetTarget(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if got.SiteURL != "https://acme.dev" {
		t.Fatalf("update not persisted: %+v", got)
	}

	var notFound *NotFoundError
	missing := sampleTarget("Ghost", "ghost/blog")
	missing.ID = "missing"
	if _, err := store.UpdateTarget(ctx, missing); !errors.As(err, &notFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}

	if _, err := store.GetRecord(ctx, first.ID, "daily/2024-01-15.md#0"); !errors.As(err, &notFound) {
		t.Fatalf("expected missing record, got %v", err)
	}
	rec := types.PublishRecord{
		TargetID:    first.ID,
		PostKey:     "daily/2024-01-15.md#0",
		Slug:        "2024-01-15-hello",
		Path:        "src/content/posts/2024-01-15-hello.md",
		ContentHash: "abc",
		CommitHash:  "c1",
	}
	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	rec.ContentHash = "def"
	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord overwrite: %v", err)
	}
	gotRec, err := store.GetRecord(ctx, first.ID, rec.PostKey)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if gotRec.ContentHash != "def" || gotRec.PublishedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", gotRec)
	}
	orphan := rec
	orphan.TargetID = "missing"
	if err := store.PutRecord(ctx, orphan); !errors.As(err, &notFound) {
		t.Fatalf("expected not found for orphan record, got %v", err)
	}

	records, err := store.ListRecords(ctx, first.ID)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	if err := store.RemoveTarget(ctx, first.ID); err != nil {
		t.Fatalf("RemoveTarget: %v", err)
	}
	if err := store.RemoveTarget(ctx, first.ID); !errors.As(err, &notFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
	records, err = store.ListRecords(ctx, first.ID)
	if err != nil {
		t.Fatalf("ListRecords after remove: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records must be removed with their target")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(testOptions()))
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "notepub.db")
	store, err := NewBoltStore(path, testOptions())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notepub.db")
	store, err := NewBoltStore(path, testOptions())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	target, err := store.AddTarget(context.Background(), sampleTarget("Acme", "acme/blog"))
	if err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewBoltStore(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetTarget(context.Background(), target.ID)
	if err != nil {
		t.Fatalf("GetTarget after reopen: %v", err)
	}
	if got.GitHub.Repo != "acme/blog" {
		t.Fatalf("unexpected target after reopen: %+v", got)
	}
}
