package remote_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/onexay/notepub/internal/logger"
	"github.com/onexay/notepub/internal/remote"
	"github.com/onexay/notepub/internal/remote/remotetest"
	"github.com/onexay/notepub/internal/types"
)

func newClient(t *testing.T) (*remote.Client, *remotetest.Server) {
	t.Helper()
	srv := remotetest.NewServer()
	srv.Token = "ghp_test"
	t.Cleanup(srv.Close)

	client := remote.NewClient(types.RepoConfig{Repo: "acme/blog", Branch: "main", Token: "ghp_test"}, remote.Options{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     logger.Discard(),
	})
	return client, srv
}

func TestReadAbsentFile(t *testing.T) {
	client, _ := newClient(t)

	file, err := client.Read(context.Background(), "posts/missing.md", "main")
	if err != nil {
		t.Fatalf("Read returned error for absent file: %v", err)
	}
	if file != nil {
		t.Fatalf("expected absent file, got %+v", file)
	}
}

func TestListDirectories(t *testing.T) {
	client, srv := newClient(t)
	ctx := context.Background()

	entries, err := client.List(ctx, "posts", "main")
	if err != nil {
		t.Fatalf("List of absent directory: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty non-nil listing, got %#v", entries)
	}

	srv.Put("main", "posts/a.md", "a")
	srv.Put("main", "posts/2024/b.md", "b")

	entries, err = client.List(ctx, "posts", "main")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "2024" || entries[0].Kind != types.EntryDir {
		t.Fatalf("expected directory entry first, got %+v", entries[0])
	}
	if entries[1].Path != "posts/a.md" || entries[1].Kind != types.EntryFile || entries[1].Hash == "" {
		t.Fatalf("unexpected file entry %+v", entries[1])
	}

	if _, err := client.List(ctx, "posts/a.md", "main"); !errors.Is(err, remote.ErrNotDirectory) {
		t.Fatalf("expected ErrNotDirectory listing a file, got %v", err)
	}
}

func TestWriteCreateUpdateAndConflict(t *testing.T) {
	client, srv := newClient(t)
	ctx := context.Background()

	created, err := client.Write(ctx, remote.WriteRequest{
		Path: "posts/hello.md", Content: "v1", Message: "Add hello", Branch: "main",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ContentHash == "" || created.CommitHash == "" {
		t.Fatalf("expected hashes on create, got %+v", created)
	}

	updated, err := client.Write(ctx, remote.WriteRequest{
		Path: "posts/hello.md", Content: "v2", Message: "Update hello", Branch: "main", ExpectedHash: created.ContentHash,
	})
	if err != nil {
		t.Fatalf("update with fresh hash: %v", err)
	}

	file, err := client.Read(ctx, "posts/hello.md", "main")
	if err != nil || file == nil {
		t.Fatalf("Read after update: %v %v", file, err)
	}
	if file.Content != "v2" || file.Hash != updated.ContentHash {
		t.Fatalf("unexpected file after update: %+v", file)
	}

	srv.Put("main", "posts/hello.md", "edited elsewhere")

	_, err = client.Write(ctx, remote.WriteRequest{
		Path: "posts/hello.md", Content: "v3", Message: "Update hello", Branch: "main", ExpectedHash: updated.ContentHash,
	})
	var conflict *remote.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for stale hash, got %v", err)
	}
	if conflict.Path != "posts/hello.md" || conflict.Expected != updated.ContentHash {
		t.Fatalf("unexpected conflict detail %+v", conflict)
	}

	_, err = client.Write(ctx, remote.WriteRequest{
		Path: "posts/hello.md", Content: "v3", Message: "Recreate hello", Branch: "main",
	})
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError when creating over an existing file, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	client, srv := newClient(t)
	ctx := context.Background()

	hash := srv.Put("main", "posts/old.md", "old")

	if _, err := client.Remove(ctx, "posts/old.md", "Remove old", "main", "stale"); err == nil {
		t.Fatalf("expected remove with stale hash to fail")
	}
	if _, err := client.Remove(ctx, "posts/old.md", "Remove old", "main", hash); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, ok := srv.File("main", "posts/old.md"); ok {
		t.Fatalf("file still present after remove")
	}
}

func TestRenameIsOneCommit(t *testing.T) {
	client, srv := newClient(t)
	ctx := context.Background()

	hash := srv.Put("main", "posts/a.md", "original content\n")
	srv.Put("main", "posts/other.md", "untouched")
	before := srv.CommitCount("main")

	res, err := client.Rename(ctx, remote.RenameRequest{
		OldPath: "posts/a.md", NewPath: "posts/b.md", Branch: "main", ExpectedHash: hash,
	})
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got := srv.CommitCount("main"); got != before+1 {
		t.Fatalf("expected exactly one new commit, got %d", got-before)
	}
	if srv.Head("main") != res.CommitHash {
		t.Fatalf("branch does not point at the rename commit")
	}

	old, err := client.Read(ctx, "posts/a.md", "main")
	if err != nil || old != nil {
		t.Fatalf("old path should be absent, got %+v %v", old, err)
	}
	moved, err := client.Read(ctx, "posts/b.md", "main")
	if err != nil || moved == nil {
		t.Fatalf("Read new path: %+v %v", moved, err)
	}
	if moved.Content != "original content\n" || moved.Hash != res.ContentHash {
		t.Fatalf("unexpected renamed file %+v (result %+v)", moved, res)
	}
	if _, _, ok := srv.File("main", "posts/other.md"); !ok {
		t.Fatalf("unrelated file lost during rename")
	}
}

func TestRenameOnSlashNamedBranch(t *testing.T) {
	client, srv := newClient(t)
	ctx := context.Background()

	hash := srv.Put("release/blog", "posts/a.md", "on release\n")
	res, err := client.Rename(ctx, remote.RenameRequest{
		OldPath: "posts/a.md", NewPath: "posts/b.md", Branch: "release/blog", ExpectedHash: hash,
	})
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if srv.Head("release/blog") != res.CommitHash {
		t.Fatalf("branch does not point at the rename commit")
	}
	if _, _, ok := srv.File("release/blog", "posts/b.md"); !ok {
		t.Fatalf("renamed file missing on release/blog")
	}
}

func TestRenameFailureLeavesBranchUnchanged(t *testing.T) {
	steps := map[string]string{
		"get-ref":       remote.StepResolveRef,
		"get-commit":    remote.StepGetCommit,
		"create-blob":   remote.StepCreateBlob,
		"create-tree":   remote.StepCreateTree,
		"create-commit": remote.StepCreateCommit,
		"update-ref":    remote.StepUpdateRef,
	}
	for op, step := range steps {
		t.Run(op, func(t *testing.T) {
			client, srv := newClient(t)
			srv.Put("main", "posts/a.md", "content")
			head := srv.Head("main")
			srv.Fail(op, http.StatusInternalServerError)

			_, err := client.Rename(context.Background(), remote.RenameRequest{
				OldPath: "posts/a.md", NewPath: "posts/b.md", Branch: "main",
			})
			var stepErr *remote.StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("expected StepError, got %v", err)
			}
			if stepErr.Step != step {
				t.Fatalf("expected step %s, got %s", step, stepErr.Step)
			}
			if srv.Head("main") != head {
				t.Fatalf("branch moved despite failed rename")
			}
			if _, _, ok := srv.File("main", "posts/a.md"); !ok {
				t.Fatalf("old file disappeared after failed rename")
			}
		})
	}
}

func TestRenameRejectsStaleSource(t *testing.T) {
	client, srv := newClient(t)
	srv.Put("main", "posts/a.md", "content")

	_, err := client.Rename(context.Background(), remote.RenameRequest{
		OldPath: "posts/a.md", NewPath: "posts/b.md", Branch: "main", ExpectedHash: "stale",
	})
	var conflict *remote.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	_, err = client.Rename(context.Background(), remote.RenameRequest{
		OldPath: "posts/missing.md", NewPath: "posts/b.md", Branch: "main",
	})
	if !errors.Is(err, remote.ErrAbsent) {
		t.Fatalf("expected ErrAbsent, got %v", err)
	}
}

func TestRenameNonFastForwardIsConflict(t *testing.T) {
	client, srv := newClient(t)
	srv.Put("main", "posts/a.md", "content")

	var once sync.Once
	srv.Hook = func(op string) {
		if op == "update-ref" {
			once.Do(func() { srv.Put("main", "posts/concurrent.md", "x") })
		}
	}

	_, err := client.Rename(context.Background(), remote.RenameRequest{
		OldPath: "posts/a.md", NewPath: "posts/b.md", Branch: "main",
	})
	var conflict *remote.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for non fast forward, got %v", err)
	}
	if _, _, ok := srv.File("main", "posts/a.md"); !ok {
		t.Fatalf("old file must survive a rejected rename")
	}
}

func TestBatchReadOmitsFailedPaths(t *testing.T) {
	client, srv := newClient(t)

	var paths []string
	for i := 1; i <= 8; i++ {
		p := fmt.Sprintf("posts/p%d.md", i)
		srv.Put("main", p, fmt.Sprintf("post %d", i))
		paths = append(paths, p)
	}
	srv.Fail("posts/p3.md", http.StatusInternalServerError)

	files := client.BatchRead(context.Background(), paths, "main")
	if len(files) != len(paths)-1 {
		t.Fatalf("expected %d files, got %d", len(paths)-1, len(files))
	}
	if _, ok := files["posts/p3.md"]; ok {
		t.Fatalf("failed path must be omitted")
	}
	if files["posts/p8.md"].Content != "post 8" {
		t.Fatalf("unexpected content %+v", files["posts/p8.md"])
	}
}

func TestBatchReadBoundsRequestsInFlight(t *testing.T) {
	client, srv := newClient(t)

	var paths []string
	for i := 1; i <= 20; i++ {
		p := fmt.Sprintf("posts/p%d.md", i)
		srv.Put("main", p, fmt.Sprintf("post %d", i))
		paths = append(paths, p)
	}

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	srv.Hook = func(op string) {
		if op != "contents" {
			return
		}
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	files := client.BatchRead(context.Background(), paths, "main")
	if len(files) != len(paths) {
		t.Fatalf("expected %d files, got %d", len(paths), len(files))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > remote.DefaultBatchConcurrency {
		t.Fatalf("expected at most %d reads in flight, saw %d", remote.DefaultBatchConcurrency, peak)
	}
	if peak < 2 {
		t.Fatalf("expected reads to overlap, peak was %d", peak)
	}
}

func TestProtocolErrorCarriesRemoteMessage(t *testing.T) {
	client, srv := newClient(t)
	srv.Fail("posts/a.md", http.StatusForbidden)

	_, err := client.Read(context.Background(), "posts/a.md", "main")
	var perr *remote.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Status != http.StatusForbidden || perr.Message != "injected failure" {
		t.Fatalf("unexpected protocol error %+v", perr)
	}
}

func TestBadTokenIsRejected(t *testing.T) {
	srv := remotetest.NewServer()
	srv.Token = "right"
	t.Cleanup(srv.Close)

	client := remote.NewClient(types.RepoConfig{Repo: "acme/blog", Token: "wrong"}, remote.Options{BaseURL: srv.URL, Logger: logger.Discard()})
	_, err := client.Read(context.Background(), "posts/a.md", "main")
	var perr *remote.ProtocolError
	if !errors.As(err, &perr) || perr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 protocol error, got %v", err)
	}
}

func TestDeploymentRunsForCommit(t *testing.T) {
	client, srv := newClient(t)
	srv.SetRuns("abc123",
		remotetest.WorkflowRun{ID: 1, Name: "deploy", Status: "queued"},
		remotetest.WorkflowRun{ID: 2, Name: "deploy", Status: "in_progress"},
		remotetest.WorkflowRun{ID: 3, Name: "deploy", Status: "completed", Conclusion: "success", HTMLURL: "https://example.test/run/3"},
		remotetest.WorkflowRun{ID: 4, Name: "deploy", Status: "completed", Conclusion: "failure"},
	)

	runs, err := client.DeploymentRunsForCommit(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("DeploymentRunsForCommit: %v", err)
	}
	want := []types.DeployPhase{types.PhaseBuilding, types.PhaseDeploying, types.PhaseSucceeded, types.PhaseFailed}
	if len(runs) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(runs))
	}
	for i, run := range runs {
		if run.Phase != want[i] {
			t.Fatalf("run %d: expected %s, got %s", i, want[i], run.Phase)
		}
		if run.CommitHash != "abc123" || run.CreatedAt.Before(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("run %d not normalised: %+v", i, run)
		}
	}
	if runs[2].ID != "3" || runs[2].URL != "https://example.test/run/3" {
		t.Fatalf("unexpected run %+v", runs[2])
	}

	none, err := client.DeploymentRunsForCommit(context.Background(), "unknown")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no runs, got %v %v", none, err)
	}
}
