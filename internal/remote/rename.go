package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/onexay/notepub/internal/types"
)

// Rename steps, reported through StepError.
const (
	StepRead         = "read"
	StepResolveRef   = "resolve-ref"
	StepGetCommit    = "get-commit"
	StepCreateBlob   = "create-blob"
	StepCreateTree   = "create-tree"
	StepCreateCommit = "create-commit"
	StepUpdateRef    = "update-ref"
)

type treeEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

// Rename moves OldPath to NewPath in one commit built from git objects.
// Nothing is visible on the branch until the final ref update succeeds.
// The returned ContentHash is the blob hash of the file at NewPath.
func (c *Client) Rename(ctx context.Context, req RenameRequest) (types.CommitResult, error) {
	if req.OldPath == req.NewPath {
		return types.CommitResult{}, fmt.Errorf("rename %s: old and new path are the same", req.OldPath)
	}

	old, err := c.Read(ctx, req.OldPath, req.Branch)
	if err != nil {
		return types.CommitResult{}, &StepError{Step: StepRead, Err: err}
	}
	if old == nil {
		return types.CommitResult{}, &StepError{Step: StepRead, Err: fmt.Errorf("%s: %w", req.OldPath, ErrAbsent)}
	}
	if req.ExpectedHash != "" && old.Hash != req.ExpectedHash {
		return types.CommitResult{}, &StepError{Step: StepRead, Err: &ConflictError{
			Path:     req.OldPath,
			Expected: req.ExpectedHash,
			Message:  "file changed since it was last published",
		}}
	}

	refPath := "/git/refs/heads/" + escapeSegments(req.Branch)
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if _, err := c.do(ctx, "get-ref", http.MethodGet, refPath, nil, nil, &ref); err != nil {
		return types.CommitResult{}, &StepError{Step: StepResolveRef, Err: err}
	}
	parent := ref.Object.SHA

	var commit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if _, err := c.do(ctx, "get-commit", http.MethodGet, "/git/commits/"+parent, nil, nil, &commit); err != nil {
		return types.CommitResult{}, &StepError{Step: StepGetCommit, Err: err}
	}

	var blob struct {
		SHA string `json:"sha"`
	}
	blobReq := map[string]string{
		"content":  base64.StdEncoding.EncodeToString([]byte(old.Content)),
		"encoding": "base64",
	}
	if _, err := c.do(ctx, "create-blob", http.MethodPost, "/git/blobs", nil, blobReq, &blob); err != nil {
		return types.CommitResult{}, &StepError{Step: StepCreateBlob, Err: err}
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	treeReq := map[string]any{
		"base_tree": commit.Tree.SHA,
		"tree": []treeEntry{
			{Path: req.NewPath, Mode: "100644", Type: "blob", SHA: &blob.SHA},
			{Path: req.OldPath, Mode: "100644", Type: "blob", SHA: nil},
		},
	}
	if _, err := c.do(ctx, "create-tree", http.MethodPost, "/git/trees", nil, treeReq, &tree); err != nil {
		return types.CommitResult{}, &StepError{Step: StepCreateTree, Err: err}
	}

	message := req.Message
	if message == "" {
		message = fmt.Sprintf("Rename %s to %s", req.OldPath, req.NewPath)
	}
	var created struct {
		SHA     string `json:"sha"`
		HTMLURL string `json:"html_url"`
	}
	commitReq := map[string]any{
		"message": message,
		"tree":    tree.SHA,
		"parents": []string{parent},
	}
	if _, err := c.do(ctx, "create-commit", http.MethodPost, "/git/commits", nil, commitReq, &created); err != nil {
		return types.CommitResult{}, &StepError{Step: StepCreateCommit, Err: err}
	}

	refReq := map[string]any{"sha": created.SHA, "force": false}
	if _, err := c.do(ctx, "update-ref", http.MethodPatch, refPath, nil, refReq, nil); err != nil {
		return types.CommitResult{}, &StepError{Step: StepUpdateRef, Err: asConflict(err, "refs/heads/"+req.Branch, parent)}
	}

	return types.CommitResult{
		CommitHash:  created.SHA,
		URL:         created.HTMLURL,
		ContentHash: blob.SHA,
	}, nil
}
