// Package remote synchronises post files into a hosted Git repository.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/onexay/notepub/internal/metrics"
	"github.com/onexay/notepub/internal/types"
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint.
	DefaultBaseURL = "https://api.github.com"
	// DefaultAPIVersion is sent in the X-GitHub-Api-Version header.
	DefaultAPIVersion = "2022-11-28"
	// DefaultBatchConcurrency bounds in-flight reads of one BatchRead call.
	DefaultBatchConcurrency = 5
)

// Options are shared by every client created for a target.
type Options struct {
	BaseURL          string
	APIVersion       string
	HTTPClient       *http.Client
	Limiter          *rate.Limiter
	BatchConcurrency int
	Logger           *slog.Logger
	Metrics          metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.APIVersion == "" {
		o.APIVersion = DefaultAPIVersion
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = DefaultBatchConcurrency
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	return o
}

// Client talks to one repository with one access token.
type Client struct {
	opts  Options
	repo  string
	token string
}

// NewClient builds a client for the repository in cfg.
func NewClient(cfg types.RepoConfig, opts Options) *Client {
	return &Client{
		opts:  opts.withDefaults(),
		repo:  strings.Trim(cfg.Repo, "/"),
		token: cfg.Token,
	}
}

// WriteRequest creates a file when ExpectedHash is empty and updates it otherwise.
type WriteRequest struct {
	Path         string
	Content      string
	Message      string
	Branch       string
	ExpectedHash string
}

// RenameRequest moves a file in a single commit. When ExpectedHash is set the
// rename is refused if the old file changed since it was last seen.
type RenameRequest struct {
	OldPath      string
	NewPath      string
	Branch       string
	ExpectedHash string
	Message      string
}

type contentEntry struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type commitResponse struct {
	Content *struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA     string `json:"sha"`
		HTMLURL string `json:"html_url"`
	} `json:"commit"`
}

func (r commitResponse) result() types.CommitResult {
	res := types.CommitResult{CommitHash: r.Commit.SHA, URL: r.Commit.HTMLURL}
	if r.Content != nil {
		res.ContentHash = r.Content.SHA
	}
	return res
}

// Read returns the file at path, or nil when the remote has no such file.
func (c *Client) Read(ctx context.Context, path, branch string) (*types.RemoteFile, error) {
	var raw json.RawMessage
	_, err := c.do(ctx, "read", http.MethodGet, contentsPath(path), url.Values{"ref": {branch}}, nil, &raw)
	if statusOf(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if isJSONArray(raw) {
		return nil, fmt.Errorf("read %s: path is a directory", path)
	}

	var entry contentEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	content, err := decodeContent(entry)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &types.RemoteFile{Path: path, Content: content, Hash: entry.SHA}, nil
}

// Write creates or updates a file through the contents endpoint.
func (c *Client) Write(ctx context.Context, req WriteRequest) (types.CommitResult, error) {
	body := map[string]string{
		"message": req.Message,
		"content": base64.StdEncoding.EncodeToString([]byte(req.Content)),
		"branch":  req.Branch,
	}
	if req.ExpectedHash != "" {
		body["sha"] = req.ExpectedHash
	}

	var resp commitResponse
	if _, err := c.do(ctx, "write", http.MethodPut, contentsPath(req.Path), nil, body, &resp); err != nil {
		return types.CommitResult{}, asConflict(err, req.Path, req.ExpectedHash)
	}
	return resp.result(), nil
}

// Remove deletes a file; hash must be the file's current hash.
func (c *Client) Remove(ctx context.Context, path, message, branch, hash string) (types.CommitResult, error) {
	body := map[string]string{
		"message": message,
		"sha":     hash,
		"branch":  branch,
	}
	var resp commitResponse
	if _, err := c.do(ctx, "remove", http.MethodDelete, contentsPath(path), nil, body, &resp); err != nil {
		return types.CommitResult{}, asConflict(err, path, hash)
	}
	return resp.result(), nil
}

// List returns the entries of a directory. A missing directory is empty.
func (c *Client) List(ctx context.Context, path, branch string) ([]types.DirEntry, error) {
	var raw json.RawMessage
	_, err := c.do(ctx, "list", http.MethodGet, contentsPath(path), url.Values{"ref": {branch}}, nil, &raw)
	if statusOf(err) == http.StatusNotFound {
		return []types.DirEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !isJSONArray(raw) {
		return nil, fmt.Errorf("list %s: %w", path, ErrNotDirectory)
	}

	var items []contentEntry
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode listing of %s: %w", path, err)
	}
	entries := make([]types.DirEntry, 0, len(items))
	for _, item := range items {
		kind := types.EntryFile
		if item.Type == "dir" {
			kind = types.EntryDir
		}
		entries = append(entries, types.DirEntry{
			Name: item.Name,
			Path: item.Path,
			Hash: item.SHA,
			Kind: kind,
		})
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) (int, error) {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	endpoint := c.opts.BaseURL + "/repos/" + c.repo + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", c.opts.APIVersion)
	req.Header.Set("User-Agent", "notepub")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.opts.Metrics.RecordRemoteRequest(op, 0, time.Since(start))
		c.opts.Logger.Error("remote request failed",
			slog.String("op", op),
			slog.String("repo", c.repo),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.opts.Metrics.RecordRemoteRequest(op, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &ProtocolError{Op: op, Status: resp.StatusCode, Message: errorMessage(data)}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

func errorMessage(data []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return ""
}

func contentsPath(p string) string {
	return "/contents/" + escapeSegments(p)
}

// escapeSegments escapes each segment of a slash separated name, keeping
// the separators literal.
func escapeSegments(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func decodeContent(entry contentEntry) (string, error) {
	if entry.Encoding != "" && entry.Encoding != "base64" {
		return entry.Content, nil
	}
	cleaned := strings.NewReplacer("\n", "", "\r", "").Replace(entry.Content)
	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// Connector hands out clients that share transport, pacing and instrumentation.
type Connector struct {
	opts Options
}

// NewConnector returns a Connector for the given shared options.
func NewConnector(opts Options) *Connector {
	return &Connector{opts: opts.withDefaults()}
}

// For returns a client bound to one repository.
func (c *Connector) For(cfg types.RepoConfig) *Client {
	return NewClient(cfg, c.opts)
}
