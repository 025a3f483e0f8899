// Package remotetest runs an in-process fake of the hosted repository API.
package remotetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// WorkflowRun is a canned actions run returned for a commit.
type WorkflowRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
	HTMLURL    string
}

// WriteCall records one contents PUT as the server received it.
type WriteCall struct {
	Path string
	SHA  string
}

type commitObject struct {
	tree    string
	parent  string
	message string
}

// Server is a fake repository with one branch namespace, reachable over HTTP.
type Server struct {
	*httptest.Server

	// Token, when set, must be presented as a bearer token.
	Token string
	// Hook runs before each operation, outside the server lock.
	Hook func(op string)

	mu       sync.Mutex
	seq      int
	blobs    map[string][]byte
	trees    map[string]map[string]string
	commits  map[string]commitObject
	branches map[string]string
	runs     map[string][]WorkflowRun
	failures map[string]int
	writes   []WriteCall
}

// NewServer starts a fake repository whose "main" branch holds one empty commit.
func NewServer() *Server {
	s := &Server{
		blobs:    map[string][]byte{},
		trees:    map[string]map[string]string{},
		commits:  map[string]commitObject{},
		branches: map[string]string{},
		runs:     map[string][]WorkflowRun{},
		failures: map[string]int{},
	}
	s.branches["main"] = s.commitLocked(map[string]string{}, "", "Initial commit")

	r := chi.NewRouter()
	r.Route("/repos/{owner}/{repo}", func(r chi.Router) {
		r.Use(s.authorize)
		r.Get("/contents/*", s.handleGetContents)
		r.Put("/contents/*", s.handlePutContents)
		r.Delete("/contents/*", s.handleDeleteContents)
		r.Get("/git/refs/heads/*", s.handleGetRef)
		r.Patch("/git/refs/heads/*", s.handlePatchRef)
		r.Get("/git/commits/{sha}", s.handleGetCommit)
		r.Post("/git/commits", s.handleCreateCommit)
		r.Post("/git/blobs", s.handleCreateBlob)
		r.Post("/git/trees", s.handleCreateTree)
		r.Get("/actions/runs", s.handleRuns)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// Put commits content at p on branch directly, as an external edit would.
func (s *Server) Put(branch, p, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := s.filesLocked(branch)
	sha := s.storeBlobLocked([]byte(content))
	files[p] = sha
	s.branches[branch] = s.commitLocked(files, s.branches[branch], "External edit of "+p)
	return sha
}

// File returns the content and hash of p on branch.
func (s *Server) File(branch, p string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sha, ok := s.filesLocked(branch)[p]
	if !ok {
		return "", "", false
	}
	return string(s.blobs[sha]), sha, true
}

// Head returns the commit a branch points at.
func (s *Server) Head(branch string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branches[branch]
}

// CommitCount returns the number of commits reachable from branch.
func (s *Server) CommitCount(branch string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for sha := s.branches[branch]; sha != ""; sha = s.commits[sha].parent {
		n++
	}
	return n
}

// Writes returns the contents PUT calls seen so far.
func (s *Server) Writes() []WriteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// Fail makes every request for key answer with status. Keys are repository
// paths for contents requests or operation names such as "create-tree".
func (s *Server) Fail(key string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = status
}

// SetRuns sets the workflow runs reported for a commit.
func (s *Server) SetRuns(commit string, runs ...WorkflowRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[commit] = runs
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "Bad credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) before(w http.ResponseWriter, op, key string) bool {
	if s.Hook != nil {
		s.Hook(op)
	}
	s.mu.Lock()
	status, failOp := s.failures[op]
	if !failOp {
		status, failOp = s.failures[key]
	}
	s.mu.Unlock()
	if failOp {
		writeError(w, status, "injected failure")
		return false
	}
	return true
}

func (s *Server) handleGetContents(w http.ResponseWriter, r *http.Request) {
	p := wildcard(r)
	if !s.before(w, "contents", p) {
		return
	}
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		ref = "main"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[ref]; !ok {
		writeError(w, http.StatusNotFound, "No commit found for the ref "+ref)
		return
	}
	files := s.filesLocked(ref)
	if sha, ok := files[p]; ok {
		writeJSON(w, http.StatusOK, fileJSON(p, sha, s.blobs[sha]))
		return
	}

	prefix := ""
	if p != "" {
		prefix = p + "/"
	}
	seen := map[string]bool{}
	listing := []map[string]any{}
	for filePath, sha := range files {
		if !strings.HasPrefix(filePath, prefix) {
			continue
		}
		rest := strings.TrimPrefix(filePath, prefix)
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		if isDir {
			listing = append(listing, map[string]any{"type": "dir", "name": name, "path": prefix + name, "sha": treeHash(map[string]string{name: "dir"})})
		} else {
			listing = append(listing, map[string]any{"type": "file", "name": name, "path": filePath, "sha": sha})
		}
	}
	if len(listing) == 0 {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	slices.SortFunc(listing, func(a, b map[string]any) int {
		return strings.Compare(a["name"].(string), b["name"].(string))
	})
	writeJSON(w, http.StatusOK, listing)
}

type contentsBody struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha"`
}

func (s *Server) handlePutContents(w http.ResponseWriter, r *http.Request) {
	p := wildcard(r)
	if !s.before(w, "contents", p) {
		return
	}
	var body contentsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	content, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "content is not valid Base64")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes = append(s.writes, WriteCall{Path: p, SHA: body.SHA})
	branch := branchOrMain(body.Branch)
	head, ok := s.branches[branch]
	if !ok {
		writeError(w, http.StatusNotFound, "Branch "+branch+" not found")
		return
	}
	files := s.filesLocked(branch)
	current, exists := files[p]
	switch {
	case exists && body.SHA == "":
		writeError(w, http.StatusUnprocessableEntity, "Invalid request.\n\n\"sha\" wasn't supplied.")
		return
	case exists && body.SHA != current:
		writeError(w, http.StatusConflict, fmt.Sprintf("%s does not match %s", p, body.SHA))
		return
	case !exists && body.SHA != "":
		writeError(w, http.StatusConflict, fmt.Sprintf("%s does not match %s", p, body.SHA))
		return
	}

	sha := s.storeBlobLocked(content)
	files[p] = sha
	commit := s.commitLocked(files, head, body.Message)
	s.branches[branch] = commit

	status := http.StatusOK
	if !exists {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"content": map[string]any{"path": p, "sha": sha},
		"commit":  map[string]any{"sha": commit, "html_url": s.URL + "/commit/" + commit},
	})
}

func (s *Server) handleDeleteContents(w http.ResponseWriter, r *http.Request) {
	p := wildcard(r)
	if !s.before(w, "contents", p) {
		return
	}
	var body contentsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	branch := branchOrMain(body.Branch)
	files := s.filesLocked(branch)
	current, exists := files[p]
	if !exists {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	if body.SHA != current {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s does not match %s", p, body.SHA))
		return
	}
	delete(files, p)
	commit := s.commitLocked(files, s.branches[branch], body.Message)
	s.branches[branch] = commit
	writeJSON(w, http.StatusOK, map[string]any{
		"content": nil,
		"commit":  map[string]any{"sha": commit, "html_url": s.URL + "/commit/" + commit},
	})
}

func (s *Server) handleGetRef(w http.ResponseWriter, r *http.Request) {
	branch, ok := refBranch(w, r)
	if !ok || !s.before(w, "get-ref", branch) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.branches[branch]
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ref":    "refs/heads/" + branch,
		"object": map[string]any{"type": "commit", "sha": head},
	})
}

func (s *Server) handlePatchRef(w http.ResponseWriter, r *http.Request) {
	branch, ok := refBranch(w, r)
	if !ok || !s.before(w, "update-ref", branch) {
		return
	}
	var body struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.branches[branch]
	if !ok {
		writeError(w, http.StatusNotFound, "Reference does not exist")
		return
	}
	if _, ok := s.commits[body.SHA]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "Object does not exist")
		return
	}
	if !body.Force && !s.descendsLocked(body.SHA, head) {
		writeError(w, http.StatusUnprocessableEntity, "Update is not a fast forward")
		return
	}
	s.branches[branch] = body.SHA
	writeJSON(w, http.StatusOK, map[string]any{
		"ref":    "refs/heads/" + branch,
		"object": map[string]any{"type": "commit", "sha": body.SHA},
	})
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	sha := chi.URLParam(r, "sha")
	if !s.before(w, "get-commit", sha) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commits[sha]
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, s.commitJSON(sha, c))
}

func (s *Server) handleCreateBlob(w http.ResponseWriter, r *http.Request) {
	if !s.before(w, "create-blob", "") {
		return
	}
	var body struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	content := []byte(body.Content)
	if body.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "content is not valid Base64")
			return
		}
		content = decoded
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sha := s.storeBlobLocked(content)
	writeJSON(w, http.StatusCreated, map[string]any{"sha": sha, "url": s.URL + "/blobs/" + sha})
}

func (s *Server) handleCreateTree(w http.ResponseWriter, r *http.Request) {
	if !s.before(w, "create-tree", "") {
		return
	}
	var body struct {
		BaseTree string `json:"base_tree"`
		Tree     []struct {
			Path string  `json:"path"`
			Mode string  `json:"mode"`
			Type string  `json:"type"`
			SHA  *string `json:"sha"`
		} `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := map[string]string{}
	if body.BaseTree != "" {
		base, ok := s.trees[body.BaseTree]
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "base_tree is not a valid tree")
			return
		}
		for k, v := range base {
			entries[k] = v
		}
	}
	for _, e := range body.Tree {
		if e.SHA == nil {
			delete(entries, e.Path)
			continue
		}
		if _, ok := s.blobs[*e.SHA]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "Invalid tree info")
			return
		}
		entries[e.Path] = *e.SHA
	}
	sha := treeHash(entries)
	s.trees[sha] = entries
	writeJSON(w, http.StatusCreated, map[string]any{"sha": sha})
}

func (s *Server) handleCreateCommit(w http.ResponseWriter, r *http.Request) {
	if !s.before(w, "create-commit", "") {
		return
	}
	var body struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tree, ok := s.trees[body.Tree]
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "Tree SHA does not exist")
		return
	}
	parent := ""
	if len(body.Parents) > 0 {
		parent = body.Parents[0]
		if _, ok := s.commits[parent]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "Parent SHA does not exist or is not a commit object")
			return
		}
	}
	sha := s.commitLocked(tree, parent, body.Message)
	writeJSON(w, http.StatusCreated, s.commitJSON(sha, s.commits[sha]))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	headSHA := r.URL.Query().Get("head_sha")
	if !s.before(w, "actions-runs", headSHA) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := []map[string]any{}
	for i, run := range s.runs[headSHA] {
		runs = append(runs, map[string]any{
			"id":         run.ID,
			"name":       run.Name,
			"head_sha":   headSHA,
			"status":     run.Status,
			"conclusion": run.Conclusion,
			"html_url":   run.HTMLURL,
			"created_at": time.Date(2024, 1, 15, 12, i, 0, 0, time.UTC),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(runs), "workflow_runs": runs})
}

func (s *Server) filesLocked(branch string) map[string]string {
	files := map[string]string{}
	head, ok := s.branches[branch]
	if !ok {
		return files
	}
	for k, v := range s.trees[s.commits[head].tree] {
		files[k] = v
	}
	return files
}

func (s *Server) storeBlobLocked(content []byte) string {
	sha := blobHash(content)
	s.blobs[sha] = content
	return sha
}

func (s *Server) commitLocked(files map[string]string, parent, message string) string {
	tree := treeHash(files)
	snapshot := make(map[string]string, len(files))
	for k, v := range files {
		snapshot[k] = v
	}
	s.trees[tree] = snapshot
	s.seq++
	sha := commitHash(tree, parent, message, s.seq)
	s.commits[sha] = commitObject{tree: tree, parent: parent, message: message}
	return sha
}

func (s *Server) descendsLocked(sha, ancestor string) bool {
	for cur := sha; cur != ""; cur = s.commits[cur].parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

func (s *Server) commitJSON(sha string, c commitObject) map[string]any {
	parents := []map[string]any{}
	if c.parent != "" {
		parents = append(parents, map[string]any{"sha": c.parent})
	}
	return map[string]any{
		"sha":      sha,
		"html_url": s.URL + "/commit/" + sha,
		"message":  c.message,
		"tree":     map[string]any{"sha": c.tree},
		"parents":  parents,
	}
}

func fileJSON(p, sha string, content []byte) map[string]any {
	encoded := base64.StdEncoding.EncodeToString(content)
	var wrapped strings.Builder
	for len(encoded) > 60 {
		wrapped.WriteString(encoded[:60])
		wrapped.WriteByte('\n')
		encoded = encoded[60:]
	}
	wrapped.WriteString(encoded)
	return map[string]any{
		"type":     "file",
		"name":     path.Base(p),
		"path":     p,
		"sha":      sha,
		"content":  wrapped.String(),
		"encoding": "base64",
	}
}

func wildcard(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return strings.Trim(raw, "/")
}

// refBranch reads the branch of a ref route. An escaped slash names no
// ref, so it is not found.
func refBranch(w http.ResponseWriter, r *http.Request) (string, bool) {
	if strings.Contains(strings.ToUpper(r.URL.EscapedPath()), "%2F") {
		writeError(w, http.StatusNotFound, "Not Found")
		return "", false
	}
	return wildcard(r), true
}

func branchOrMain(branch string) string {
	if branch == "" {
		return "main"
	}
	return branch
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
