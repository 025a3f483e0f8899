package types

import (
	"strings"
	"time"
)

// ContentFormat selects how posts are laid out inside the target repository.
type ContentFormat string

const (
	// FormatSingleFile stores each post as one markdown file.
	FormatSingleFile ContentFormat = "single-file"
	// FormatMultiFile stores each post in its own directory.
	FormatMultiFile ContentFormat = "multi-file"
)

// Valid reports whether the format is one of the supported layouts.
func (f ContentFormat) Valid() bool {
	return f == FormatSingleFile || f == FormatMultiFile
}

// RepoConfig holds remote repository coordinates.
type RepoConfig struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Token  string `json:"token,omitempty"`
}

// ContentConfig describes where posts live inside the repository.
type ContentConfig struct {
	Path         string        `json:"path"`
	Format       ContentFormat `json:"format"`
	Filename     string        `json:"filename,omitempty"`
	LivePostPath string        `json:"livePostPath,omitempty"`
}

// DeploymentProvider names the platform queried for deployment runs.
type DeploymentProvider string

const (
	// ProviderCloudflarePages tracks deployments through the Pages API.
	ProviderCloudflarePages DeploymentProvider = "cloudflare-pages"
	// ProviderGitHubActions tracks deployments through workflow runs on the repository.
	ProviderGitHubActions DeploymentProvider = "github-actions"
)

// DeploymentTarget is the optional deployment-tracking configuration of a target.
type DeploymentTarget struct {
	Provider    DeploymentProvider `json:"provider"`
	AccountID   string             `json:"accountId,omitempty"`
	ProjectName string             `json:"projectName,omitempty"`
	Token       string             `json:"token,omitempty"`
}

// PublishTarget is a named destination a post can be published to.
type PublishTarget struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	GitHub     RepoConfig        `json:"github"`
	Content    ContentConfig     `json:"content"`
	Deployment *DeploymentTarget `json:"deployment,omitempty"`
	SiteURL    string            `json:"siteUrl,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// RepoKey is the case-insensitive identity used to detect duplicate targets.
func (t PublishTarget) RepoKey() string {
	return strings.ToLower(strings.TrimSpace(t.GitHub.Repo))
}

// Redacted returns a copy with access tokens removed.
func (t PublishTarget) Redacted() PublishTarget {
	t.GitHub.Token = ""
	if t.Deployment != nil {
		d := *t.Deployment
		d.Token = ""
		t.Deployment = &d
	}
	return t
}

// PostDraft is the syntax-agnostic form of one authored post block.
type PostDraft struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	Date     string   `json:"date"`
	Tags     []string `json:"tags"`
	Slug     string   `json:"slug"`
	Body     string   `json:"body"`

	// DateDefaulted is set when Date was filled in at extraction time.
	DateDefaulted bool `json:"dateDefaulted,omitempty"`
	// TargetHint is the target name of a decorator block, if any.
	TargetHint string `json:"targetHint,omitempty"`
}

// RemoteFile is a file read from the target repository.
type RemoteFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

// EntryKind distinguishes files from directories in a listing.
type EntryKind string

const (
	EntryFile EntryKind = "file"
	EntryDir  EntryKind = "dir"
)

// DirEntry is one element of a remote directory listing.
type DirEntry struct {
	Name string    `json:"name"`
	Path string    `json:"path"`
	Hash string    `json:"hash"`
	Kind EntryKind `json:"kind"`
}

// CommitResult summarises a commit created on the remote.
type CommitResult struct {
	CommitHash  string `json:"commit"`
	URL         string `json:"url,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
}

// DeployPhase is the normalised phase of a deployment run.
type DeployPhase string

const (
	PhaseBuilding  DeployPhase = "building"
	PhaseDeploying DeployPhase = "deploying"
	PhaseSucceeded DeployPhase = "succeeded"
	PhaseFailed    DeployPhase = "failed"
)

// Terminal reports whether the run has finished.
func (p DeployPhase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// DeploymentRun is one CI/CD run associated with a commit.
type DeploymentRun struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	CommitHash string      `json:"commit"`
	Phase      DeployPhase `json:"phase"`
	Detail     string      `json:"detail,omitempty"`
	URL        string      `json:"url,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// JobStatus is a state of the publish job state machine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobPreparing JobStatus = "preparing"
	JobPushing   JobStatus = "pushing"
	JobBuilding  JobStatus = "building"
	JobDeploying JobStatus = "deploying"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StepStatus is the state of one displayed pipeline step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// PublishStep is one row of the progress list shown to the author.
type PublishStep struct {
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// PublishJob is the in-memory state of one publish() call.
type PublishJob struct {
	ID         string        `json:"id"`
	TargetID   string        `json:"targetId"`
	PostKey    string        `json:"postKey"`
	Status     JobStatus     `json:"status"`
	Progress   int           `json:"progress"`
	Steps      []PublishStep `json:"steps"`
	History    []JobStatus   `json:"history"`
	Error      string        `json:"error,omitempty"`
	Path       string        `json:"path,omitempty"`
	CommitHash string        `json:"commit,omitempty"`
	URL        string        `json:"url,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (j PublishJob) Clone() PublishJob {
	j.Steps = append([]PublishStep(nil), j.Steps...)
	j.History = append([]JobStatus(nil), j.History...)
	return j
}

// PublishRecord remembers what was last pushed for a post on a target.
type PublishRecord struct {
	TargetID    string    `json:"targetId"`
	PostKey     string    `json:"postKey"`
	Slug        string    `json:"slug"`
	Path        string    `json:"path"`
	ContentHash string    `json:"contentHash"`
	CommitHash  string    `json:"commit"`
	PublishedAt time.Time `json:"publishedAt"`
}
