package storage

import (
	"slices"
	"strings"

	"github.com/onexay/notepub/internal/types"
)

// validateTarget checks the fields every stored target must carry.
func validateTarget(t types.PublishTarget) error {
	var missing []string
	if strings.TrimSpace(t.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(t.GitHub.Repo) == "" {
		missing = append(missing, "github.repo")
	} else if owner, name, ok := strings.Cut(t.GitHub.Repo, "/"); !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return &ValidationError{Message: "github.repo must be in owner/name form"}
	}
	if strings.TrimSpace(t.GitHub.Branch) == "" {
		missing = append(missing, "github.branch")
	}
	if strings.TrimSpace(t.GitHub.Token) == "" {
		missing = append(missing, "github.token")
	}
	if strings.TrimSpace(t.Content.Path) == "" {
		missing = append(missing, "content.path")
	}
	if len(missing) > 0 {
		return &ValidationError{Message: "missing required fields: " + strings.Join(missing, ", ")}
	}
	if !t.Content.Format.Valid() {
		return &ValidationError{Message: `content.format must be "single-file" or "multi-file"`}
	}
	if d := t.Deployment; d != nil {
		switch d.Provider {
		case types.ProviderCloudflarePages:
			if d.AccountID == "" || d.ProjectName == "" || d.Token == "" {
				return &ValidationError{Message: "cloudflare deployment requires accountId, projectName and token"}
			}
		case types.ProviderGitHubActions:
		default:
			return &ValidationError{Message: "unknown deployment provider " + string(d.Provider)}
		}
	}
	return nil
}

func validateRecord(rec types.PublishRecord) error {
	if rec.TargetID == "" || rec.PostKey == "" {
		return &ValidationError{Message: "targetId and postKey are required"}
	}
	if rec.Path == "" || rec.ContentHash == "" {
		return &ValidationError{Message: "path and contentHash are required"}
	}
	return nil
}

func sortTargets(targets []types.PublishTarget) {
	slices.SortFunc(targets, func(a, b types.PublishTarget) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func sortRecords(records []types.PublishRecord) {
	slices.SortFunc(records, func(a, b types.PublishRecord) int {
		return strings.Compare(a.PostKey, b.PostKey)
	})
}
