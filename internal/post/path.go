package post

import (
	"fmt"
	"path"
	"strings"

	"github.com/onexay/notepub/internal/types"
)

// DefaultTemplate returns the filename template used when a target sets none.
func DefaultTemplate(format types.ContentFormat) string {
	if format == types.FormatMultiFile {
		return "{slug}/index.md"
	}
	return "{slug}.md"
}

// TargetPath computes the repository path of a draft for the given content config.
func TargetPath(content types.ContentConfig, draft types.PostDraft) (string, error) {
	tmpl := strings.TrimSpace(content.Filename)
	if tmpl == "" {
		tmpl = DefaultTemplate(content.Format)
	}

	year, month, day := "", "", ""
	if parts := strings.SplitN(draft.Date, "-", 3); len(parts) == 3 {
		year, month, day = parts[0], parts[1], parts[2]
	}
	rendered := strings.NewReplacer(
		"{slug}", draft.Slug,
		"{date}", draft.Date,
		"{year}", year,
		"{month}", month,
		"{day}", day,
		"{title}", Slugify(draft.Title),
	).Replace(tmpl)

	base := strings.Trim(content.Path, "/")
	full := path.Clean(path.Join(base, strings.TrimPrefix(rendered, "/")))
	if full == "." || full == base || strings.HasSuffix(rendered, "/") {
		return "", fmt.Errorf("filename template %q does not name a file", tmpl)
	}
	if full == ".." || strings.HasPrefix(full, "../") || (base != "" && !strings.HasPrefix(full, base+"/")) {
		return "", fmt.Errorf("filename template %q escapes content path %q", tmpl, content.Path)
	}
	return full, nil
}
