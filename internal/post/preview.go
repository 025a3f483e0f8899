package post

import (
	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"

	"github.com/onexay/notepub/internal/types"
)

var previewPolicy = bluemonday.UGCPolicy()

// Preview renders a draft body as sanitised HTML.
func Preview(draft types.PostDraft) string {
	unsafe := blackfriday.Run([]byte(draft.Body))
	return string(previewPolicy.SanitizeBytes(unsafe))
}
