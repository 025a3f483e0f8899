// Package post turns authored note blocks into publishable posts.
package post

import (
	"fmt"
	"strings"
	"time"

	"github.com/onexay/notepub/internal/types"
)

// DateLayout is the only accepted post date format.
const DateLayout = "2006-01-02"

// ValidationError reports a block that cannot become a post.
type ValidationError struct {
	Block   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("block %d: %s", e.Block, e.Message)
	}
	return fmt.Sprintf("block %d: %s: %s", e.Block, e.Field, e.Message)
}

// Block is one post block found in a note, valid or not.
type Block struct {
	Index  int
	Syntax BlockSyntax
	// StartLine and EndLine are zero-based; EndLine is exclusive.
	StartLine int
	EndLine   int
	Draft     *types.PostDraft
	Err       *ValidationError

	metaInsert int
}

// Valid reports whether the block produced a draft.
func (b Block) Valid() bool {
	return b.Draft != nil
}

// Extract scans note text for post blocks. Blocks that fail validation are
// returned with Err set so callers can report them next to their valid siblings.
// Missing dates default to now.
func Extract(text string, now time.Time) []Block {
	lines := splitLines(text)
	var blocks []Block

	for i := 0; i < len(lines); {
		p := parserFor(lines, i)
		if p == nil {
			i++
			continue
		}
		raw := p.parse(lines, i)
		block := Block{
			Index:      len(blocks),
			Syntax:     raw.syntax,
			StartLine:  raw.start,
			EndLine:    raw.end,
			metaInsert: raw.metaInsert,
		}
		draft, err := normalize(raw, block.Index, now)
		if err != nil {
			block.Err = err
		} else {
			block.Draft = &draft
		}
		blocks = append(blocks, block)

		if raw.end <= i {
			i++
		} else {
			i = raw.end
		}
	}
	return blocks
}

// Drafts returns only the valid drafts of a note together with the
// validation errors of the blocks that were skipped.
func Drafts(text string, now time.Time) ([]types.PostDraft, []error) {
	var (
		drafts []types.PostDraft
		errs   []error
	)
	for _, b := range Extract(text, now) {
		if b.Err != nil {
			errs = append(errs, b.Err)
			continue
		}
		drafts = append(drafts, *b.Draft)
	}
	return drafts, errs
}

// Find returns the block with the given ordinal.
func Find(text string, index int, now time.Time) (Block, error) {
	blocks := Extract(text, now)
	if index < 0 || index >= len(blocks) {
		return Block{}, fmt.Errorf("note has %d post blocks, no block %d", len(blocks), index)
	}
	return blocks[index], nil
}

func parserFor(lines []string, i int) blockParser {
	for _, p := range parsers {
		if p.opens(lines, i) {
			return p
		}
	}
	return nil
}

func normalize(raw rawBlock, index int, now time.Time) (types.PostDraft, *ValidationError) {
	if raw.metaErr != "" {
		return types.PostDraft{}, &ValidationError{Block: index, Message: raw.metaErr}
	}

	draft := types.PostDraft{
		Title:      strings.TrimSpace(raw.fields["title"]),
		Subtitle:   strings.TrimSpace(raw.fields["subtitle"]),
		Date:       strings.TrimSpace(raw.fields["date"]),
		Tags:       raw.tags,
		Body:       raw.body,
		TargetHint: raw.hint,
	}
	if draft.Title == "" {
		return types.PostDraft{}, &ValidationError{Block: index, Field: "title", Message: "missing required field"}
	}
	if draft.Date == "" {
		draft.Date = now.Format(DateLayout)
		draft.DateDefaulted = true
	} else if _, err := time.Parse(DateLayout, draft.Date); err != nil {
		return types.PostDraft{}, &ValidationError{Block: index, Field: "date", Message: fmt.Sprintf("%q is not a YYYY-MM-DD date", draft.Date)}
	}
	if draft.Tags == nil {
		draft.Tags = []string{}
	}

	if explicit := strings.TrimSpace(raw.fields["slug"]); explicit != "" {
		draft.Slug = Slugify(explicit)
		if draft.Slug == "" {
			return types.PostDraft{}, &ValidationError{Block: index, Field: "slug", Message: fmt.Sprintf("%q has no usable characters", explicit)}
		}
	} else {
		draft.Slug = DeriveSlug(draft.Date, draft.Title)
	}
	return draft, nil
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}
