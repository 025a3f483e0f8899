package post

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onexay/notepub/internal/types"
)

type frontmatter struct {
	Title    string   `yaml:"title"`
	Subtitle string   `yaml:"subtitle,omitempty"`
	Date     string   `yaml:"date"`
	Tags     []string `yaml:"tags,omitempty"`
	Slug     string   `yaml:"slug"`
}

// Render produces the on-disk form of a post: YAML frontmatter, a blank line and the body.
func Render(draft types.PostDraft) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	err := enc.Encode(frontmatter{
		Title:    draft.Title,
		Subtitle: draft.Subtitle,
		Date:     draft.Date,
		Tags:     draft.Tags,
		Slug:     draft.Slug,
	})
	if err != nil {
		return "", fmt.Errorf("encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode frontmatter: %w", err)
	}

	var out strings.Builder
	out.WriteString("---\n")
	out.Write(buf.Bytes())
	out.WriteString("---\n\n")
	if body := strings.TrimRight(draft.Body, "\n"); body != "" {
		out.WriteString(body)
		out.WriteString("\n")
	}
	return out.String(), nil
}

// PinDate writes the draft date of block index back into the note when the
// date was defaulted at extraction time, so later extractions keep the slug.
// The text is returned unchanged when the block already carries a date.
func PinDate(text string, index int, date string) (string, bool, error) {
	block, err := Find(text, index, dateOnly(date))
	if err != nil {
		return text, false, err
	}
	if block.Err != nil {
		return text, false, block.Err
	}
	if !block.Draft.DateDefaulted {
		return text, false, nil
	}
	if block.metaInsert < 0 {
		return text, false, fmt.Errorf("block %d has no metadata section", index)
	}

	var p blockParser
	for _, candidate := range parsers {
		if candidate.syntax() == block.Syntax {
			p = candidate
		}
	}

	newline := "\n"
	if strings.Contains(text, "\r\n") {
		newline = "\r\n"
	}
	lines := splitLines(text)
	pinned := make([]string, 0, len(lines)+1)
	pinned = append(pinned, lines[:block.metaInsert]...)
	pinned = append(pinned, p.metaLine("date", date))
	pinned = append(pinned, lines[block.metaInsert:]...)
	return strings.Join(pinned, newline), true, nil
}

func dateOnly(date string) time.Time {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Now()
	}
	return t
}
