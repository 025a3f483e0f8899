package post

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// BlockSyntax identifies which authoring syntax a block was written in.
type BlockSyntax int

const (
	// SyntaxFenced is a "===" block with a YAML metadata section.
	SyntaxFenced BlockSyntax = iota + 1
	// SyntaxDecorator is an "@target post" block with "@field value" lines.
	SyntaxDecorator
)

func (s BlockSyntax) String() string {
	switch s {
	case SyntaxFenced:
		return "fenced"
	case SyntaxDecorator:
		return "decorator"
	default:
		return "unknown"
	}
}

// rawBlock is what a syntax parser hands to the shared normaliser.
type rawBlock struct {
	syntax BlockSyntax
	start  int
	end    int // exclusive
	hint   string
	fields map[string]string
	tags   []string
	body   string
	// metaInsert is the line index where an extra metadata line can be added.
	metaInsert int
	metaErr    string
}

// blockParser recognises and consumes one block syntax.
type blockParser interface {
	syntax() BlockSyntax
	// opens reports whether lines[i] starts a block of this syntax.
	opens(lines []string, i int) bool
	// parse consumes the block starting at lines[start] and returns it with end set.
	parse(lines []string, start int) rawBlock
	// metaLine formats a single metadata entry for insertion at metaInsert.
	metaLine(field, value string) string
}

var parsers = []blockParser{fencedParser{}, decoratorParser{}}

var (
	tagLineRe   = regexp.MustCompile(`^#[\p{L}\p{N}_][\p{L}\p{N}_/-]*(\s+#[\p{L}\p{N}_][\p{L}\p{N}_/-]*)*\s*$`)
	separatorRe = regexp.MustCompile(`^-{3,}\s*$`)
	decoratorRe = regexp.MustCompile(`^@([\p{L}\p{N}_.-]+)\s+post\s*$`)
	fieldRe     = regexp.MustCompile(`^@([A-Za-z]+)(?:\s+(.*))?$`)
)

const fenceMarker = "==="

func isTagLine(line string) bool {
	return tagLineRe.MatchString(line)
}

func opensBlock(lines []string, i int) bool {
	for _, p := range parsers {
		if p.opens(lines, i) {
			return true
		}
	}
	return false
}

func joinBody(lines []string) string {
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

type fencedParser struct{}

func (fencedParser) syntax() BlockSyntax { return SyntaxFenced }

// opens requires the marker to be followed by a metadata delimiter, so a
// setext heading underline is left as plain text.
func (fencedParser) opens(lines []string, i int) bool {
	if !isFence(lines[i]) {
		return false
	}
	j := nextNonBlank(lines, i+1)
	return j < len(lines) && strings.TrimSpace(lines[j]) == "---"
}

func isFence(line string) bool {
	return strings.TrimSpace(line) == fenceMarker
}

func nextNonBlank(lines []string, i int) int {
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return i
}

func (fencedParser) metaLine(field, value string) string {
	return field + ": " + value
}

func (p fencedParser) parse(lines []string, start int) rawBlock {
	raw := rawBlock{syntax: SyntaxFenced, start: start, fields: map[string]string{}, metaInsert: -1}
	i := nextNonBlank(lines, start+1)
	if i < len(lines) && strings.TrimSpace(lines[i]) == "---" {
		metaStart := i + 1
		j := metaStart
		for j < len(lines) && strings.TrimSpace(lines[j]) != "---" {
			j++
		}
		if j == len(lines) {
			raw.metaErr = "metadata section is not closed"
			raw.end = len(lines)
			return raw
		}
		raw.metaInsert = j
		if err := decodeMeta(strings.Join(lines[metaStart:j], "\n"), &raw); err != nil {
			raw.metaErr = "invalid metadata: " + err.Error()
		}
		i = j + 1
	}

	var body []string
	for ; i < len(lines); i++ {
		line := lines[i]
		if isFence(line) {
			raw.end = i + 1
			raw.body = joinBody(body)
			return raw
		}
		if isTagLine(line) || decoratorRe.MatchString(line) {
			break
		}
		body = append(body, line)
	}
	raw.end = i
	raw.body = joinBody(body)
	return raw
}

// tagList accepts either a YAML sequence or a comma separated string.
type tagList []string

func (t *tagList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*t = items
	case yaml.ScalarNode:
		*t = splitTags(value.Value)
	}
	return nil
}

type fencedMeta struct {
	Title    string  `yaml:"title"`
	Subtitle string  `yaml:"subtitle"`
	Date     string  `yaml:"date"`
	Tags     tagList `yaml:"tags"`
	Slug     string  `yaml:"slug"`
}

func decodeMeta(src string, raw *rawBlock) error {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	var meta fencedMeta
	if err := yaml.Unmarshal([]byte(src), &meta); err != nil {
		return err
	}
	raw.fields["title"] = meta.Title
	raw.fields["subtitle"] = meta.Subtitle
	raw.fields["date"] = meta.Date
	raw.fields["slug"] = meta.Slug
	raw.tags = meta.Tags
	return nil
}

type decoratorParser struct{}

func (decoratorParser) syntax() BlockSyntax { return SyntaxDecorator }

func (decoratorParser) opens(lines []string, i int) bool {
	return decoratorRe.MatchString(lines[i])
}

func (decoratorParser) metaLine(field, value string) string {
	return "@" + field + " " + value
}

func (p decoratorParser) parse(lines []string, start int) rawBlock {
	raw := rawBlock{syntax: SyntaxDecorator, start: start, fields: map[string]string{}}
	if m := decoratorRe.FindStringSubmatch(lines[start]); m != nil {
		raw.hint = m[1]
	}

	i := start + 1
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" {
			break
		}
		m := fieldRe.FindStringSubmatch(line)
		if m == nil || p.opens(lines, i) {
			break
		}
		field := strings.ToLower(m[1])
		value := strings.TrimSpace(m[2])
		if field == "tags" {
			raw.tags = splitTags(value)
			continue
		}
		raw.fields[field] = value
	}
	raw.metaInsert = i

	var body []string
	for ; i < len(lines); i++ {
		line := lines[i]
		if separatorRe.MatchString(line) {
			raw.end = i + 1
			raw.body = joinBody(body)
			return raw
		}
		if isTagLine(line) || opensBlock(lines, i) {
			break
		}
		body = append(body, line)
	}
	raw.end = i
	raw.body = joinBody(body)
	return raw
}

func splitTags(s string) []string {
	var tags []string
	for _, part := range strings.Split(s, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
