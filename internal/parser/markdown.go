// Package parser provides Markdown parsing for prompt files.
package parser

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// MarkdownDoc represents a parsed prompt document.
type MarkdownDoc struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Main content (after frontmatter)
	Content string
}

// ParseMarkdown parses a Markdown document, splitting YAML frontmatter from
// the body. Malformed frontmatter is ignored rather than failing the load:
// prompt files are operator-edited and a bad header should not take the
// worker down.
func ParseMarkdown(content string) (*MarkdownDoc, error) {
	doc := &MarkdownDoc{
		Frontmatter: make(map[string]any),
	}

	remaining := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx > 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &doc.Frontmatter); err != nil {
				doc.Frontmatter = make(map[string]any)
			}
		}
	}

	doc.Content = remaining
	return doc, nil
}

// GetFrontmatterString extracts a string from frontmatter.
func (d *MarkdownDoc) GetFrontmatterString(key string) string {
	if v, ok := d.Frontmatter[key].(string); ok {
		return v
	}
	return ""
}
