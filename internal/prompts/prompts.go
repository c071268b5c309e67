// Package prompts holds the instruction texts sent to the completion service:
// built-in stage instructions plus operator-defined custom prompts loaded
// from a directory of Markdown files.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/parser"
)

// Prompt is one named instruction set. Model is an optional per-prompt model
// override from the file's frontmatter.
type Prompt struct {
	Name         string
	Model        string
	Instructions string
}

// Registry resolves prompts by processor name. Custom prompts are loaded
// once at startup; the worker restarts to pick up prompt changes.
type Registry struct {
	custom map[string]Prompt
}

// reserved names never act as custom processors, even if an operator drops a
// matching file into the prompts directory.
var reserved = map[string]bool{
	models.ProcessorTranscription:     true,
	models.ProcessorCategorization:    true,
	models.ProcessorSummarization:     true,
	models.ProcessorQuestioning:       true,
	models.ProcessorFinalization:      true,
	models.ProcessorCreateTasks:       true,
	models.ProcessorFinalCustomPrompt: true,
}

// IsReserved reports whether the name belongs to a built-in processor.
func IsReserved(name string) bool {
	return reserved[name]
}

// Load reads every *.md file in dir into a custom prompt named after the
// file. A missing or empty directory yields an empty registry.
func Load(dir string) (*Registry, error) {
	r := &Registry{custom: make(map[string]Prompt)}
	if dir == "" {
		return r, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read prompts dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		if IsReserved(name) {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", entry.Name(), err)
		}
		doc, err := parser.ParseMarkdown(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", entry.Name(), err)
		}

		instructions := strings.TrimSpace(doc.Content)
		if instructions == "" {
			continue
		}
		r.custom[name] = Prompt{
			Name:         name,
			Model:        doc.GetFrontmatterString("model"),
			Instructions: instructions,
		}
	}
	return r, nil
}

// Custom returns the custom prompts sorted by name.
func (r *Registry) Custom() []Prompt {
	out := make([]Prompt, 0, len(r.custom))
	for _, p := range r.custom {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CustomNames returns the custom processor names sorted by name.
func (r *Registry) CustomNames() []string {
	custom := r.Custom()
	names := make([]string, len(custom))
	for i, p := range custom {
		names[i] = p.Name
	}
	return names
}

// Get returns the custom prompt with the given name.
func (r *Registry) Get(name string) (Prompt, bool) {
	p, ok := r.custom[name]
	return p, ok
}
