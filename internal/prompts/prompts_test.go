package prompts

import (
	"os"
	"path/filepath"
	"testing"
)

func writePrompt(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadCustomPrompts(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "weekly_review.md", "Summarize the week's decisions.\n")
	writePrompt(t, dir, "risk_scan.md", `---
model: gpt-4o
---
List every risk mentioned in the session.
`)
	writePrompt(t, dir, "notes.txt", "not a prompt")

	r, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	names := r.CustomNames()
	if len(names) != 2 || names[0] != "risk_scan" || names[1] != "weekly_review" {
		t.Fatalf("custom names = %v, want [risk_scan weekly_review]", names)
	}

	p, ok := r.Get("risk_scan")
	if !ok {
		t.Fatal("risk_scan not found")
	}
	if p.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", p.Model)
	}
	if p.Instructions != "List every risk mentioned in the session." {
		t.Errorf("instructions = %q", p.Instructions)
	}

	p, ok = r.Get("weekly_review")
	if !ok || p.Model != "" {
		t.Errorf("weekly_review = %+v, ok = %v, want prompt without model override", p, ok)
	}
}

func TestLoadSkipsReservedNames(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "categorization.md", "should be ignored")
	writePrompt(t, dir, "create_tasks.md", "should be ignored")
	writePrompt(t, dir, "weekly_review.md", "keep me")

	r, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if names := r.CustomNames(); len(names) != 1 || names[0] != "weekly_review" {
		t.Errorf("custom names = %v, want reserved files ignored", names)
	}
}

func TestLoadMissingDir(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("load missing dir: %v", err)
	}
	if len(r.CustomNames()) != 0 {
		t.Error("missing dir should yield an empty registry")
	}

	r, err = Load("")
	if err != nil || len(r.CustomNames()) != 0 {
		t.Error("empty dir path should yield an empty registry")
	}
}

func TestIsReserved(t *testing.T) {
	if !IsReserved("categorization") || !IsReserved("FINAL_CUSTOM_PROMPT") {
		t.Error("built-in processors should be reserved")
	}
	if IsReserved("weekly_review") {
		t.Error("custom names should not be reserved")
	}
}
