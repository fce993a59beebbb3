package command

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOverlayReplacesOnlyDefinedSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := "blocked_patterns:\n  - custom blocked-pattern\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing rule file: %v", err)
	}

	rules, err := DefaultRules().Overlay(path)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if len(rules.BlockedPatterns) != 1 || rules.BlockedPatterns[0] != "custom blocked-pattern" {
		t.Errorf("blocked section not replaced: %v", rules.BlockedPatterns)
	}
	if len(rules.SafelistVerbs) == 0 {
		t.Error("undefined sections must keep defaults")
	}
}

func TestOverlayEmptyPathKeepsRules(t *testing.T) {
	base := DefaultRules()
	got, err := base.Overlay("")
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if len(got.BlockedPatterns) != len(base.BlockedPatterns) {
		t.Error("empty path must return the receiver unchanged")
	}
}

func TestLoadRulesBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("blocked_patterns: {not: a list}"), 0600)
	if _, err := LoadRules(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	if _, err := LoadRules("/nonexistent/rules.yaml"); err == nil {
		t.Error("expected read error")
	}
}
