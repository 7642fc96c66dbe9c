package classifier

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegexClassifierPrecedence(t *testing.T) {
	pack := Pack{
		ErrorRegexes:   compileAll([]string{`traceback`}),
		ConfirmRegexes: compileAll([]string{`\(y/n\)`}),
		BusyRegexes:    compileAll([]string{`running`}),
		IdleRegexes:    compileAll([]string{`\$\s*$`}),
	}
	c := NewRegexClassifier(pack)

	// error beats everything else when multiple patterns match
	got := c.Classify("traceback (most recent call)\nrunning\n(y/n)")
	if got.State != "ERROR" {
		t.Fatalf("expected ERROR, got %s", got.State)
	}

	got = c.Classify("task running\n(y/n) continue?")
	if got.State != "NEEDS_CONFIRMATION" {
		t.Fatalf("expected NEEDS_CONFIRMATION, got %s", got.State)
	}

	got = c.Classify("still running")
	if got.State != "BUSY" {
		t.Fatalf("expected BUSY, got %s", got.State)
	}

	got = c.Classify("user@host:~$ ")
	if got.State != "READY" {
		t.Fatalf("expected READY (idle match), got %s", got.State)
	}

	got = c.Classify("nothing interesting here")
	if got.State != "READY" {
		t.Fatalf("expected default READY, got %s", got.State)
	}
}

func TestRegexClassifyIsPure(t *testing.T) {
	pack := Pack{BusyRegexes: compileAll([]string{`working`})}
	c := NewRegexClassifier(pack)
	a := c.Classify("working hard")
	b := c.Classify("working hard")
	if a != b {
		t.Fatalf("classify not pure: %+v != %+v", a, b)
	}
}

func TestLoadPackMissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	pack := LoadPack(dir, "nonexistent", 3)
	if pack.StabilityPolls != 3 {
		t.Fatalf("expected default stability 3, got %d", pack.StabilityPolls)
	}
	if len(pack.IdleRegexes) != 0 {
		t.Fatalf("expected empty idle regexes")
	}
}

func TestLoadPackMalformedJSONReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex.yml")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	pack := LoadPack(dir, "codex", 5)
	if pack.StabilityPolls != 5 {
		t.Fatalf("expected default stability 5, got %d", pack.StabilityPolls)
	}
}

func TestLoadPackValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex.yml")
	content := `{"stability_polls": 4, "idle_patterns": ["\\$\\s*$"], "busy_patterns": ["Thinking"]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	pack := LoadPack(dir, "codex", 2)
	if pack.StabilityPolls != 4 {
		t.Fatalf("expected stability 4, got %d", pack.StabilityPolls)
	}
	if len(pack.IdleRegexes) != 1 || len(pack.BusyRegexes) != 1 {
		t.Fatalf("expected one idle and one busy regex, got %d/%d", len(pack.IdleRegexes), len(pack.BusyRegexes))
	}
}

func TestHybridFallsBackWithoutAPIKey(t *testing.T) {
	pack := Pack{IdleRegexes: compileAll([]string{`\$`})}
	h := NewHybrid(pack, "", "")
	result := h.Classify(nil, "prompt$", "codex", "pane-1")
	if result.State != "READY" {
		t.Fatalf("expected regex fallback to classify READY, got %s", result.State)
	}
}
