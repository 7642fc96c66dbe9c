package shim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCoderToolAppendsIterationSection(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	spec := Spec{
		Description:  "Flesh out the auth section",
		Instructions: "Add JWT refresh flow details",
		Context:      map[string]any{"iteration": float64(2)},
	}
	result, err := RunCoderTool("claude", spec)
	if err != nil {
		t.Fatalf("RunCoderTool: %v", err)
	}
	if result["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", result["status"])
	}

	content, err := os.ReadFile(filepath.Join(dir, "design.md"))
	if err != nil {
		t.Fatalf("read design.md: %v", err)
	}
	if !strings.Contains(string(content), "## Iteration 2 (claude)") {
		t.Fatalf("expected iteration heading in design.md, got %q", content)
	}
	if !strings.Contains(string(content), "Add JWT refresh flow details") {
		t.Fatalf("expected instructions body in design.md, got %q", content)
	}
}

func TestRunCoderToolCreatesDesignFileWhenMissing(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if _, err := RunCoderTool("gemini", Spec{}); err != nil {
		t.Fatalf("RunCoderTool: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "design.md"))
	if err != nil {
		t.Fatalf("expected design.md to be created: %v", err)
	}
	if !strings.HasPrefix(string(content), "# Design Draft") {
		t.Fatalf("expected default header, got %q", content)
	}
}

func TestRunCriticToolScoresByWordAndHeadingCount(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	words := strings.Repeat("word ", 300)
	text := "# Heading One\n## Heading Two\n" + words + "\ntesting covered here too"
	if err := os.WriteFile(filepath.Join(dir, "design.md"), []byte(text), 0o644); err != nil {
		t.Fatalf("write design.md: %v", err)
	}

	result, err := RunCriticTool(Spec{})
	if err != nil {
		t.Fatalf("RunCriticTool: %v", err)
	}
	score, _ := result["score"].(int)
	if score < 9 {
		t.Fatalf("expected a high score for a long, headed, tested design, got %d", score)
	}
	if issues, ok := result["issues"].([]string); !ok || len(issues) != 0 {
		t.Fatalf("expected no issues, got %v", result["issues"])
	}
}

func TestRunCriticToolFlagsShortUntestedDesign(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "design.md"), []byte("# Draft\n\nbarely anything here"), 0o644); err != nil {
		t.Fatalf("write design.md: %v", err)
	}

	result, err := RunCriticTool(Spec{})
	if err != nil {
		t.Fatalf("RunCriticTool: %v", err)
	}
	issues, ok := result["issues"].([]string)
	if !ok || len(issues) != 2 {
		t.Fatalf("expected two issues (too short, missing testing), got %v", result["issues"])
	}
}

func TestWriteResultWrapsPayloadInSentinels(t *testing.T) {
	var buf strings.Builder
	if err := WriteResult(&buf, Result{"status": "ok"}); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, SentinelStart) || !strings.Contains(out, SentinelEnd) {
		t.Fatalf("expected sentinel markers in output, got %q", out)
	}
	if strings.Index(out, SentinelStart) > strings.Index(out, SentinelEnd) {
		t.Fatalf("expected start sentinel before end sentinel, got %q", out)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}
