// Package classifier implements the ClassifierPack, RegexClassifier,
// OpenRouterClassifier, and HybridClassifier components: loading
// per-cli_type regex cues, classifying a stable screen into a lifecycle
// state, and optionally deferring to a remote LLM before falling back.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Result is the outcome of a classification pass.
type Result struct {
	State         string
	Summary       string
	ActionsNeeded string
}

// Pack bundles a cli_type's compiled regex cues and stability threshold.
type Pack struct {
	Name            string
	StabilityPolls  int
	IdleRegexes     []*regexp.Regexp
	BusyRegexes     []*regexp.Regexp
	ConfirmRegexes  []*regexp.Regexp
	ErrorRegexes    []*regexp.Regexp
}

type packFile struct {
	StabilityPolls            int      `json:"stability_polls"`
	IdlePatterns              []string `json:"idle_patterns"`
	BusyPatterns              []string `json:"busy_patterns"`
	NeedsConfirmationPatterns []string `json:"needs_confirmation_patterns"`
	ErrorPatterns             []string `json:"error_patterns"`
}

// LoadPack loads a pack for cliType from packsDir/<cliType>.yml (despite
// the extension, the file content is JSON, matching the reference
// implementation). A missing or malformed file yields an empty pack with
// defaultStability rather than an error — packs are best-effort.
func LoadPack(packsDir, cliType string, defaultStability int) Pack {
	path := filepath.Join(packsDir, cliType+".yml")
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("no classifier pack found, falling back to defaults", "cli_type", cliType, "path", path)
		return emptyPack(cliType, defaultStability)
	}
	var raw packFile
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Error("failed to parse classifier pack", "path", path, "err", err)
		return emptyPack(cliType, defaultStability)
	}
	stability := raw.StabilityPolls
	if stability == 0 {
		stability = defaultStability
	}
	return Pack{
		Name:           cliType,
		StabilityPolls: stability,
		IdleRegexes:    compileAll(raw.IdlePatterns),
		BusyRegexes:    compileAll(raw.BusyPatterns),
		ConfirmRegexes: compileAll(raw.NeedsConfirmationPatterns),
		ErrorRegexes:   compileAll(raw.ErrorPatterns),
	}
}

func emptyPack(cliType string, defaultStability int) Pack {
	return Pack{Name: cliType, StabilityPolls: defaultStability}
}

func compileAll(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		// (?im) == case-insensitive, multiline (^/$ match at line breaks),
		// matching the reference's re.MULTILINE|re.IGNORECASE flags.
		re, err := regexp.Compile("(?im)" + p)
		if err != nil {
			slog.Warn("invalid classifier pattern, skipping", "pattern", p, "err", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// RegexClassifier classifies a stable snapshot using precedence:
// error -> needs_confirmation -> busy -> idle -> default READY.
type RegexClassifier struct {
	Pack Pack
}

func NewRegexClassifier(pack Pack) *RegexClassifier {
	return &RegexClassifier{Pack: pack}
}

func (c *RegexClassifier) Classify(snapshot string) Result {
	if matchAny(c.Pack.ErrorRegexes, snapshot) {
		return Result{
			State:         "ERROR",
			Summary:       "Detected error output",
			ActionsNeeded: "Inspect the PTY logs to unblock the worker.",
		}
	}
	if matchAny(c.Pack.ConfirmRegexes, snapshot) {
		return Result{
			State:         "NEEDS_CONFIRMATION",
			Summary:       "Tool is waiting for explicit confirmation",
			ActionsNeeded: "Answer the confirmation prompt in the PTY.",
		}
	}
	if matchAny(c.Pack.BusyRegexes, snapshot) {
		return Result{State: "BUSY", Summary: "Workload still running"}
	}
	if matchAny(c.Pack.IdleRegexes, snapshot) {
		return Result{State: "READY", Summary: "Idle prompt detected"}
	}
	return Result{State: "READY", Summary: "No activity detected in snapshot"}
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// openRouterSystemPrompt asks for exactly the state/summary/actions_needed
// contract the hybrid classifier parses, resolving a mismatch present in
// the reference implementation (whose prompt asked for four separate
// lifecycle axes but only ever read a flat `state` field back out).
const openRouterSystemPrompt = `You read tmux pane text for a CLI worker and must classify its lifecycle state.
Return strict JSON matching:
{
  "state": "<READY|BUSY|NEEDS_CONFIRMATION|ERROR>",
  "summary": "<short string>",
  "actions_needed": "<string or null>"
}
READY means an idle prompt is visible and safe to send a new command.
BUSY means a workload is actively running with no prompt visible.
NEEDS_CONFIRMATION means the tool is blocked on an explicit y/N or similar prompt.
ERROR means a traceback or clear failure is visible in recent output.`

// OpenRouterClassifier sends the snapshot to a remote chat-completion
// endpoint for classification.
type OpenRouterClassifier struct {
	Pack    Pack
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewOpenRouterClassifier(pack Pack, apiKey, model string) *OpenRouterClassifier {
	return &OpenRouterClassifier{
		Pack:   pack,
		APIKey: apiKey,
		Model:  model,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type llmResult struct {
	State         string `json:"state"`
	Summary       string `json:"summary"`
	ActionsNeeded any    `json:"actions_needed"`
}

func (c *OpenRouterClassifier) Classify(ctx context.Context, snapshot, cliType string) (Result, error) {
	if c.APIKey == "" {
		return Result{}, fmt.Errorf("classifier: no OpenRouter API key configured")
	}
	reqBody := chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: openRouterSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("CLI type: %s\nSnapshot:\n%s", cliType, snapshot)},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://openrouter.ai/api/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("classifier: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("classifier: remote returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("classifier: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("classifier: empty choices in response")
	}

	var inner llmResult
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &inner); err != nil {
		return Result{}, fmt.Errorf("classifier: parse message content: %w", err)
	}

	state := inner.State
	if state == "" {
		state = "READY"
	}
	actions := ""
	if s, ok := inner.ActionsNeeded.(string); ok {
		actions = s
	}
	return Result{State: state, Summary: inner.Summary, ActionsNeeded: actions}, nil
}

// Hybrid attempts the remote LLM classifier first when configured,
// falling back to the regex classifier on any failure. It never returns
// an error to the caller.
type Hybrid struct {
	regex *RegexClassifier
	llm   *OpenRouterClassifier
}

func NewHybrid(pack Pack, apiKey, model string) *Hybrid {
	h := &Hybrid{regex: NewRegexClassifier(pack)}
	if apiKey != "" {
		h.llm = NewOpenRouterClassifier(pack, apiKey, model)
	}
	return h
}

func (h *Hybrid) Pack() Pack { return h.regex.Pack }

func (h *Hybrid) Classify(ctx context.Context, snapshot, cliType, paneID string) Result {
	if h.llm != nil {
		result, err := h.llm.Classify(ctx, snapshot, cliType)
		if err == nil {
			return result
		}
		slog.Warn("LLM classification failed, falling back to regex", "pane_id", paneID, "err", err)
	}
	return h.regex.Classify(snapshot)
}
