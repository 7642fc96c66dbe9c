package statuscli

import (
	"strings"
	"testing"
	"time"

	"github.com/loppo-llc/conductor/internal/statusstore"
)

func TestFormatTimestampRendersDashForZero(t *testing.T) {
	if got := FormatTimestamp(0); got != "-" {
		t.Fatalf("expected dash for zero timestamp, got %q", got)
	}
}

func TestFormatTimestampRendersISO8601(t *testing.T) {
	got := FormatTimestamp(1700000000)
	if !strings.HasSuffix(got, "Z") || !strings.Contains(got, "T") {
		t.Fatalf("expected ISO-8601 UTC timestamp, got %q", got)
	}
}

func TestMinTimestampForWindowIsInThePast(t *testing.T) {
	cutoff := MinTimestampForWindow(time.Hour)
	if cutoff >= float64(time.Now().Unix()) {
		t.Fatalf("expected cutoff before now, got %v", cutoff)
	}
}

func TestRenderTableIncludesEveryPane(t *testing.T) {
	panes := []statusstore.Pane{
		{ID: "pane-1", WorkerID: "worker-1", State: "READY", Summary: "idle"},
		{ID: "pane-2", WorkerID: "worker-2", State: "BUSY", Summary: "running"},
	}
	out := RenderTable(panes)
	for _, want := range []string{"pane-1", "worker-1", "READY", "pane-2", "BUSY"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected table to contain %q, got %q", want, out)
		}
	}
}

func TestRenderShortProducesBracketedChunks(t *testing.T) {
	panes := []statusstore.Pane{{WorkerID: "worker-1", State: "READY"}}
	got := RenderShort(panes)
	if got != "[worker-1: READY]" {
		t.Fatalf("unexpected short form: %q", got)
	}
}

func TestRenderJSONUsesLowercaseIDKey(t *testing.T) {
	panes := []statusstore.Pane{{ID: "pane-1", State: "READY"}}
	out, err := RenderJSON(panes)
	if err != nil {
		t.Fatalf("RenderJSON: %v", err)
	}
	if !strings.Contains(out, `"id": "pane-1"`) {
		t.Fatalf("expected pane id in JSON output, got %q", out)
	}
}

func TestTruncateLeavesShortStringsAlone(t *testing.T) {
	if got := truncate("abc", 10); got != "abc" {
		t.Fatalf("expected unchanged short string, got %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcde" {
		t.Fatalf("expected truncated string, got %q", got)
	}
}

func TestRenderQRProducesNonEmptyGrid(t *testing.T) {
	out, err := RenderQR("http://127.0.0.1:7700", 24)
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) == 0 {
		t.Fatalf("expected at least one rendered line")
	}
	if !strings.ContainsAny(out, "█▀▄") {
		t.Fatalf("expected half-block characters in rendered QR, got %q", out)
	}
}
