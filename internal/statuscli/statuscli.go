// Package statuscli renders StatusStore data for the `conductor pty`
// command family, ported from the reference implementation's
// scripts/conductor.py (`_print_table`, `--json`/`--short`/`--since`
// handling, `format_timestamp`/`min_timestamp_for_window`).
package statuscli

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"golang.org/x/image/draw"

	"github.com/loppo-llc/conductor/internal/statusstore"
)

// FormatTimestamp renders "-" for a zero timestamp and an
// ISO-8601-with-seconds string otherwise, matching status_repo.py.
func FormatTimestamp(ts float64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(int64(ts), 0).UTC().Format("2006-01-02T15:04:05Z")
}

// MinTimestampForWindow converts a --since duration into an absolute unix
// timestamp cutoff.
func MinTimestampForWindow(since time.Duration) float64 {
	return float64(time.Now().Add(-since).Unix())
}

// RenderTable prints a simple fixed-width column table of pane statuses.
func RenderTable(panes []statusstore.Pane) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-24s %-10s %-20s %s\n", "PANE", "WORKER", "STATE", "POLLED", "SUMMARY")
	for _, p := range panes {
		fmt.Fprintf(&b, "%-12s %-24s %-10s %-20s %s\n",
			truncate(p.ID, 12), truncate(p.WorkerID, 24), p.State, FormatTimestamp(p.LastPolledTS), p.Summary)
	}
	return b.String()
}

// RenderShort prints compact "[worker: state]" chunks suitable for a tmux
// status line.
func RenderShort(panes []statusstore.Pane) string {
	var parts []string
	for _, p := range panes {
		parts = append(parts, fmt.Sprintf("[%s: %s]", truncate(p.WorkerID, 8), p.State))
	}
	return strings.Join(parts, " ")
}

// RenderJSON marshals panes as a JSON array.
func RenderJSON(panes []statusstore.Pane) (string, error) {
	b, err := json.MarshalIndent(panes, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RenderHistoryJSON marshals a history tail as a JSON array.
func RenderHistoryJSON(entries []statusstore.HistoryEntry) (string, error) {
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RenderHistoryTable prints a history tail as a fixed-width table.
func RenderHistoryTable(entries []statusstore.HistoryEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %s\n", "TIME", "STATE", "SUMMARY")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %-10s %s\n", FormatTimestamp(e.TS), e.State, e.Summary)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RenderQR renders url as a QR code using half-block Unicode characters
// sized to fit a terminal roughly `cols` characters wide — the QR module
// grid from gozxing is rasterized into an image.Gray, then downsampled
// with x/image/draw so codes wider than the terminal still print legibly.
func RenderQR(url string, cols int) (string, error) {
	writer := qrcode.NewQRCodeWriter()
	matrix, err := writer.Encode(url, gozxing.BarcodeFormat_QR_CODE, 0, 0, nil)
	if err != nil {
		return "", fmt.Errorf("statuscli: encode qr: %w", err)
	}

	w, h := matrix.GetWidth(), matrix.GetHeight()
	src := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if matrix.Get(x, y) {
				src.SetGray(x, y, color.Gray{Y: 0})
			} else {
				src.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	if cols <= 0 || cols >= w {
		return rasterToHalfBlocks(src), nil
	}

	dst := image.NewGray(image.Rect(0, 0, cols, cols*h/w))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return rasterToHalfBlocks(dst), nil
}

// rasterToHalfBlocks prints two pixel rows per output line using the
// Unicode upper/lower half-block characters, halving vertical distortion
// from a terminal cell's roughly-2:1 height-to-width ratio.
func rasterToHalfBlocks(img *image.Gray) string {
	bounds := img.Bounds()
	var b strings.Builder
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 2 {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			top := isDark(img, x, y)
			bottom := isDark(img, x, y+1)
			switch {
			case top && bottom:
				b.WriteRune('█')
			case top && !bottom:
				b.WriteRune('▀')
			case !top && bottom:
				b.WriteRune('▄')
			default:
				b.WriteRune(' ')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func isDark(img *image.Gray, x, y int) bool {
	if y >= img.Bounds().Max.Y {
		return false
	}
	return img.GrayAt(x, y).Y < 128
}
