// Package attach lets an operator drop into a worker's live tmux pane
// from the conductor CLI, the same way the teacher's manager.go attaches
// a local PTY to a managed process — here the managed process is always
// `tmux attach -t <session>` rather than an arbitrary tool invocation,
// since the pane itself is already owned by the worker's tmux session.
package attach

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty/v2"
	"golang.org/x/term"
)

// Run attaches the calling process's stdin/stdout to tmuxSession via a
// local PTY, forwarding window-resize signals and restoring the
// controlling terminal's mode on exit. It blocks until the tmux client
// exits (detach or session end).
func Run(tmuxBin, tmuxSession string) error {
	cmd := exec.Command(tmuxBin, "attach", "-t", tmuxSession)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("attach: start pty: %w", err)
	}
	defer ptmx.Close()

	sizeCh := make(chan os.Signal, 1)
	signal.Notify(sizeCh, syscall.SIGWINCH)
	defer signal.Stop(sizeCh)
	go func() {
		for range sizeCh {
			resizeToTerminal(ptmx)
		}
	}()
	resizeToTerminal(ptmx)

	stdinFD := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFD) {
		prevState, err := term.MakeRaw(stdinFD)
		if err == nil {
			defer term.Restore(stdinFD, prevState)
		}
	}

	go io.Copy(ptmx, os.Stdin)
	_, err = io.Copy(os.Stdout, ptmx)
	if err != nil && !isExpectedPTYError(err) {
		return fmt.Errorf("attach: copy from pty: %w", err)
	}
	return cmd.Wait()
}

func resizeToTerminal(ptmx *os.File) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// isExpectedPTYError reports whether err is the expected io.EOF-ish
// failure a PTY returns once the attached tmux client exits.
func isExpectedPTYError(err error) bool {
	return err == io.EOF || err.Error() == "read /dev/ptmx: input/output error"
}
