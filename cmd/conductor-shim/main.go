// Command conductor-shim is the single binary every run_*_task.sh wrapper
// in shims/ execs into, selecting behavior by its first argument the same
// way scripts/shims/tool_runner.py dispatched on sys.argv[1].
package main

import (
	"fmt"
	"os"

	"github.com/loppo-llc/conductor/internal/shim"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: conductor-shim <tool> <spec_path>")
		os.Exit(1)
	}
	tool := os.Args[1]
	specPath := os.Args[2]

	spec, err := shim.LoadSpec(specPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor-shim:", err)
		os.Exit(1)
	}

	switch tool {
	case "codex":
		if err := shim.RunCodexCLI(spec, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, "conductor-shim:", err)
			os.Exit(1)
		}
	case "claude", "gemini":
		result, err := shim.RunCoderTool(tool, spec)
		if err != nil {
			fmt.Fprintln(os.Stderr, "conductor-shim:", err)
			os.Exit(1)
		}
		if err := shim.WriteResult(os.Stdout, result); err != nil {
			fmt.Fprintln(os.Stderr, "conductor-shim:", err)
			os.Exit(1)
		}
	case "critic_llm":
		result, err := shim.RunCriticTool(spec)
		if err != nil {
			fmt.Fprintln(os.Stderr, "conductor-shim:", err)
			os.Exit(1)
		}
		if err := shim.WriteResult(os.Stdout, result); err != nil {
			fmt.Fprintln(os.Stderr, "conductor-shim:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "conductor-shim: unknown tool %q\n", tool)
		os.Exit(1)
	}
}
