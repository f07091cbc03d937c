package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/epitrace/epitrace/pkg/normalize"
	"github.com/epitrace/epitrace/pkg/trace"
)

var normalizeOut string

var normalizeCmd = &cobra.Command{
	Use:   "normalize [trace-or-spans.jsonl]",
	Short: "Normalize a trace or span file into canonical events",
	Long: `Read a JSONL file in either accepted shape — flat span records or
canonical events — and write the canonical event stream. Canonical
input passes through with byte-identical encoding; span input is
grouped into episodes and converted. Output goes to stdout unless
--out is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runNormalize,
}

func runNormalize(cmd *cobra.Command, args []string) error {
	inPath := args[0]

	if normalizeOut != "" {
		inAbs, err1 := filepath.Abs(inPath)
		outAbs, err2 := filepath.Abs(normalizeOut)
		if err1 == nil && err2 == nil && inAbs == outAbs {
			return fmt.Errorf("refusing to overwrite input file %s", inPath)
		}
	}

	f, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", inPath, err)
	}
	defer f.Close()

	events, warnings, err := normalize.Stream(f)
	if err != nil {
		return fmt.Errorf("normalize %s: %w", inPath, err)
	}

	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "  ⚠ %s\n", w)
	}

	out := os.Stdout
	if normalizeOut != "" {
		if dir := filepath.Dir(normalizeOut); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
		}
		out, err = os.Create(normalizeOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", normalizeOut, err)
		}
		defer out.Close()
	}

	w := trace.NewWriter(out)
	for _, ev := range events {
		if err := w.WriteEvent(ev); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}

	if normalizeOut != "" {
		fmt.Printf("✓ %d events written to %s\n", len(events), normalizeOut)
	}
	return nil
}

func init() {
	normalizeCmd.Flags().StringVar(&normalizeOut, "out", "", "Output path (default: stdout)")
}
