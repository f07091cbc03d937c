package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epitrace/epitrace/pkg/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate [trace.jsonl]",
	Short: "Validate a trace file against the event contract",
	Long: `Validate a JSONL trace file in two phases: structural rules
(episode lifecycle, step id references, ordering) and semantic JSON
Schema checks per event line. All findings are reported; warnings do
not fail the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	report, err := validate.File(path)
	if err != nil {
		return err
	}

	for _, w := range report.Warnings() {
		fmt.Fprintf(os.Stderr, "  ⚠ [%s] %s\n", w.Phase, w.Message)
		if w.Line > 0 {
			fmt.Fprintf(os.Stderr, "    at: line %d\n", w.Line)
		}
	}

	errors := report.Errors()
	if len(errors) > 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errors))
		for i, e := range errors {
			fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Line > 0 {
				fmt.Fprintf(os.Stderr, "     at: line %d\n", e.Line)
			}
		}
		return fmt.Errorf("validation failed with %d error(s)", len(errors))
	}

	fmt.Printf("✓ %s is valid (%d events, %d episodes)\n", path, report.Events, report.Episodes)
	return nil
}
