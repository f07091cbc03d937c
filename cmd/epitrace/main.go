package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epitrace/epitrace/pkg/trace"
	"github.com/epitrace/epitrace/pkg/validate"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv() // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets
// any variables that aren't already set in the environment.
// Lines are KEY=VALUE (or KEY="VALUE"). Comments (#) and blanks are skipped.
// The .env file is gitignored so secrets never end up in source control.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return // no .env file — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Remove surrounding quotes
		val = strings.Trim(val, `"'`)
		// Don't overwrite existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "epitrace",
	Short: "Agent episode trace recorder and validator",
	Long:  "epitrace — record, normalize, and validate agent episode traces as canonical JSONL event streams.",
}

// --- schema export ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema operations",
}

var schemaExportCmd = &cobra.Command{
	Use:   "export [event-type]",
	Short: "Export the JSON Schema for an event type to stdout",
	Long: `Export the JSON Schema used by the semantic validation phase.

Event types: episode_start, step, tool_call, episode_end.
With no argument, all four schemas are exported as one JSON object
keyed by event type.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchemaExport,
}

var eventTypes = []trace.Type{
	trace.TypeEpisodeStart,
	trace.TypeStep,
	trace.TypeToolCall,
	trace.TypeEpisodeEnd,
}

func runSchemaExport(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		t := trace.Type(args[0])
		data, err := validate.GenerateEventSchema(t)
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	all := make(map[string]json.RawMessage, len(eventTypes))
	for _, t := range eventTypes {
		data, err := validate.GenerateEventSchema(t)
		if err != nil {
			return fmt.Errorf("generate schema for %s: %w", t, err)
		}
		all[string(t)] = data
	}
	formatted, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(formatted))
	return nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("epitrace %s (build: %s)\n", version, commit)
	},
}

func init() {
	schemaCmd.AddCommand(schemaExportCmd)

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}
