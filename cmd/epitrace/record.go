package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/epitrace/epitrace/pkg/record"
	"github.com/epitrace/epitrace/pkg/trace"
)

var (
	recordTrace     string
	recordConfig    string
	recordEpisodeID string
	recordTestID    string
)

var recordCmd = &cobra.Command{
	Use:   "record [message]",
	Short: "Run the demo agent and record the episode as a trace",
	Long: `Send a message through the tool-calling agent loop and append the
resulting episode to a JSONL trace file.

Uses the OpenAI API when OPENAI_API_KEY is set; otherwise a built-in
mock client answers with canned tool calls so traces can be produced
offline.

Settings are read from (in priority order):
  1. CLI flags
  2. epitrace.yaml in the current directory (--config to override)

Example epitrace.yaml:
  model: gpt-4o-mini
  trace: traces/run.jsonl
  max_iterations: 10`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

// recordSettings is the epitrace.yaml file shape. Unknown keys are
// rejected so typos fail loudly.
type recordSettings struct {
	Model         string `yaml:"model"`
	Trace         string `yaml:"trace"`
	MaxIterations int    `yaml:"max_iterations"`
}

func loadSettings(path string, explicit bool) (*recordSettings, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &recordSettings{}, nil
		}
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	var s recordSettings
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &s, nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	message := args[0]

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := loadSettings(recordConfig, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	tracePath := recordTrace
	if tracePath == "" {
		tracePath = cfg.Trace
	}
	if tracePath == "" {
		return fmt.Errorf("no trace path: pass --trace or set trace: in %s", recordConfig)
	}

	sink, err := trace.NewFileWriter(tracePath)
	if err != nil {
		return fmt.Errorf("open trace sink: %w", err)
	}

	var client record.ChatClient
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" || apiKey == "mock" {
		log.Warn().Msg("OPENAI_API_KEY not set, using mock client")
		client = &mockChatClient{}
	} else {
		client = openai.NewClient(apiKey)
	}

	req := openai.ChatCompletionRequest{
		Model: cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a helpful assistant with access to tools."},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
		Tools: demoToolDefs(),
	}

	log.Info().Str("model", cfg.Model).Str("trace", sink.Path()).Msg("recording episode")

	result, err := record.ChatCompletionWithTools(
		context.Background(), sink, client, req, demoExecutors(),
		record.Options{
			EpisodeID:     recordEpisodeID,
			TestID:        recordTestID,
			Prompt:        message,
			MaxIterations: cfg.MaxIterations,
		})
	if err != nil {
		log.Error().Err(err).Msg("episode failed")
		return err
	}

	ep := result.Episode
	log.Info().
		Str("episode_id", ep.EpisodeID).
		Str("outcome", string(ep.Outcome)).
		Int("steps", len(ep.Steps)).
		Int("tokens", ep.TotalTokens).
		Msg("episode recorded")

	fmt.Printf("Episode: %s\n", ep.EpisodeID)
	fmt.Printf("  Outcome: %s\n", ep.Outcome)
	fmt.Printf("  Steps:   %d (%d tool calls)\n", len(ep.Steps), len(result.ToolCalls))
	fmt.Printf("  Tokens:  %d\n", ep.TotalTokens)
	fmt.Printf("  Output:  %s\n", result.FinalOutput)
	fmt.Printf("  Trace:   %s\n", sink.Path())
	return nil
}

// demoToolDefs declares the agent's tools in the chat-completions format.
func demoToolDefs() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "GetWeather",
				Description: "Get the current weather for a location",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"location": map[string]any{"type": "string"},
					},
					"required": []string{"location"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "Calculate",
				Description: "Evaluate an arithmetic expression",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{"type": "string"},
					},
					"required": []string{"expression"},
				},
			},
		},
	}
}

// demoExecutors backs the demo tools with local implementations, so traces
// can be produced without any external service.
func demoExecutors() map[string]record.ToolFunc {
	return map[string]record.ToolFunc{
		"GetWeather": func(args trace.Value) (trace.Value, error) {
			location := "Unknown"
			if v, ok := args.Get("location"); ok && v.Kind() == trace.KindString {
				location = v.Str()
			}
			return trace.Object(
				trace.Member{Key: "location", Value: trace.String(location)},
				trace.Member{Key: "temperature_celsius", Value: trace.Int(22)},
				trace.Member{Key: "conditions", Value: trace.String("partly cloudy")},
				trace.Member{Key: "humidity_percent", Value: trace.Int(65)},
			), nil
		},
		"Calculate": func(args trace.Value) (trace.Value, error) {
			expr := ""
			if v, ok := args.Get("expression"); ok && v.Kind() == trace.KindString {
				expr = v.Str()
			}
			result, err := evalExpr(expr)
			if err != nil {
				return trace.Null(), err
			}
			return trace.Object(
				trace.Member{Key: "expression", Value: trace.String(expr)},
				trace.Member{Key: "result", Value: trace.Float(result)},
			), nil
		},
	}
}

// evalExpr evaluates a flat arithmetic expression of numbers joined by
// + - * / with the usual precedence. Parentheses are not supported.
func evalExpr(expr string) (float64, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 || len(fields)%2 == 0 {
		return 0, fmt.Errorf("malformed expression %q", expr)
	}

	nums := make([]float64, 0, len(fields)/2+1)
	ops := make([]string, 0, len(fields)/2)
	for i, f := range fields {
		if i%2 == 0 {
			n, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return 0, fmt.Errorf("malformed expression %q: %w", expr, err)
			}
			nums = append(nums, n)
		} else {
			switch f {
			case "+", "-", "*", "/":
				ops = append(ops, f)
			default:
				return 0, fmt.Errorf("unsupported operator %q", f)
			}
		}
	}

	// Multiplication and division first.
	for i := 0; i < len(ops); {
		switch ops[i] {
		case "*":
			nums[i] *= nums[i+1]
		case "/":
			if nums[i+1] == 0 {
				return 0, fmt.Errorf("division by zero in %q", expr)
			}
			nums[i] /= nums[i+1]
		default:
			i++
			continue
		}
		nums = append(nums[:i+1], nums[i+2:]...)
		ops = append(ops[:i], ops[i+1:]...)
	}

	acc := nums[0]
	for i, op := range ops {
		if op == "+" {
			acc += nums[i+1]
		} else {
			acc -= nums[i+1]
		}
	}
	return acc, nil
}

func init() {
	recordCmd.Flags().StringVar(&recordTrace, "trace", "", "Trace file to append the episode to")
	recordCmd.Flags().StringVar(&recordConfig, "config", "epitrace.yaml", "Path to settings file")
	recordCmd.Flags().StringVar(&recordEpisodeID, "episode-id", "", "Episode id (generated when empty)")
	recordCmd.Flags().StringVar(&recordTestID, "test-id", "", "Test id used as the wire episode id")
}
