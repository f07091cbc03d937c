// Package record is the SDK-side trace producer: it drives a
// chat-completions client, executes requested tools, and records the whole
// exchange as a canonical episode trace. It is the second of the two
// producers the serialization contract exists for (the other is the raw
// span-emitting harness ingested by the normalizer).
package record

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/epitrace/epitrace/pkg/recorder"
	"github.com/epitrace/epitrace/pkg/trace"
)

// ChatClient is the slice of the chat-completions API this package consumes.
// *openai.Client satisfies it; tests and the demo CLI supply mocks built
// from the same concrete response structs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ToolFunc executes one tool invocation. A returned error marks the recorded
// call failed; the trace still captures it.
type ToolFunc func(args trace.Value) (trace.Value, error)

// Options configures one recorded episode.
type Options struct {
	// EpisodeID names the episode (generated when empty). TestID, when set,
	// is what appears on the wire so the verification engine can match the
	// trace to a named test case.
	EpisodeID string
	TestID    string
	// Prompt overrides the episode input; defaults to the last user message.
	Prompt string
	// MaxIterations bounds the tool loop (default 10) so a model that keeps
	// requesting tools cannot run away.
	MaxIterations int
}

const defaultMaxIterations = 10

// Result is the outcome of a recorded exchange.
type Result struct {
	FinalOutput string
	Episode     *trace.Episode
	ToolCalls   []string // tool names in invocation order
}

// ChatCompletion performs one completion call and records it as a complete
// episode: episode_start, one llm step, episode_end. Tool calls the model
// requested go into the step meta as requested_tools; no tool_call events
// are emitted because nothing was executed. Every exit path closes the
// episode; any failure after episode_start ends it with outcome error.
func ChatCompletion(ctx context.Context, sink recorder.Sink, client ChatClient, req openai.ChatCompletionRequest, opts Options) (openai.ChatCompletionResponse, error) {
	r, err := recorder.Start(sink, recorder.Options{
		EpisodeID: opts.EpisodeID,
		TestID:    opts.TestID,
		Prompt:    promptFor(req, opts),
	})
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	// The terminal event must go out on every path, including early error
	// returns. End is idempotent, so the clean path's End(pass) wins.
	defer r.Abort()

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		if _, serr := r.Step(trace.StepLLM, "chat", fmt.Sprintf("Error: %v", err)); serr != nil {
			return openai.ChatCompletionResponse{}, serr
		}
		return openai.ChatCompletionResponse{}, fmt.Errorf("chat completion: %w", err)
	}

	msg := firstMessage(resp)
	meta := trace.Null()
	if names := requestedTools(msg); len(names) > 0 {
		items := make([]trace.Value, len(names))
		for i, n := range names {
			items[i] = trace.String(n)
		}
		meta = trace.Object(trace.Member{Key: "requested_tools", Value: trace.Array(items...)})
	}

	stepID, err := r.StepWithMeta(trace.StepLLM, "chat", msg.Content, meta)
	if err != nil {
		return resp, err
	}
	if err := r.AddUsage(stepID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
		return resp, err
	}

	r.SetOutput(msg.Content)
	if err := r.End(trace.OutcomePass); err != nil {
		return resp, err
	}
	return resp, nil
}

// ChatCompletionWithTools runs the full agent loop: ask the model, execute
// every requested tool through the executor map, feed results back, and stop
// when the model answers without tool calls or the iteration budget runs
// out. Every model turn becomes an llm step; every tool invocation becomes
// its own tool step plus a tool_call event referencing it. The episode is
// closed on every exit path.
func ChatCompletionWithTools(ctx context.Context, sink recorder.Sink, client ChatClient, req openai.ChatCompletionRequest, executors map[string]ToolFunc, opts Options) (*Result, error) {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	r, err := recorder.Start(sink, recorder.Options{
		EpisodeID: opts.EpisodeID,
		TestID:    opts.TestID,
		Prompt:    promptFor(req, opts),
	})
	if err != nil {
		return nil, err
	}
	defer r.Abort()

	result := &Result{}
	for iteration := 0; iteration < maxIter; iteration++ {
		resp, err := client.CreateChatCompletion(ctx, req)
		if err != nil {
			if _, serr := r.Step(trace.StepLLM, "chat", fmt.Sprintf("Error: %v", err)); serr != nil {
				return nil, serr
			}
			return nil, fmt.Errorf("chat completion: %w", err)
		}

		msg := firstMessage(resp)
		stepID, err := r.Step(trace.StepLLM, "chat", msg.Content)
		if err != nil {
			return nil, err
		}
		if err := r.AddUsage(stepID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
			return nil, err
		}

		if len(msg.ToolCalls) == 0 {
			result.FinalOutput = msg.Content
			result.Episode = r.Episode()
			r.SetOutput(msg.Content)
			if err := r.End(trace.OutcomePass); err != nil {
				return nil, err
			}
			return result, nil
		}

		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})

		for _, tc := range msg.ToolCalls {
			toolName := tc.Function.Name
			args := trace.BestEffort(tc.Function.Arguments)

			toolResult, callErr := executeTool(executors, toolName, args)
			result.ToolCalls = append(result.ToolCalls, toolName)

			content := ""
			if !toolResult.IsNull() {
				encoded, err := trace.EncodeValue(toolResult)
				if err != nil {
					return nil, err
				}
				content = string(encoded)
			}
			toolStepID, err := r.Step(trace.StepTool, toolName, content)
			if err != nil {
				return nil, err
			}
			if err := r.ToolCall(toolStepID, toolName, args, toolResult, callErr); err != nil {
				return nil, err
			}

			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: tc.ID,
				Content:    toolMessage(toolResult, callErr),
			})
		}
	}

	msg := fmt.Sprintf("max iterations (%d) exceeded", maxIter)
	r.SetOutput(msg)
	if err := r.End(trace.OutcomeError); err != nil {
		return nil, err
	}
	result.FinalOutput = msg
	result.Episode = r.Episode()
	return result, fmt.Errorf("%s", msg)
}

// executeTool runs the named executor, mapping unknown tools and executor
// failures to a failed recorded call with a null result.
func executeTool(executors map[string]ToolFunc, name string, args trace.Value) (trace.Value, string) {
	fn, ok := executors[name]
	if !ok {
		return trace.Null(), fmt.Sprintf("unknown tool: %s", name)
	}
	out, err := fn(args)
	if err != nil {
		return trace.Null(), err.Error()
	}
	return out, ""
}

// toolMessage renders the content of the role=tool message fed back to the
// model.
func toolMessage(result trace.Value, callErr string) string {
	if callErr != "" {
		b, _ := json.Marshal(map[string]string{"error": callErr})
		return string(b)
	}
	encoded, err := trace.EncodeValue(result)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

func promptFor(req openai.ChatCompletionRequest, opts Options) string {
	if opts.Prompt != "" {
		return opts.Prompt
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == openai.ChatMessageRoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func firstMessage(resp openai.ChatCompletionResponse) openai.ChatCompletionMessage {
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}
	}
	return resp.Choices[0].Message
}

// requestedTools lists the tool names a message asked for, in order.
func requestedTools(msg openai.ChatCompletionMessage) []string {
	var names []string
	for _, tc := range msg.ToolCalls {
		names = append(names, tc.Function.Name)
	}
	return names
}
