package record

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/epitrace/epitrace/pkg/trace"
	"github.com/epitrace/epitrace/pkg/validate"
)

// scriptedClient replays a fixed sequence of responses.
type scriptedClient struct {
	responses []openai.ChatCompletionResponse
	calls     int
	err       error
}

func (c *scriptedClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if c.err != nil {
		return openai.ChatCompletionResponse{}, c.err
	}
	if c.calls >= len(c.responses) {
		return openai.ChatCompletionResponse{}, fmt.Errorf("scripted client exhausted after %d calls", c.calls)
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func assistantTurn(content string, toolCalls ...openai.ToolCall) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			}},
		},
		Usage: openai.Usage{PromptTokens: 50, CompletionTokens: 30},
	}
}

func weatherCall() openai.ToolCall {
	return openai.ToolCall{
		ID:   "call_abc123",
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      "GetWeather",
			Arguments: `{"location": "Tokyo"}`,
		},
	}
}

func weatherExecutors() map[string]ToolFunc {
	return map[string]ToolFunc{
		"GetWeather": func(args trace.Value) (trace.Value, error) {
			return trace.Object(trace.Member{Key: "temp_c", Value: trace.Int(22)}), nil
		},
	}
}

func userRequest(message string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
	}
}

func TestToolLoopRecordsFullEpisode(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		assistantTurn("", weatherCall()),
		assistantTurn("The weather in Tokyo is 22C."),
	}}

	var buf bytes.Buffer
	result, err := ChatCompletionWithTools(
		context.Background(), trace.NewWriter(&buf), client,
		userRequest("What is the weather in Tokyo?"), weatherExecutors(),
		Options{TestID: "weather_tokyo"})
	if err != nil {
		t.Fatal(err)
	}

	if result.FinalOutput != "The weather in Tokyo is 22C." {
		t.Errorf("final output = %q", result.FinalOutput)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0] != "GetWeather" {
		t.Errorf("tool calls = %v", result.ToolCalls)
	}
	if result.Episode.Outcome != trace.OutcomePass {
		t.Errorf("outcome = %s", result.Episode.Outcome)
	}
	if result.Episode.TotalTokens != 160 {
		t.Errorf("tokens = %d, want 160 (two turns of 80)", result.Episode.TotalTokens)
	}

	report, err := validate.Stream(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid() {
		t.Fatalf("recorded trace must validate cleanly: %v", report.Violations)
	}

	events, err := trace.ParseStream(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	wantTypes := []trace.Type{
		trace.TypeEpisodeStart, // prompt
		trace.TypeStep,         // llm turn requesting the tool
		trace.TypeStep,         // tool execution
		trace.TypeToolCall,
		trace.TypeStep, // final llm turn
		trace.TypeEpisodeEnd,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, ev := range events {
		if ev.EventType() != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.EventType(), wantTypes[i])
		}
	}

	tc := events[3].(*trace.ToolCallEvent)
	if loc, _ := tc.Args.Get("location"); loc.Str() != "Tokyo" {
		t.Errorf("args = %v", tc.Args.Interface())
	}
	if temp, _ := tc.Result.Get("temp_c"); temp.Int64() != 22 {
		t.Errorf("result = %v", tc.Result.Interface())
	}
}

func TestUnknownToolRecordedAsFailedCall(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		assistantTurn("", openai.ToolCall{
			ID:       "call_x",
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: "LaunchRocket", Arguments: `{}`},
		}),
		assistantTurn("I could not do that."),
	}}

	var buf bytes.Buffer
	result, err := ChatCompletionWithTools(
		context.Background(), trace.NewWriter(&buf), client,
		userRequest("launch"), weatherExecutors(),
		Options{TestID: "ep1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Episode.Outcome != trace.OutcomePass {
		t.Errorf("outcome = %s; an unknown tool fails the call, not the episode", result.Episode.Outcome)
	}
	if !strings.Contains(buf.String(), `"error":"unknown tool: LaunchRocket"`) {
		t.Errorf("trace should record the failed call: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"result":null`) {
		t.Errorf("failed call should carry a null result: %s", buf.String())
	}
}

func TestMaxIterationsEndsWithError(t *testing.T) {
	// The model keeps requesting tools forever.
	responses := make([]openai.ChatCompletionResponse, 3)
	for i := range responses {
		responses[i] = assistantTurn("", weatherCall())
	}
	client := &scriptedClient{responses: responses}

	var buf bytes.Buffer
	result, err := ChatCompletionWithTools(
		context.Background(), trace.NewWriter(&buf), client,
		userRequest("weather"), weatherExecutors(),
		Options{TestID: "ep1", MaxIterations: 3})
	if err == nil {
		t.Fatal("expected max-iterations error")
	}
	if result == nil || result.Episode.Outcome != trace.OutcomeError {
		t.Fatalf("episode should end with outcome error: %+v", result)
	}
	if !strings.Contains(buf.String(), `"outcome":"error"`) {
		t.Errorf("trace missing error outcome: %s", buf.String())
	}
}

func TestClientErrorStillClosesEpisode(t *testing.T) {
	client := &scriptedClient{err: fmt.Errorf("connection refused")}

	var buf bytes.Buffer
	_, err := ChatCompletionWithTools(
		context.Background(), trace.NewWriter(&buf), client,
		userRequest("hi"), weatherExecutors(), Options{TestID: "ep1"})
	if err == nil {
		t.Fatal("expected client error")
	}
	if !strings.Contains(buf.String(), `"type":"episode_end"`) {
		t.Errorf("episode must be closed even on client failure: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"outcome":"error"`) {
		t.Errorf("failed episode must carry outcome error: %s", buf.String())
	}
}

func TestEncodingFailureStillClosesEpisode(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		assistantTurn("", weatherCall()),
	}}
	executors := map[string]ToolFunc{
		"GetWeather": func(args trace.Value) (trace.Value, error) {
			return trace.Object(trace.Member{Key: "temp_c", Value: trace.Float(math.NaN())}), nil
		},
	}

	var buf bytes.Buffer
	_, err := ChatCompletionWithTools(
		context.Background(), trace.NewWriter(&buf), client,
		userRequest("What is the weather in Tokyo?"), executors,
		Options{TestID: "ep_nan"})
	if err == nil {
		t.Fatal("expected an encoding error")
	}

	events, perr := trace.ParseStream(bytes.NewReader(buf.Bytes()))
	if perr != nil {
		t.Fatal(perr)
	}
	end, ok := events[len(events)-1].(*trace.EpisodeEndEvent)
	if !ok {
		t.Fatalf("last event is %T, want episode_end", events[len(events)-1])
	}
	if end.Outcome != trace.OutcomeError {
		t.Errorf("outcome = %s, want error", end.Outcome)
	}

	report, rerr := validate.Stream(bytes.NewReader(buf.Bytes()))
	if rerr != nil {
		t.Fatal(rerr)
	}
	if !report.Valid() {
		t.Fatalf("aborted trace must still validate: %v", report.Violations)
	}
}

func TestChatCompletionSingleTurn(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		assistantTurn("Hello there."),
	}}

	var buf bytes.Buffer
	resp, err := ChatCompletion(
		context.Background(), trace.NewWriter(&buf), client,
		userRequest("hi"), Options{TestID: "ep1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "Hello there." {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}

	events, err := trace.ParseStream(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want start+step+end", len(events))
	}
	end := events[2].(*trace.EpisodeEndEvent)
	if end.FinalOutput.Str() != "Hello there." {
		t.Errorf("final output = %v", end.FinalOutput.Interface())
	}
}

func TestChatCompletionRecordsRequestedTools(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		assistantTurn("", weatherCall()),
	}}

	var buf bytes.Buffer
	_, err := ChatCompletion(
		context.Background(), trace.NewWriter(&buf), client,
		userRequest("weather"), Options{TestID: "ep1"})
	if err != nil {
		t.Fatal(err)
	}
	// Requested but unexecuted tools go into step meta, with no tool_call
	// events.
	if !strings.Contains(buf.String(), `"requested_tools":["GetWeather"]`) {
		t.Errorf("requested tools missing from step meta: %s", buf.String())
	}
	if strings.Contains(buf.String(), `"type":"tool_call"`) {
		t.Errorf("single-turn recording must not emit tool_call events: %s", buf.String())
	}
}

func TestPromptDefaultsToLastUserMessage(t *testing.T) {
	client := &scriptedClient{responses: []openai.ChatCompletionResponse{
		assistantTurn("ok"),
	}}

	var buf bytes.Buffer
	req := openai.ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "be helpful"},
			{Role: openai.ChatMessageRoleUser, Content: "the actual question"},
		},
	}
	_, err := ChatCompletion(context.Background(), trace.NewWriter(&buf), client, req, Options{TestID: "ep1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"prompt":"the actual question"`) {
		t.Errorf("prompt should come from the last user message: %s", buf.String())
	}
}
