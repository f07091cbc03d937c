package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// mockChatClient simulates the chat-completions API so episodes can be
// recorded offline. It matches keywords in the last user message to decide
// which tool to request, then answers from the tool results on the next
// turn.
type mockChatClient struct{}

func (m *mockChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, fmt.Errorf("mock: empty message list")
	}
	last := req.Messages[len(req.Messages)-1]

	// Tool results came back: produce the final answer.
	if last.Role == openai.ChatMessageRoleTool {
		return mockResponse(fmt.Sprintf("Based on the tool results: %s", last.Content), nil), nil
	}

	lower := strings.ToLower(last.Content)
	switch {
	case strings.Contains(lower, "weather"):
		return mockResponse("", []openai.ToolCall{mockToolCall("GetWeather", `{"location": "Tokyo"}`)}), nil
	case strings.Contains(lower, "calculate") || strings.Contains(lower, "15%"):
		return mockResponse("", []openai.ToolCall{mockToolCall("Calculate", `{"expression": "250 * 0.15"}`)}), nil
	case strings.Contains(lower, "tax") && strings.Contains(lower, "total"):
		return mockResponse("", []openai.ToolCall{mockToolCall("Calculate", `{"expression": "3 * 49.99 * 1.08"}`)}), nil
	default:
		return mockResponse("I can help with weather and math.", nil), nil
	}
}

func mockToolCall(name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func mockResponse(content string, toolCalls []openai.ToolCall) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			}},
		},
		Usage: openai.Usage{
			PromptTokens:     50,
			CompletionTokens: 30,
			TotalTokens:      80,
		},
	}
}
