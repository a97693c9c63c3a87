package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func TestResolveOpenAIModel(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4-5-20250929", ResolveOpenAIModel("sonnet", "fallback"))
	assert.Equal(t, "gemini-3-pro-preview", ResolveOpenAIModel("gemini", "fallback"))
	assert.Equal(t, "fallback", ResolveOpenAIModel("", "fallback"))
	assert.Equal(t, "claude-opus-4-5-unreleased", ResolveOpenAIModel("claude-opus-4-5-unreleased", "fallback"))
}

func TestConvertOpenAIToAnthropicConcatenatesSystemMessages(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "sonnet",
		Messages: []ChatCompletionMessage{
			{Role: ChatMessageRoleSystem, Content: "be terse"},
			{Role: ChatMessageRoleSystem, Content: "use markdown"},
			{Role: ChatMessageRoleUser, Content: "hi"},
		},
	}

	out := ConvertOpenAIToAnthropic(req, "fallback")

	assert.Equal(t, "be terse\n\nuse markdown", out.System)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
}

func TestConvertOpenAIToAnthropicDefaultsMaxTokens(t *testing.T) {
	req := &ChatCompletionRequest{Model: "sonnet", Messages: []ChatCompletionMessage{{Role: ChatMessageRoleUser, Content: "hi"}}}
	out := ConvertOpenAIToAnthropic(req, "fallback")
	assert.Equal(t, 4096, out.MaxTokens)
}

func TestConvertOpenAIToAnthropicAssistantToolCalls(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "sonnet",
		Messages: []ChatCompletionMessage{
			{
				Role:    ChatMessageRoleAssistant,
				Content: "let me check",
				ToolCalls: []ToolCall{
					{ID: "call_1", Type: "function", Function: FunctionCallSpec{Name: "search", Arguments: `{"q":"weather"}`}},
				},
			},
		},
	}

	out := ConvertOpenAIToAnthropic(req, "fallback")

	require.Len(t, out.Messages, 1)
	content, ok := out.Messages[0].Content.([]anthropic.ContentBlock)
	require.True(t, ok)
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0].Type)
	assert.Equal(t, "tool_use", content[1].Type)
	assert.Equal(t, "search", content[1].Name)
}

func TestConvertOpenAIToAnthropicToolResultBecomesUserMessage(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "sonnet",
		Messages: []ChatCompletionMessage{
			{Role: ChatMessageRoleTool, ToolCallID: "call_1", Content: "42 degrees"},
		},
	}

	out := ConvertOpenAIToAnthropic(req, "fallback")

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	content, ok := out.Messages[0].Content.([]anthropic.ContentBlock)
	require.True(t, ok)
	require.Len(t, content, 1)
	assert.Equal(t, "tool_result", content[0].Type)
	assert.Equal(t, "call_1", content[0].ToolUseID)
}

func TestConvertOpenAIToAnthropicToolsGetPlaceholderSchema(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "sonnet",
		Messages: []ChatCompletionMessage{{Role: ChatMessageRoleUser, Content: "hi"}},
		Tools: []ChatCompletionTool{
			{Type: "function", Function: ChatCompletionFunc{Name: "noop"}},
		},
	}

	out := ConvertOpenAIToAnthropic(req, "fallback")

	require.Len(t, out.Tools, 1)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(out.Tools[0].InputSchema))
}

func TestConvertAnthropicToOpenAITextResponse(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		ID:         "msg_abc123",
		Model:      "claude-sonnet-4-5-20250929",
		StopReason: "end_turn",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: "hello there"}},
		Usage:      &anthropic.Usage{InputTokens: 10, OutputTokens: 5},
	}

	out := ConvertAnthropicToOpenAI(resp)

	assert.Equal(t, "chatcmpl-abc123", out.ID)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hello there", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	assert.Equal(t, 15, out.Usage.TotalTokens)
}

func TestConvertAnthropicToOpenAIToolUseSetsFinishReason(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		ID:         "msg_def456",
		StopReason: "tool_use",
		Content: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
		},
	}

	out := ConvertAnthropicToOpenAI(resp)

	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "tool_calls", out.Choices[0].FinishReason)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "length", mapStopReason("max_tokens", false))
	assert.Equal(t, "tool_calls", mapStopReason("tool_use", false))
	assert.Equal(t, "tool_calls", mapStopReason("end_turn", true))
	assert.Equal(t, "stop", mapStopReason("end_turn", false))
}

func TestOpenAIChunkAdapterMessageStartEmitsRoleOnly(t *testing.T) {
	adapter := NewOpenAIChunkAdapter("claude-sonnet-4-5-20250929")

	chunk := adapter.Convert("message_start", nil, nil)

	require.NotNil(t, chunk)
	assert.Equal(t, ChatMessageRoleAssistant, chunk.Choices[0].Delta.Role)
}

func TestOpenAIChunkAdapterTextDelta(t *testing.T) {
	adapter := NewOpenAIChunkAdapter("m")

	chunk := adapter.Convert("content_block_delta", nil, map[string]interface{}{"type": "text_delta", "text": "hi"})

	require.NotNil(t, chunk)
	assert.Equal(t, "hi", chunk.Choices[0].Delta.Content)
}

func TestOpenAIChunkAdapterToolUseStart(t *testing.T) {
	adapter := NewOpenAIChunkAdapter("m")
	block := &anthropic.ContentBlock{Type: "tool_use", ID: "toolu_1", Name: "search"}

	chunk := adapter.Convert("content_block_start", block, nil)

	require.NotNil(t, chunk)
	require.Len(t, chunk.Choices[0].Delta.ToolCalls, 1)
	assert.Equal(t, "search", chunk.Choices[0].Delta.ToolCalls[0].Function.Name)
}

func TestOpenAIChunkAdapterIgnoresNonToolUseBlockStart(t *testing.T) {
	adapter := NewOpenAIChunkAdapter("m")
	block := &anthropic.ContentBlock{Type: "text"}

	chunk := adapter.Convert("content_block_start", block, nil)

	assert.Nil(t, chunk)
}

func TestOpenAIChunkAdapterMessageDeltaFinishReason(t *testing.T) {
	adapter := NewOpenAIChunkAdapter("m")

	chunk := adapter.Convert("message_delta", nil, map[string]interface{}{"stop_reason": "max_tokens"})

	require.NotNil(t, chunk)
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "length", *chunk.Choices[0].FinishReason)
}

func TestOpenAIChunkAdapterMessageDeltaWithoutStopReasonIsIgnored(t *testing.T) {
	adapter := NewOpenAIChunkAdapter("m")

	chunk := adapter.Convert("message_delta", nil, map[string]interface{}{})

	assert.Nil(t, chunk)
}
