package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func simpleRequest(model string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     model,
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: "hello"},
		},
	}
}

func TestConvertAnthropicToGoogleBasicTextMessage(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5-20250929")

	out := ConvertAnthropicToGoogle(req)

	require.Len(t, out.Contents, 1)
	assert.Equal(t, "user", out.Contents[0].Role)
	require.Len(t, out.Contents[0].Parts, 1)
	assert.Equal(t, "hello", out.Contents[0].Parts[0].Text)
	assert.Equal(t, 1024, out.GenerationConfig.MaxOutputTokens)
}

func TestConvertAnthropicToGoogleSystemPromptBecomesSystemInstruction(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5-20250929")
	req.System = "be concise"

	out := ConvertAnthropicToGoogle(req)

	require.NotNil(t, out.SystemInstruction)
	require.Len(t, out.SystemInstruction.Parts, 1)
	assert.Equal(t, "be concise", out.SystemInstruction.Parts[0].Text)
}

func TestConvertAnthropicToGoogleAssistantRoleMapsToModel(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5-20250929")
	req.Messages = append(req.Messages, anthropic.Message{Role: "assistant", Content: "hi there"})

	out := ConvertAnthropicToGoogle(req)

	require.Len(t, out.Contents, 2)
	assert.Equal(t, "model", out.Contents[1].Role)
}

func TestConvertAnthropicToGoogleClaudeThinkingBudgetAdjustsMaxTokens(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5-thinking")
	req.MaxTokens = 2000
	req.Thinking = &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 4000}

	out := ConvertAnthropicToGoogle(req)

	require.NotNil(t, out.GenerationConfig.ThinkingConfig)
	assert.True(t, out.GenerationConfig.ThinkingConfig.IncludeThoughts)
	assert.Equal(t, 4000, out.GenerationConfig.ThinkingConfig.ThinkingBudget)
	assert.Greater(t, out.GenerationConfig.MaxOutputTokens, 4000)
}

func TestConvertAnthropicToGoogleGeminiThinkingDefaultsBudget(t *testing.T) {
	req := simpleRequest("gemini-3-flash-thinking")

	out := ConvertAnthropicToGoogle(req)

	require.NotNil(t, out.GenerationConfig.ThinkingConfig)
	assert.True(t, out.GenerationConfig.ThinkingConfig.IncludeThoughtsGemini)
	assert.Equal(t, 16000, out.GenerationConfig.ThinkingConfig.ThinkingBudgetGemini)
}

func TestConvertAnthropicToGoogleCapsGeminiMaxOutputTokens(t *testing.T) {
	req := simpleRequest("gemini-3-flash")
	req.MaxTokens = 999999

	out := ConvertAnthropicToGoogle(req)

	assert.LessOrEqual(t, out.GenerationConfig.MaxOutputTokens, 16384)
}

func TestConvertAnthropicToGoogleToolsGetSanitizedAndCleaned(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5-20250929")
	req.Tools = []anthropic.Tool{
		{Name: "get weather!", Description: "fetch weather", InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)},
	}

	out := ConvertAnthropicToGoogle(req)

	require.Len(t, out.Tools, 1)
	require.Len(t, out.Tools[0].FunctionDeclarations, 1)
	decl := out.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, "get_weather_", decl.Name)
	assert.Equal(t, "OBJECT", decl.Parameters["type"])

	require.NotNil(t, out.ToolConfig)
	assert.Equal(t, "VALIDATED", out.ToolConfig.FunctionCallingConfig.Mode)
}

func TestConvertAnthropicToGoogleNoToolConfigForGemini(t *testing.T) {
	req := simpleRequest("gemini-3-flash")
	req.Tools = []anthropic.Tool{{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)}}

	out := ConvertAnthropicToGoogle(req)

	assert.Nil(t, out.ToolConfig)
}

func TestConvertAnthropicMessagesHandlesContentBlockArray(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{
				Role: "assistant",
				Content: []anthropic.ContentBlock{
					{Type: "text", Text: "here's the answer"},
					{Type: "tool_use", ID: "toolu_1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
				},
			},
		},
	}

	out := ConvertAnthropicToGoogle(req)

	require.Len(t, out.Contents, 1)
	require.Len(t, out.Contents[0].Parts, 2)
}

func TestGoogleRequestToMap(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5-20250929")
	out := ConvertAnthropicToGoogle(req)

	m := out.ToMap()

	assert.Contains(t, m, "contents")
}
