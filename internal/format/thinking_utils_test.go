package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSignature() string {
	return strings.Repeat("s", 64)
}

func TestCleanCacheControlStripsCacheControlOnly(t *testing.T) {
	messages := []Message{
		{
			Role: "user",
			Content: []ContentBlock{
				{Type: "text", Text: "hi", CacheControl: map[string]interface{}{"type": "ephemeral"}},
			},
		},
	}

	cleaned := CleanCacheControl(messages)

	require.Len(t, cleaned, 1)
	assert.Nil(t, cleaned[0].Content[0].CacheControl)
	assert.Equal(t, "hi", cleaned[0].Content[0].Text)
}

func TestHasGeminiHistoryDetectsThoughtSignature(t *testing.T) {
	withSig := []Message{{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ThoughtSignature: "sig"}}}}
	assert.True(t, HasGeminiHistory(withSig))

	without := []Message{{Role: "assistant", Content: []ContentBlock{{Type: "tool_use"}}}}
	assert.False(t, HasGeminiHistory(without))
}

func TestHasUnsignedThinkingBlocks(t *testing.T) {
	unsigned := []Message{{Role: "assistant", Content: []ContentBlock{{Type: "thinking", Thinking: "reasoning"}}}}
	assert.True(t, HasUnsignedThinkingBlocks(unsigned))

	signed := []Message{{Role: "assistant", Content: []ContentBlock{{Type: "thinking", Thinking: "reasoning", Signature: validSignature()}}}}
	assert.False(t, HasUnsignedThinkingBlocks(signed))
}

func TestRestoreThinkingSignaturesDropsUnsignedKeepsSigned(t *testing.T) {
	content := []ContentBlock{
		{Type: "thinking", Thinking: "unsigned"},
		{Type: "thinking", Thinking: "signed", Signature: validSignature()},
		{Type: "text", Text: "hello"},
	}

	result := RestoreThinkingSignatures(content)

	require.Len(t, result, 2)
	assert.Equal(t, "signed", result[0].Thinking)
	assert.Equal(t, "text", result[1].Type)
}

func TestRemoveTrailingThinkingBlocksStopsAtSignedBlock(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "hello"},
		{Type: "thinking", Thinking: "signed", Signature: validSignature()},
		{Type: "thinking", Thinking: "unsigned"},
		{Type: "thinking", Thinking: "also unsigned"},
	}

	result := RemoveTrailingThinkingBlocks(content)

	require.Len(t, result, 2)
	assert.Equal(t, "signed", result[1].Thinking)
}

func TestReorderAssistantContentOrdersThinkingTextToolUse(t *testing.T) {
	content := []ContentBlock{
		{Type: "tool_use", ID: "t1", Name: "search"},
		{Type: "text", Text: "reasoning context"},
		{Type: "thinking", Thinking: "plan", Signature: validSignature()},
	}

	result := ReorderAssistantContent(content)

	require.Len(t, result, 3)
	assert.Equal(t, "thinking", result[0].Type)
	assert.Equal(t, "text", result[1].Type)
	assert.Equal(t, "tool_use", result[2].Type)
}

func TestReorderAssistantContentDropsEmptyText(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: ""},
		{Type: "tool_use", ID: "t1", Name: "search"},
	}

	result := ReorderAssistantContent(content)

	require.Len(t, result, 1)
	assert.Equal(t, "tool_use", result[0].Type)
}

func TestFilterUnsignedThinkingBlocksDropsUnsignedGeminiPart(t *testing.T) {
	contents := []map[string]interface{}{
		{
			"role": "model",
			"parts": []interface{}{
				map[string]interface{}{"thought": true, "text": "unsigned reasoning"},
				map[string]interface{}{"thought": true, "text": "signed reasoning", "thoughtSignature": validSignature()},
				map[string]interface{}{"text": "final answer"},
			},
		},
	}

	result := FilterUnsignedThinkingBlocks(contents)

	require.Len(t, result, 1)
	parts := result[0]["parts"].([]interface{})
	require.Len(t, parts, 2)
}

func TestNeedsThinkingRecoveryForToolLoopWithoutThinking(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "do a thing"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "search"}}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "result"}}},
	}

	assert.True(t, NeedsThinkingRecovery(messages))
}

func TestNeedsThinkingRecoveryFalseWhenThinkingPresent(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "do a thing"}}},
		{Role: "assistant", Content: []ContentBlock{
			{Type: "thinking", Thinking: "plan", Signature: validSignature()},
			{Type: "tool_use", ID: "t1", Name: "search"},
		}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "result"}}},
	}

	assert.False(t, NeedsThinkingRecovery(messages))
}

func TestNeedsThinkingRecoveryFalseWithoutToolLoop(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "hi"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: "hello"}}},
	}

	assert.False(t, NeedsThinkingRecovery(messages))
}

func TestCloseToolLoopForThinkingClosesOutCompletedLoop(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "do a thing"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "search"}}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "result"}}},
	}

	result := CloseToolLoopForThinking(messages, "gemini")

	require.Len(t, result, 5)
	assert.Equal(t, "assistant", result[3].Role)
	assert.Equal(t, "user", result[4].Role)
	assert.Equal(t, "[Continue]", result[4].Content[0].Text)
}

func TestCloseToolLoopForThinkingAcknowledgesInterruptedCall(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "do a thing"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "search"}}},
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "never mind"}}},
	}

	result := CloseToolLoopForThinking(messages, "claude")

	require.Len(t, result, 4)
	assert.Equal(t, "assistant", result[2].Role)
	assert.Contains(t, result[2].Content[0].Text, "interrupted")
}

func TestCloseToolLoopForThinkingNoOpWithoutToolLoop(t *testing.T) {
	messages := []Message{{Role: "user", Content: []ContentBlock{{Type: "text", Text: "hi"}}}}

	result := CloseToolLoopForThinking(messages, "gemini")

	assert.Equal(t, messages, result)
}
