package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertRole(t *testing.T) {
	assert.Equal(t, "model", ConvertRole("assistant"))
	assert.Equal(t, "user", ConvertRole("user"))
	assert.Equal(t, "user", ConvertRole("system"))
}

func TestConvertContentToPartsText(t *testing.T) {
	parts := ConvertContentToParts([]ContentBlock{{Type: "text", Text: "hello"}}, false, true)

	require.Len(t, parts, 1)
	assert.Equal(t, "hello", parts[0].Text)
}

func TestConvertContentToPartsDropsEmptyText(t *testing.T) {
	parts := ConvertContentToParts([]ContentBlock{{Type: "text", Text: ""}}, false, true)
	assert.Empty(t, parts)
}

func TestConvertContentToPartsToolUse(t *testing.T) {
	block := ContentBlock{
		Type:  "tool_use",
		ID:    "toolu_123",
		Name:  "search",
		Input: map[string]interface{}{"query": "weather"},
	}

	parts := ConvertContentToParts([]ContentBlock{block}, true, false)

	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].FunctionCall)
	assert.Equal(t, "search", parts[0].FunctionCall.Name)
	assert.Equal(t, "toolu_123", parts[0].FunctionCall.ID)
}

func TestConvertContentToPartsToolUseGeminiSignatureFallsBackToSkip(t *testing.T) {
	block := ContentBlock{Type: "tool_use", ID: "toolu_456", Name: "search", Input: map[string]interface{}{}}

	parts := ConvertContentToParts([]ContentBlock{block}, false, true)

	require.Len(t, parts, 1)
	assert.Equal(t, "skip_thought_signature_validator", parts[0].ThoughtSignature)
}

func TestConvertContentToPartsDefersToolResultImages(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "before"},
		{
			Type:      "tool_result",
			ToolUseID: "toolu_789",
			Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "result text"},
				map[string]interface{}{"type": "image", "source": map[string]interface{}{
					"type": "base64", "media_type": "image/png", "data": "abc123",
				}},
			},
		},
	}

	parts := ConvertContentToParts(content, false, true)

	require.Len(t, parts, 3)
	assert.Equal(t, "before", parts[0].Text)
	require.NotNil(t, parts[1].FunctionResponse)
	assert.Equal(t, "toolu_789", parts[1].FunctionResponse.Name)
	require.NotNil(t, parts[2].InlineData)
	assert.Equal(t, "image/png", parts[2].InlineData.MimeType)
}

func TestConvertContentToPartsThinkingRequiresSignature(t *testing.T) {
	short := ContentBlock{Type: "thinking", Thinking: "reasoning", Signature: "short"}
	parts := ConvertContentToParts([]ContentBlock{short}, true, false)
	assert.Empty(t, parts)
}

func TestConvertStringContentToParts(t *testing.T) {
	parts := ConvertStringContentToParts("plain text")
	require.Len(t, parts, 1)
	assert.Equal(t, "plain text", parts[0].Text)
}

func TestConvertMediaBlockBase64(t *testing.T) {
	block := ContentBlock{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/jpeg", Data: "xyz"}}
	parts := ConvertContentToParts([]ContentBlock{block}, false, false)

	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].InlineData)
	assert.Equal(t, "image/jpeg", parts[0].InlineData.MimeType)
}

func TestConvertMediaBlockURLDefaultsMimeByType(t *testing.T) {
	block := ContentBlock{Type: "document", Source: &ImageSource{Type: "url", URL: "https://example.com/file.pdf"}}
	parts := ConvertContentToParts([]ContentBlock{block}, false, false)

	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].FileData)
	assert.Equal(t, "application/pdf", parts[0].FileData.MimeType)
}
