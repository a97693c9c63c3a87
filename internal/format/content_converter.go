// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file converts one Anthropic content block array into the Google
// `parts` array Cloud Code's generateContent expects.
package format

import (
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// GooglePart represents a part in Google Generative AI format
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall represents a function call in Google format
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// FunctionResponse represents a function response in Google format
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// InlineData represents inline data (e.g., base64 images)
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData represents file data (e.g., URL-referenced files)
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// ConvertRole maps an Anthropic message role to Google's "user"/"model" pair.
func ConvertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// ConvertContentToParts converts one message's Anthropic content blocks into
// Google parts. Images attached to tool_result blocks are deferred to the
// end of the returned slice: Cloud Code expects functionResponse parts to be
// contiguous, so any inline image riding along with a tool result can't sit
// between it and the next functionResponse.
func ConvertContentToParts(content []ContentBlock, isClaudeModel, isGeminiModel bool) []GooglePart {
	parts := make([]GooglePart, 0, len(content))
	var deferredImages []GooglePart
	cache := GetGlobalSignatureCache()

	for _, block := range content {
		switch block.Type {
		case "text":
			if part, ok := convertTextBlock(block); ok {
				parts = append(parts, part)
			}

		case "image", "document":
			if part, ok := convertMediaBlock(block); ok {
				parts = append(parts, part)
			}

		case "tool_use":
			parts = append(parts, convertToolUseBlock(block, isClaudeModel, isGeminiModel, cache))

		case "tool_result":
			responsePart, images := convertToolResultBlock(block, isClaudeModel)
			parts = append(parts, responsePart)
			deferredImages = append(deferredImages, images...)

		case "thinking":
			if part, ok := convertThinkingBlock(block, isClaudeModel, isGeminiModel, cache); ok {
				parts = append(parts, part)
			}
		}
	}

	return append(parts, deferredImages...)
}

// ConvertStringContentToParts wraps a plain string message body in a single
// Google text part.
func ConvertStringContentToParts(content string) []GooglePart {
	return []GooglePart{{Text: content}}
}

func convertTextBlock(block ContentBlock) (GooglePart, bool) {
	if block.Text == "" {
		return GooglePart{}, false
	}
	return GooglePart{Text: block.Text}, true
}

// convertMediaBlock handles both "image" and "document" blocks, which share
// the same source-descriptor shape and only differ in their default MIME type.
func convertMediaBlock(block ContentBlock) (GooglePart, bool) {
	if block.Source == nil {
		return GooglePart{}, false
	}

	defaultMime := "image/jpeg"
	if block.Type == "document" {
		defaultMime = "application/pdf"
	}

	switch block.Source.Type {
	case "base64":
		return GooglePart{InlineData: &InlineData{
			MimeType: block.Source.MediaType,
			Data:     block.Source.Data,
		}}, true

	case "url":
		mimeType := block.Source.MediaType
		if mimeType == "" {
			mimeType = defaultMime
		}
		return GooglePart{FileData: &FileData{MimeType: mimeType, FileURI: block.Source.URL}}, true

	default:
		return GooglePart{}, false
	}
}

func convertToolUseBlock(block ContentBlock, isClaudeModel, isGeminiModel bool, cache *SignatureCache) GooglePart {
	call := &FunctionCall{Name: block.Name, Args: block.Input}
	if isClaudeModel && block.ID != "" {
		call.ID = block.ID
	}

	part := GooglePart{FunctionCall: call}

	if isGeminiModel {
		// Priority: the block's own signature, then the cache (Claude Code
		// sometimes strips it on replay), then the skip sentinel.
		signature := block.ThoughtSignature
		if signature == "" && block.ID != "" {
			signature = cache.GetCachedSignature(block.ID)
			if signature != "" {
				utils.Debug("[ContentConverter] Restored signature from cache for: %s", block.ID)
			}
		}
		if signature == "" {
			signature = config.GeminiSkipSignature
		}
		part.ThoughtSignature = signature
	}

	return part
}

// convertToolResultBlock converts a tool_result into a functionResponse part
// plus any image parts the result carried, which the caller defers to the
// end of the parts array.
func convertToolResultBlock(block ContentBlock, isClaudeModel bool) (GooglePart, []GooglePart) {
	response := make(map[string]interface{})
	var images []GooglePart

	switch c := block.Content.(type) {
	case string:
		response["result"] = c

	case []interface{}:
		var texts []string
		for _, item := range c {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemMap["type"] {
			case "image":
				if source, ok := itemMap["source"].(map[string]interface{}); ok && source["type"] == "base64" {
					mimeType, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					images = append(images, GooglePart{InlineData: &InlineData{MimeType: mimeType, Data: data}})
				}
			case "text":
				if text, ok := itemMap["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		response["result"] = summarizeToolResult(texts, images)

	case []ContentBlock:
		var texts []string
		for _, item := range c {
			if item.Type == "image" && item.Source != nil && item.Source.Type == "base64" {
				images = append(images, GooglePart{InlineData: &InlineData{MimeType: item.Source.MediaType, Data: item.Source.Data}})
			} else if item.Type == "text" {
				texts = append(texts, item.Text)
			}
		}
		response["result"] = summarizeToolResult(texts, images)
	}

	name := block.ToolUseID
	if name == "" {
		name = "unknown"
	}

	functionResponse := &FunctionResponse{Name: name, Response: response}
	if isClaudeModel && block.ToolUseID != "" {
		functionResponse.ID = block.ToolUseID
	}

	return GooglePart{FunctionResponse: functionResponse}, images
}

func summarizeToolResult(texts []string, images []GooglePart) string {
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if len(images) > 0 {
		return "Image attached"
	}
	return ""
}

// convertThinkingBlock converts a signed thinking block to Gemini's
// thought-part shape, dropping it if its signature is missing or was minted
// by a different model family than the one this request targets.
func convertThinkingBlock(block ContentBlock, isClaudeModel, isGeminiModel bool, cache *SignatureCache) (GooglePart, bool) {
	if block.Signature == "" || len(block.Signature) < config.MinSignatureLength {
		return GooglePart{}, false
	}

	var targetFamily string
	switch {
	case isClaudeModel:
		targetFamily = "claude"
	case isGeminiModel:
		targetFamily = "gemini"
	}

	if isGeminiModel && targetFamily != "" {
		family := cache.GetCachedSignatureFamily(block.Signature)
		if family != "" && family != targetFamily {
			utils.Debug("[ContentConverter] Dropping incompatible %s thinking for %s model", family, targetFamily)
			return GooglePart{}, false
		}
		if family == "" {
			utils.Debug("[ContentConverter] Dropping thinking with unknown signature origin")
			return GooglePart{}, false
		}
	}

	return GooglePart{Text: block.Thinking, Thought: true, ThoughtSignature: block.Signature}, true
}
