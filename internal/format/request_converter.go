// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file builds the Google generateContent request body Cloud Code expects
// out of an incoming Anthropic Messages API request.
package format

import (
	"encoding/json"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// GoogleRequest represents a request in Google Generative AI format
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
}

// ToMap round-trips a GoogleRequest through JSON to get a plain
// map[string]interface{}, for callers that need to splice in fields the
// struct doesn't declare.
func (r *GoogleRequest) ToMap() map[string]interface{} {
	data, err := json.Marshal(r)
	if err != nil {
		return make(map[string]interface{})
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}
	return result
}

// GoogleContent represents content in Google format
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// GenerationConfig holds generation configuration
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig holds thinking configuration. Claude and Gemini use
// different casing for the same two knobs, so both are carried and the
// caller only populates the pair its target model reads.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	IncludeThoughtsGemini bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int  `json:"thinkingBudget,omitempty"`
}

// GoogleTool represents a tool in Google format
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration represents a function declaration
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig represents tool configuration
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig represents function calling configuration
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// ConvertAnthropicToGoogle converts an Anthropic Messages API request into
// the Google generateContent request shape.
func ConvertAnthropicToGoogle(anthropicRequest *anthropic.MessagesRequest) *GoogleRequest {
	messages := CleanCacheControl(convertAnthropicMessages(anthropicRequest.Messages))

	modelName := anthropicRequest.Model
	modelFamily := config.GetModelFamily(modelName)
	isClaudeModel := modelFamily == config.ModelFamilyClaude
	isGeminiModel := modelFamily == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(modelName)

	googleRequest := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	googleRequest.SystemInstruction = buildSystemInstruction(anthropicRequest.System, isClaudeModel, isThinking, len(anthropicRequest.Tools) > 0)

	messages = recoverThinkingIfNeeded(messages, isClaudeModel, isGeminiModel, isThinking)

	googleRequest.Contents = buildContents(messages, isClaudeModel, isGeminiModel)
	if isClaudeModel {
		googleRequest.Contents = filterUnsignedThinkingBlocksFromContents(googleRequest.Contents)
	}

	applyGenerationConfig(googleRequest.GenerationConfig, anthropicRequest)
	applyThinkingConfig(googleRequest.GenerationConfig, anthropicRequest, isClaudeModel, isGeminiModel, isThinking)
	googleRequest.Tools, googleRequest.ToolConfig = buildTools(anthropicRequest.Tools, isClaudeModel)

	if isGeminiModel && googleRequest.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		utils.Debug("[RequestConverter] Capping Gemini max_tokens from %d to %d",
			googleRequest.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
		googleRequest.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return googleRequest
}

// buildSystemInstruction assembles the system prompt, appending an
// interleaved-thinking hint for Claude thinking models that were also given
// tools (Cloud Code doesn't otherwise know to think between tool calls).
func buildSystemInstruction(system anthropic.SystemContent, isClaudeModel, isThinking, hasTools bool) *GoogleContent {
	var parts []GooglePart

	switch s := system.(type) {
	case string:
		if s != "" {
			parts = append(parts, GooglePart{Text: s})
		}
	case []interface{}:
		for _, block := range s {
			blockMap, ok := block.(map[string]interface{})
			if !ok || blockMap["type"] != "text" {
				continue
			}
			if text, ok := blockMap["text"].(string); ok {
				parts = append(parts, GooglePart{Text: text})
			}
		}
	}

	if isClaudeModel && isThinking && hasTools {
		hint := "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."
		if len(parts) > 0 && parts[len(parts)-1].Text != "" {
			parts[len(parts)-1].Text += "\n\n" + hint
		} else {
			parts = append(parts, GooglePart{Text: hint})
		}
	}

	if len(parts) == 0 {
		return nil
	}
	return &GoogleContent{Parts: parts}
}

// recoverThinkingIfNeeded closes out a broken tool loop when the target
// family can't replay the history's thinking blocks as-is: Gemini targets
// recover whenever recovery is needed at all, Claude targets only when the
// history actually crossed model families or carries unsigned blocks.
func recoverThinkingIfNeeded(messages []Message, isClaudeModel, isGeminiModel, isThinking bool) []Message {
	if isGeminiModel && isThinking && NeedsThinkingRecovery(messages) {
		utils.Debug("[RequestConverter] Applying thinking recovery for Gemini")
		return CloseToolLoopForThinking(messages, "gemini")
	}

	needsClaudeRecovery := HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)
	if isClaudeModel && isThinking && needsClaudeRecovery && NeedsThinkingRecovery(messages) {
		utils.Debug("[RequestConverter] Applying thinking recovery for Claude")
		return CloseToolLoopForThinking(messages, "claude")
	}

	return messages
}

// buildContents converts each message into a GoogleContent, preparing
// assistant turns' thinking/tool_use ordering first.
func buildContents(messages []Message, isClaudeModel, isGeminiModel bool) []GoogleContent {
	contents := make([]GoogleContent, 0, len(messages))

	for _, msg := range messages {
		msgContent := msg.Content

		if (msg.Role == "assistant" || msg.Role == "model") && len(msgContent) > 0 {
			msgContent = RestoreThinkingSignatures(msgContent)
			msgContent = RemoveTrailingThinkingBlocks(msgContent)
			msgContent = ReorderAssistantContent(msgContent)
		}

		parts := ConvertContentToParts(msgContent, isClaudeModel, isGeminiModel)
		if len(parts) == 0 {
			utils.Warn("[RequestConverter] Empty parts array after filtering, adding placeholder")
			parts = append(parts, GooglePart{Text: "."})
		}

		contents = append(contents, GoogleContent{Role: ConvertRole(msg.Role), Parts: parts})
	}

	return contents
}

func applyGenerationConfig(gc *GenerationConfig, req *anthropic.MessagesRequest) {
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		gc.Temperature = req.Temperature
	}
	if req.TopP != nil {
		gc.TopP = req.TopP
	}
	if req.TopK != nil {
		gc.TopK = req.TopK
	}
	if len(req.StopSequences) > 0 {
		gc.StopSequences = req.StopSequences
	}
}

// applyThinkingConfig fills in gc.ThinkingConfig for a thinking-enabled
// model, in whichever casing that model family expects.
func applyThinkingConfig(gc *GenerationConfig, req *anthropic.MessagesRequest, isClaudeModel, isGeminiModel, isThinking bool) {
	if !isThinking {
		return
	}

	if isClaudeModel {
		thinkingConfig := &ThinkingConfig{IncludeThoughts: true}

		var budget int
		if req.Thinking != nil {
			budget = req.Thinking.BudgetTokens
		}

		if budget > 0 {
			thinkingConfig.ThinkingBudget = budget
			utils.Debug("[RequestConverter] Claude thinking enabled with budget: %d", budget)

			if gc.MaxOutputTokens > 0 && gc.MaxOutputTokens <= budget {
				adjusted := budget + 8192
				utils.Warn("[RequestConverter] max_tokens (%d) <= thinking_budget (%d). Adjusting to %d",
					gc.MaxOutputTokens, budget, adjusted)
				gc.MaxOutputTokens = adjusted
			}
		} else {
			utils.Debug("[RequestConverter] Claude thinking enabled (no budget specified)")
		}

		gc.ThinkingConfig = thinkingConfig
		return
	}

	if isGeminiModel {
		budget := 16000
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			budget = req.Thinking.BudgetTokens
		}

		utils.Debug("[RequestConverter] Gemini thinking enabled with budget: %d", budget)
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughtsGemini: true, ThinkingBudgetGemini: budget}
	}
}

// buildTools sanitizes each tool's JSON Schema for Gemini compatibility and,
// for Claude models, forces VALIDATED function-calling mode.
func buildTools(tools []anthropic.Tool, isClaudeModel bool) ([]GoogleTool, *ToolConfig) {
	if len(tools) == 0 {
		return nil, nil
	}

	declarations := make([]FunctionDeclaration, 0, len(tools))

	for idx, tool := range tools {
		name := tool.Name
		if name == "" {
			name = "tool-" + string(rune('0'+idx))
		}

		var schema map[string]interface{}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				utils.Warn("[RequestConverter] Failed to unmarshal tool schema for %s: %v", name, err)
				schema = map[string]interface{}{"type": "object"}
			}
		} else {
			schema = map[string]interface{}{"type": "object"}
		}

		parameters := CleanSchema(SanitizeSchema(schema))

		declarations = append(declarations, FunctionDeclaration{
			Name:        cleanToolName(name),
			Description: tool.Description,
			Parameters:  parameters,
		})
	}

	googleTools := []GoogleTool{{FunctionDeclarations: declarations}}

	var toolConfig *ToolConfig
	if isClaudeModel {
		toolConfig = &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"}}
	}

	return googleTools, toolConfig
}

// convertAnthropicMessages converts Anthropic messages to the working Message format
func convertAnthropicMessages(messages []anthropic.Message) []Message {
	result := make([]Message, 0, len(messages))
	for _, msg := range messages {
		result = append(result, Message{Role: msg.Role, Content: convertAnthropicContent(msg.Content)})
	}
	return result
}

// convertAnthropicContent converts Anthropic content (string, raw JSON array,
// or already-typed blocks) to the working ContentBlock format.
func convertAnthropicContent(content interface{}) []ContentBlock {
	switch c := content.(type) {
	case string:
		return []ContentBlock{{Type: "text", Text: c}}

	case []interface{}:
		result := make([]ContentBlock, 0, len(c))
		for _, item := range c {
			if blockMap, ok := item.(map[string]interface{}); ok {
				result = append(result, convertContentBlockMap(blockMap))
			}
		}
		return result

	case []anthropic.ContentBlock:
		result := make([]ContentBlock, 0, len(c))
		for _, item := range c {
			result = append(result, convertTypedContentBlock(item))
		}
		return result

	default:
		return []ContentBlock{}
	}
}

func convertTypedContentBlock(item anthropic.ContentBlock) ContentBlock {
	block := ContentBlock{
		Type:             item.Type,
		Text:             item.Text,
		Thinking:         item.Thinking,
		Signature:        item.Signature,
		ThoughtSignature: item.ThoughtSignature,
		ID:               item.ID,
		Name:             item.Name,
		ToolUseID:        item.ToolUseID,
		Content:          item.Content,
	}

	if len(item.Input) > 0 {
		var inputMap map[string]interface{}
		if err := json.Unmarshal(item.Input, &inputMap); err == nil {
			block.Input = inputMap
		}
	}
	if item.Source != nil {
		block.Source = &ImageSource{
			Type:      item.Source.Type,
			MediaType: item.Source.MediaType,
			Data:      item.Source.Data,
			URL:       item.Source.URL,
		}
	}
	if item.CacheControl != nil {
		block.CacheControl = item.CacheControl
	}

	return block
}

// convertContentBlockMap converts a loosely-typed JSON object into a ContentBlock.
func convertContentBlockMap(blockMap map[string]interface{}) ContentBlock {
	block := ContentBlock{}

	if t, ok := blockMap["type"].(string); ok {
		block.Type = t
	}
	if text, ok := blockMap["text"].(string); ok {
		block.Text = text
	}
	if thinking, ok := blockMap["thinking"].(string); ok {
		block.Thinking = thinking
	}
	if sig, ok := blockMap["signature"].(string); ok {
		block.Signature = sig
	}
	if tSig, ok := blockMap["thoughtSignature"].(string); ok {
		block.ThoughtSignature = tSig
	}
	if thought, ok := blockMap["thought"].(bool); ok {
		block.Thought = thought
	}
	if id, ok := blockMap["id"].(string); ok {
		block.ID = id
	}
	if name, ok := blockMap["name"].(string); ok {
		block.Name = name
	}
	if input, ok := blockMap["input"].(map[string]interface{}); ok {
		block.Input = input
	}
	if toolUseID, ok := blockMap["tool_use_id"].(string); ok {
		block.ToolUseID = toolUseID
	}
	if content := blockMap["content"]; content != nil {
		block.Content = content
	}
	if data, ok := blockMap["data"].(string); ok {
		block.Data = data
	}
	if cc := blockMap["cache_control"]; cc != nil {
		block.CacheControl = cc
	}

	if sourceMap, ok := blockMap["source"].(map[string]interface{}); ok {
		block.Source = &ImageSource{}
		if t, ok := sourceMap["type"].(string); ok {
			block.Source.Type = t
		}
		if mt, ok := sourceMap["media_type"].(string); ok {
			block.Source.MediaType = mt
		}
		if d, ok := sourceMap["data"].(string); ok {
			block.Source.Data = d
		}
		if u, ok := sourceMap["url"].(string); ok {
			block.Source.URL = u
		}
	}

	return block
}

// filterUnsignedThinkingBlocksFromContents drops unsigned thought parts from
// already-built Google contents, the last line of defense before a Claude
// request goes out.
func filterUnsignedThinkingBlocksFromContents(contents []GoogleContent) []GoogleContent {
	result := make([]GoogleContent, 0, len(contents))

	for _, content := range contents {
		filteredParts := make([]GooglePart, 0, len(content.Parts))

		for _, part := range content.Parts {
			if !part.Thought {
				filteredParts = append(filteredParts, part)
				continue
			}
			if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
				filteredParts = append(filteredParts, part)
			} else {
				utils.Debug("[RequestConverter] Dropping unsigned thinking block")
			}
		}

		result = append(result, GoogleContent{Role: content.Role, Parts: filteredParts})
	}

	return result
}

// cleanToolName restricts a tool name to what Cloud Code's function-calling
// API accepts: alphanumerics, underscore, hyphen, capped at 64 characters.
func cleanToolName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	cleaned := result.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
