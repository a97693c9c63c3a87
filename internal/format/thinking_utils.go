// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file implements the thinking-block and tool-loop recovery pipeline: the
// sequence of passes request_converter.go runs over a request's message
// history before handing it to the Google-shaped converter, so that thinking
// blocks and tool_use/tool_result pairs survive a round trip between model
// families that disagree about what a "signed" thinking block looks like.
package format

import (
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// ContentBlock is the working representation of one Anthropic content block
// used by this pipeline. Unlike pkg/anthropic.ContentBlock (the strict wire
// type), Input is a decoded map rather than raw JSON, since these passes
// inspect and rebuild block contents rather than just passing them through.
type ContentBlock struct {
	Type             string                 `json:"type,omitempty"`
	Text             string                 `json:"text,omitempty"`
	Thinking         string                 `json:"thinking,omitempty"`
	Signature        string                 `json:"signature,omitempty"`
	ThoughtSignature string                 `json:"thoughtSignature,omitempty"`
	Thought          bool                   `json:"thought,omitempty"`
	ID               string                 `json:"id,omitempty"`
	Name             string                 `json:"name,omitempty"`
	Input            map[string]interface{} `json:"input,omitempty"`
	ToolUseID        string                 `json:"tool_use_id,omitempty"`
	Content          interface{}            `json:"content,omitempty"`
	CacheControl     interface{}            `json:"cache_control,omitempty"`
	Data             string                 `json:"data,omitempty"`
	Source           *ImageSource           `json:"source,omitempty"`
}

// ImageSource is an image content block's source descriptor.
type ImageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Message is the working representation of one conversation turn. Parts
// carries Gemini-shaped content for messages that originated from a
// Google-format history rather than an Anthropic one.
type Message struct {
	Role    string                    `json:"role"`
	Content []ContentBlock            `json:"content,omitempty"`
	Parts   []map[string]interface{} `json:"parts,omitempty"`
}

// CleanCacheControl strips cache_control from every content block. Cloud
// Code's internal API rejects requests carrying it with "Extra inputs are
// not permitted", so it never survives past the request-conversion pipeline.
func CleanCacheControl(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	removed := 0
	cleaned := make([]Message, 0, len(messages))

	for _, message := range messages {
		if len(message.Content) == 0 {
			cleaned = append(cleaned, message)
			continue
		}

		content := make([]ContentBlock, 0, len(message.Content))
		for _, block := range message.Content {
			if block.CacheControl == nil {
				content = append(content, block)
				continue
			}
			stripped := block
			stripped.CacheControl = nil
			content = append(content, stripped)
			removed++
		}

		cleaned = append(cleaned, Message{Role: message.Role, Content: content})
	}

	if removed > 0 {
		utils.Debug("[ThinkingUtils] Stripped cache_control from %d block(s)", removed)
	}

	return cleaned
}

// isThinkingBlock reports whether block is a thinking block in either the
// Anthropic ("thinking"/"redacted_thinking" type) or Gemini (Thought flag)
// shape.
func isThinkingBlock(block ContentBlock) bool {
	return block.Type == "thinking" ||
		block.Type == "redacted_thinking" ||
		block.Thinking != "" ||
		block.Thought
}

// blockSignature returns the block's signature under whichever field its
// model family uses.
func blockSignature(block ContentBlock) string {
	if block.Thought {
		return block.ThoughtSignature
	}
	return block.Signature
}

func hasValidSignature(block ContentBlock) bool {
	sig := blockSignature(block)
	return sig != "" && len(sig) >= config.MinSignatureLength
}

// HasGeminiHistory reports whether any tool_use block in messages carries a
// Gemini-style thoughtSignature, the tell that this history originated from
// a Gemini-family model rather than Claude.
func HasGeminiHistory(messages []Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks reports whether any assistant turn carries a
// thinking block that would be dropped for lacking a valid signature.
func HasUnsignedThinkingBlocks(messages []Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}
		for _, block := range msg.Content {
			if isThinkingBlock(block) && !hasValidSignature(block) {
				return true
			}
		}
	}
	return false
}

// sanitizeThinkingBlock drops every field off a thinking/redacted_thinking
// block except what its type actually carries.
func sanitizeThinkingBlock(block ContentBlock) ContentBlock {
	switch block.Type {
	case "thinking":
		return ContentBlock{Type: "thinking", Thinking: block.Thinking, Signature: block.Signature}
	case "redacted_thinking":
		return ContentBlock{Type: "redacted_thinking", Data: block.Data}
	default:
		return block
	}
}

func sanitizeTextBlock(block ContentBlock) ContentBlock {
	if block.Type != "text" {
		return block
	}
	return ContentBlock{Type: "text", Text: block.Text}
}

// sanitizeToolUseBlock drops every field off a tool_use block except what a
// function call needs, preserving a Gemini thoughtSignature if present.
func sanitizeToolUseBlock(block ContentBlock) ContentBlock {
	if block.Type != "tool_use" {
		return block
	}
	sanitized := ContentBlock{Type: "tool_use", ID: block.ID, Name: block.Name, Input: block.Input}
	if block.ThoughtSignature != "" {
		sanitized.ThoughtSignature = block.ThoughtSignature
	}
	return sanitized
}

// RestoreThinkingSignatures keeps only thinking blocks carrying a valid
// signature, sanitizing the survivors. An unsigned thinking block can't be
// replayed back to the model, so it's dropped rather than forwarded broken.
func RestoreThinkingSignatures(content []ContentBlock) []ContentBlock {
	if len(content) == 0 {
		return content
	}

	kept := make([]ContentBlock, 0, len(content))
	dropped := 0

	for _, block := range content {
		if block.Type != "thinking" {
			kept = append(kept, block)
			continue
		}
		if block.Signature != "" && len(block.Signature) >= config.MinSignatureLength {
			kept = append(kept, sanitizeThinkingBlock(block))
		} else {
			dropped++
		}
	}

	if dropped > 0 {
		utils.Debug("[ThinkingUtils] Dropped %d unsigned thinking block(s)", dropped)
	}

	return kept
}

// RemoveTrailingThinkingBlocks trims unsigned thinking blocks off the end of
// an assistant turn's content, stopping at the first signed thinking block
// or any non-thinking block.
func RemoveTrailingThinkingBlocks(content []ContentBlock) []ContentBlock {
	if len(content) == 0 {
		return content
	}

	cut := len(content)
	for i := len(content) - 1; i >= 0; i-- {
		block := content[i]
		if !isThinkingBlock(block) {
			break
		}
		if hasValidSignature(block) {
			break
		}
		cut = i
	}

	if cut < len(content) {
		utils.Debug("[ThinkingUtils] Trimmed %d trailing unsigned thinking block(s)", len(content)-cut)
		return content[:cut]
	}

	return content
}

// ReorderAssistantContent reorders an assistant turn's blocks into the order
// Cloud Code requires: thinking blocks first, then text, then tool_use last
// (since tool_use must precede any later tool_result).
func ReorderAssistantContent(content []ContentBlock) []ContentBlock {
	if len(content) == 0 {
		return content
	}

	if len(content) == 1 {
		block := content[0]
		if block.Type == "thinking" || block.Type == "redacted_thinking" {
			return []ContentBlock{sanitizeThinkingBlock(block)}
		}
		return content
	}

	var thinking, text, toolUse []ContentBlock
	droppedEmpty := 0

	for _, block := range content {
		switch {
		case block.Type == "thinking" || block.Type == "redacted_thinking":
			thinking = append(thinking, sanitizeThinkingBlock(block))
		case block.Type == "tool_use":
			toolUse = append(toolUse, sanitizeToolUseBlock(block))
		case block.Type == "text":
			if block.Text != "" {
				text = append(text, sanitizeTextBlock(block))
			} else {
				droppedEmpty++
			}
		default:
			text = append(text, block)
		}
	}

	if droppedEmpty > 0 {
		utils.Debug("[ThinkingUtils] Dropped %d empty text block(s)", droppedEmpty)
	}

	reordered := make([]ContentBlock, 0, len(thinking)+len(text)+len(toolUse))
	reordered = append(reordered, thinking...)
	reordered = append(reordered, text...)
	reordered = append(reordered, toolUse...)

	return reordered
}

// FilterUnsignedThinkingBlocks applies the Gemini-shaped (parts/thought)
// equivalent of RestoreThinkingSignatures directly over raw Google contents,
// used when a history is already in Gemini's wire shape.
func FilterUnsignedThinkingBlocks(contents []map[string]interface{}) []map[string]interface{} {
	result := make([]map[string]interface{}, 0, len(contents))

	for _, content := range contents {
		parts, ok := content["parts"].([]interface{})
		if !ok {
			result = append(result, content)
			continue
		}

		filtered := filterGeminiParts(parts)
		rebuilt := make(map[string]interface{}, len(content))
		for k, v := range content {
			if k != "parts" {
				rebuilt[k] = v
			}
		}
		rebuilt["parts"] = filtered
		result = append(result, rebuilt)
	}

	return result
}

func filterGeminiParts(parts []interface{}) []interface{} {
	filtered := make([]interface{}, 0, len(parts))

	for _, item := range parts {
		part, ok := item.(map[string]interface{})
		if !ok {
			filtered = append(filtered, item)
			continue
		}

		if !isGeminiThinkingPart(part) {
			filtered = append(filtered, item)
			continue
		}

		if geminiPartHasValidSignature(part) {
			filtered = append(filtered, sanitizeGeminiThinkingPart(part))
			continue
		}

		utils.Debug("[ThinkingUtils] Dropping unsigned Gemini thinking part")
	}

	return filtered
}

func isGeminiThinkingPart(part map[string]interface{}) bool {
	partType, _ := part["type"].(string)
	_, hasThinking := part["thinking"]
	thought, _ := part["thought"].(bool)
	return partType == "thinking" || partType == "redacted_thinking" || hasThinking || thought
}

func geminiPartHasValidSignature(part map[string]interface{}) bool {
	var sig string
	if thought, _ := part["thought"].(bool); thought {
		sig, _ = part["thoughtSignature"].(string)
	} else {
		sig, _ = part["signature"].(string)
	}
	return sig != "" && len(sig) >= config.MinSignatureLength
}

func sanitizeGeminiThinkingPart(part map[string]interface{}) map[string]interface{} {
	if thought, _ := part["thought"].(bool); thought {
		sanitized := map[string]interface{}{"thought": true}
		if text, ok := part["text"]; ok {
			sanitized["text"] = text
		}
		if sig, ok := part["thoughtSignature"]; ok {
			sanitized["thoughtSignature"] = sig
		}
		return sanitized
	}

	if partType, _ := part["type"].(string); partType == "thinking" || part["thinking"] != nil {
		sanitized := map[string]interface{}{"type": "thinking"}
		if thinking, ok := part["thinking"]; ok {
			sanitized["thinking"] = thinking
		}
		if sig, ok := part["signature"]; ok {
			sanitized["signature"] = sig
		}
		return sanitized
	}

	return part
}

// conversationState is the result of scanning a history for tool-loop and
// thinking-recovery triggers.
type conversationState struct {
	inToolLoop       bool
	interruptedTool  bool
	turnHasThinking  bool
	toolResultCount  int
	lastAssistantIdx int
}

// analyzeConversation scans messages for a tool loop in progress (the last
// assistant turn used a tool and results followed) or an interrupted one
// (the tool call has no results, but the user sent a fresh plain message
// anyway), and records whether that assistant turn carries valid thinking.
func analyzeConversation(messages []Message) conversationState {
	state := conversationState{lastAssistantIdx: -1}

	if len(messages) == 0 {
		return state
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" || messages[i].Role == "model" {
			state.lastAssistantIdx = i
			break
		}
	}
	if state.lastAssistantIdx == -1 {
		return state
	}

	lastAssistant := messages[state.lastAssistantIdx]
	hasToolUse := messageHasBlockType(lastAssistant, "tool_use")

	hasPlainUserAfter := false
	for i := state.lastAssistantIdx + 1; i < len(messages); i++ {
		if messageHasBlockType(messages[i], "tool_result") {
			state.toolResultCount++
		}
		if isPlainUserMessage(messages[i]) {
			hasPlainUserAfter = true
		}
	}

	state.inToolLoop = hasToolUse && state.toolResultCount > 0
	state.interruptedTool = hasToolUse && state.toolResultCount == 0 && hasPlainUserAfter
	state.turnHasThinking = messageHasValidThinking(lastAssistant)

	return state
}

func messageHasValidThinking(message Message) bool {
	for _, block := range message.Content {
		if isThinkingBlock(block) && hasValidSignature(block) {
			return true
		}
	}
	return false
}

func messageHasBlockType(message Message, blockType string) bool {
	for _, block := range message.Content {
		if block.Type == blockType {
			return true
		}
	}
	return false
}

func isPlainUserMessage(message Message) bool {
	if message.Role != "user" {
		return false
	}
	return !messageHasBlockType(message, "tool_result")
}

// NeedsThinkingRecovery reports whether messages are in a tool loop or
// interrupted-tool state with no valid thinking block backing it, meaning
// the model family's turn can't be replayed as-is.
func NeedsThinkingRecovery(messages []Message) bool {
	state := analyzeConversation(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return false
	}
	return !state.turnHasThinking
}

// stripInvalidThinkingBlocks drops thinking blocks that are unsigned, or
// (for a Gemini target) signed by a different model family than the one the
// request is headed to.
func stripInvalidThinkingBlocks(messages []Message, targetFamily string) []Message {
	cache := GetGlobalSignatureCache()
	stripped := 0
	result := make([]Message, 0, len(messages))

	for _, msg := range messages {
		if len(msg.Content) == 0 {
			result = append(result, msg)
			continue
		}

		filtered := make([]ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if !isThinkingBlock(block) {
				filtered = append(filtered, block)
				continue
			}
			if !hasValidSignature(block) {
				stripped++
				continue
			}
			if targetFamily == "gemini" {
				family := cache.GetCachedSignatureFamily(blockSignature(block))
				if family == "" || family != targetFamily {
					stripped++
					continue
				}
			}
			filtered = append(filtered, block)
		}

		// Claude rejects an empty text part, so a turn stripped down to
		// nothing gets a placeholder instead of vanishing outright.
		if len(filtered) == 0 {
			filtered = []ContentBlock{{Type: "text", Text: "."}}
		}

		result = append(result, Message{Role: msg.Role, Content: filtered})
	}

	if stripped > 0 {
		utils.Debug("[ThinkingUtils] Stripped %d invalid/incompatible thinking block(s)", stripped)
	}

	return result
}

// CloseToolLoopForThinking recovers a conversation that NeedsThinkingRecovery
// flagged, by either acknowledging an interrupted tool call inline or
// injecting synthetic assistant/user turns that close out a tool loop and
// let the model start a clean turn.
func CloseToolLoopForThinking(messages []Message, targetFamily string) []Message {
	state := analyzeConversation(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return messages
	}

	modified := stripInvalidThinkingBlocks(messages, targetFamily)

	switch {
	case state.interruptedTool:
		insertAt := state.lastAssistantIdx + 1
		synthetic := Message{
			Role:    "assistant",
			Content: []ContentBlock{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}

		withInsert := make([]Message, 0, len(modified)+1)
		withInsert = append(withInsert, modified[:insertAt]...)
		withInsert = append(withInsert, synthetic)
		withInsert = append(withInsert, modified[insertAt:]...)
		modified = withInsert

		utils.Debug("[ThinkingUtils] Recovered interrupted tool call")

	case state.inToolLoop:
		closingText := "[Tool execution completed.]"
		if state.toolResultCount > 1 {
			closingText = "[" + string(rune('0'+state.toolResultCount)) + " tool executions completed.]"
		}

		modified = append(modified, Message{
			Role:    "assistant",
			Content: []ContentBlock{{Type: "text", Text: closingText}},
		})
		modified = append(modified, Message{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: "[Continue]"}},
		})

		utils.Debug("[ThinkingUtils] Closed tool loop for fresh turn")
	}

	return modified
}
