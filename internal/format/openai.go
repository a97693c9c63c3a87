// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file handles the OpenAI Chat Completions front door: converting an
// OpenAI-shaped request into the internal anthropic.MessagesRequest, and the
// internal anthropic.MessagesResponse (and its SSE stream) back into OpenAI's
// wire shapes. Field names and struct layout follow sashabaranov/go-openai's
// public types, even though this package never talks to a real OpenAI
// endpoint - only local JSON is shaped this way, so a client built against
// that module's types can bind directly to the response.
package format

import (
	"encoding/json"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// Chat message roles, matching go-openai's ChatMessageRole* constants.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
)

// ChatCompletionRequest is the OpenAI Chat Completions request shape.
type ChatCompletionRequest struct {
	Model       string                   `json:"model"`
	Messages    []ChatCompletionMessage  `json:"messages"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
	Temperature *float64                 `json:"temperature,omitempty"`
	TopP        *float64                 `json:"top_p,omitempty"`
	Stream      bool                     `json:"stream,omitempty"`
	Stop        []string                 `json:"stop,omitempty"`
	Tools       []ChatCompletionTool     `json:"tools,omitempty"`
	ToolChoice  interface{}              `json:"tool_choice,omitempty"`
}

// ChatCompletionMessage is one message in a ChatCompletionRequest/response.
type ChatCompletionMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is an OpenAI-shaped tool/function invocation.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function FunctionCallSpec `json:"function"`
}

// FunctionCallSpec holds a tool call's name and JSON-encoded arguments.
type FunctionCallSpec struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionTool is an OpenAI-shaped tool declaration.
type ChatCompletionTool struct {
	Type     string             `json:"type"`
	Function ChatCompletionFunc `json:"function"`
}

// ChatCompletionFunc is a tool declaration's function body.
type ChatCompletionFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatCompletionResponse is the OpenAI Chat Completions non-streaming response.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   ChatCompletionUsage    `json:"usage"`
}

// ChatCompletionChoice is one response choice.
type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionUsage mirrors OpenAI's usage accounting.
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one streamed SSE chunk ("data: {...}\n\n").
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ChatCompletionChunkChoice is one choice within a streamed chunk.
type ChatCompletionChunkChoice struct {
	Index        int                       `json:"index"`
	Delta        ChatCompletionChunkDelta  `json:"delta"`
	FinishReason *string                   `json:"finish_reason"`
}

// ChatCompletionChunkDelta is the incremental content of a streamed chunk.
type ChatCompletionChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// openAIModelAliases maps Copilot/shorthand-style model names seen from
// OpenAI-speaking clients to real Cloud Code model IDs.
var openAIModelAliases = map[string]string{
	"opus":         "claude-opus-4-5-20251101",
	"sonnet":       "claude-sonnet-4-5-20250929",
	"sonnet-proxy": "claude-sonnet-4-5-20250929",
	"haiku":        "claude-haiku-4-5-20251001",
	"gemini":       "gemini-3-pro-preview",
	"gemini-pro":   "gemini-3-pro-preview",
	"gemini-flash": "gemini-3-flash-preview",
}

// ResolveOpenAIModel maps an OpenAI-facing model alias to a real Cloud Code
// model ID, falling back to defaultModel when the alias is unrecognized.
func ResolveOpenAIModel(requested, defaultModel string) string {
	if requested == "" {
		return defaultModel
	}
	if real, ok := openAIModelAliases[strings.ToLower(requested)]; ok {
		return real
	}
	return requested
}

// ConvertOpenAIToAnthropic converts an OpenAI Chat Completions request into
// the internal Anthropic request shape. System messages are concatenated;
// assistant messages with tool_calls become a content array of text +
// tool_use blocks; "tool" role messages become user messages carrying a
// tool_result block.
func ConvertOpenAIToAnthropic(req *ChatCompletionRequest, defaultModel string) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model:       ResolveOpenAIModel(req.Model, defaultModel),
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}

	var systemParts []string
	messages := make([]anthropic.Message, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case ChatMessageRoleSystem:
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}

		case ChatMessageRoleTool:
			messages = append(messages, anthropic.Message{
				Role: "user",
				Content: []anthropic.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case ChatMessageRoleAssistant:
			var blocks []anthropic.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
			messages = append(messages, anthropic.Message{Role: "assistant", Content: blocks})

		default: // user, or anything unrecognized treated as user
			messages = append(messages, anthropic.Message{
				Role:    "user",
				Content: []anthropic.ContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	if len(systemParts) > 0 {
		out.System = strings.Join(systemParts, "\n\n")
	}
	out.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]anthropic.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Function.Parameters
			if params == nil {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			tools = append(tools, anthropic.Tool{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: params,
			})
		}
		out.Tools = tools
	}

	return out
}

// ConvertAnthropicToOpenAI converts an internal non-streaming response into
// an OpenAI Chat Completions response.
func ConvertAnthropicToOpenAI(resp *anthropic.MessagesResponse) *ChatCompletionResponse {
	var textParts []string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch {
		case block.IsText():
			textParts = append(textParts, block.Text)
		case block.IsToolUse():
			toolCalls = append(toolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: FunctionCallSpec{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	message := ChatCompletionMessage{
		Role:      ChatMessageRoleAssistant,
		Content:   strings.Join(textParts, ""),
		ToolCalls: toolCalls,
	}

	usage := ChatCompletionUsage{}
	if resp.Usage != nil {
		usage = ChatCompletionUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}

	return &ChatCompletionResponse{
		ID:      "chatcmpl-" + strings.TrimPrefix(resp.ID, "msg_"),
		Object:  "chat.completion",
		Model:   resp.Model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: mapStopReason(resp.StopReason, len(toolCalls) > 0),
		}},
		Usage: usage,
	}
}

// mapStopReason maps an Anthropic stop_reason to an OpenAI finish_reason.
func mapStopReason(stopReason string, hasToolCalls bool) string {
	switch {
	case stopReason == "max_tokens":
		return "length"
	case stopReason == "tool_use" || hasToolCalls:
		return "tool_calls"
	default:
		return "stop"
	}
}

// OpenAIChunkAdapter reshapes a stream of Anthropic SSE events into OpenAI
// Chat Completions chunks, tracking enough state to emit a role-only first
// chunk and a single finish_reason chunk.
type OpenAIChunkAdapter struct {
	id           string
	model        string
	roleSent     bool
	toolCallSeen bool
}

// NewOpenAIChunkAdapter creates a stream adapter for model, minting an id
// shared by every chunk it emits.
func NewOpenAIChunkAdapter(model string) *OpenAIChunkAdapter {
	return &OpenAIChunkAdapter{
		id:    "chatcmpl-" + strings.TrimPrefix(anthropic.GenerateMessageID(), "msg_"),
		model: model,
	}
}

// Convert maps one Anthropic SSE event (as emitted by cloudcode.SSEEvent) to
// zero or one OpenAI chunks. delta mirrors cloudcode.SSEEvent.Delta's loose
// map shape rather than a typed struct, since that's what the stream carries.
func (a *OpenAIChunkAdapter) Convert(eventType string, contentBlock *anthropic.ContentBlock, delta map[string]interface{}) *ChatCompletionChunk {
	chunk := &ChatCompletionChunk{
		ID:      a.id,
		Object:  "chat.completion.chunk",
		Model:   a.model,
		Choices: []ChatCompletionChunkChoice{{Index: 0}},
	}

	switch eventType {
	case "message_start":
		a.roleSent = true
		chunk.Choices[0].Delta = ChatCompletionChunkDelta{Role: ChatMessageRoleAssistant}
		return chunk

	case "content_block_start":
		if contentBlock != nil && contentBlock.IsToolUse() {
			a.toolCallSeen = true
			chunk.Choices[0].Delta = ChatCompletionChunkDelta{
				ToolCalls: []ToolCall{{
					ID:   contentBlock.ID,
					Type: "function",
					Function: FunctionCallSpec{
						Name: contentBlock.Name,
					},
				}},
			}
			return chunk
		}
		return nil

	case "content_block_delta":
		if delta == nil {
			return nil
		}
		switch delta["type"] {
		case "text_delta":
			text, _ := delta["text"].(string)
			chunk.Choices[0].Delta = ChatCompletionChunkDelta{Content: text}
			return chunk
		case "input_json_delta":
			partialJSON, _ := delta["partial_json"].(string)
			chunk.Choices[0].Delta = ChatCompletionChunkDelta{
				ToolCalls: []ToolCall{{
					Function: FunctionCallSpec{Arguments: partialJSON},
				}},
			}
			return chunk
		default:
			return nil
		}

	case "message_delta":
		if delta == nil {
			return nil
		}
		stopReason, _ := delta["stop_reason"].(string)
		if stopReason == "" {
			return nil
		}
		reason := mapStopReason(stopReason, a.toolCallSeen)
		chunk.Choices[0].FinishReason = &reason
		return chunk

	default:
		return nil
	}
}
