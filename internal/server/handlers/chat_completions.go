// Package handlers provides HTTP request handlers for the server.
// This file handles the OpenAI-compatible /v1/chat/completions endpoint.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// ChatCompletionsHandler handles the /v1/chat/completions endpoint, fronting
// the same Cloud Code client as MessagesHandler behind an OpenAI-shaped API.
type ChatCompletionsHandler struct {
	accountManager  *account.Manager
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
}

// NewChatCompletionsHandler creates a new ChatCompletionsHandler.
func NewChatCompletionsHandler(
	accountManager *account.Manager,
	cloudCodeClient *cloudcode.Client,
	cfg *config.Config,
	fallbackEnabled bool,
) *ChatCompletionsHandler {
	return &ChatCompletionsHandler{
		accountManager:  accountManager,
		cloudCodeClient: cloudCodeClient,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// defaultChatCompletionsModel is used when a request omits a model and no
// alias resolves it.
const defaultChatCompletionsModel = "claude-sonnet-4-5-20250929"

// ChatCompletions handles POST /v1/chat/completions - OpenAI Chat
// Completions API compatible.
func (h *ChatCompletionsHandler) ChatCompletions(c *gin.Context) {
	var req format.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "messages is required and must be an array")
		return
	}

	anthropicReq := format.ConvertOpenAIToAnthropic(&req, defaultChatCompletionsModel)

	if h.cfg.ModelMapping != nil {
		if mapping, ok := h.cfg.ModelMapping[anthropicReq.Model]; ok && mapping != "" {
			utils.Info("[API] Mapping model %s -> %s", anthropicReq.Model, mapping)
			anthropicReq.Model = mapping
		}
	}

	utils.Info("[API] chat/completions request for model: %s, stream: %t", anthropicReq.Model, anthropicReq.Stream)

	if anthropicReq.Stream {
		h.handleStreamingResponse(c, anthropicReq)
	} else {
		h.handleNonStreamingResponse(c, anthropicReq)
	}
}

func (h *ChatCompletionsHandler) handleNonStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	response, err := h.cloudCodeClient.SendMessage(c.Request.Context(), req, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] chat/completions error: %v", err)
		_, statusCode, errorMessage := parseError(err)
		h.sendError(c, statusCode, errorMessage)
		return
	}

	c.JSON(http.StatusOK, format.ConvertAnthropicToOpenAI(response))
}

func (h *ChatCompletionsHandler) handleStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.cloudCodeClient.SendMessageStream(ctx, req, h.fallbackEnabled)

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	adapter := format.NewOpenAIChunkAdapter(req.Model)

	for {
		select {
		case event, ok := <-events:
			if !ok {
				h.writeDone(c)
				return
			}
			chunk := adapter.Convert(event.Type, event.ContentBlock, event.Delta)
			if chunk == nil {
				continue
			}
			if !h.writeChunk(c, chunk) {
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] chat/completions mid-stream error: %v", err)
			}
			h.writeDone(c)
			return
		case <-ctx.Done():
			return
		}
	}
}

// writeChunk writes one "data: {...}\n\n" line and flushes, returning false
// if the write failed (client gone) so the caller can stop streaming.
func (h *ChatCompletionsHandler) writeChunk(c *gin.Context, chunk *format.ChatCompletionChunk) bool {
	data, err := json.Marshal(chunk)
	if err != nil {
		utils.Error("[API] chat/completions chunk marshal error: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func (h *ChatCompletionsHandler) writeDone(c *gin.Context) {
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

func (h *ChatCompletionsHandler) sendError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
