// Package handlers provides HTTP handlers for the WebUI.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// LogsHandler exposes the in-process log ring buffer to the WebUI.
type LogsHandler struct{}

// NewLogsHandler creates a new LogsHandler.
func NewLogsHandler() *LogsHandler {
	return &LogsHandler{}
}

// GetLogs handles GET /api/logs
func (h *LogsHandler) GetLogs(c *gin.Context) {
	logger := utils.GetLogger()
	history := logger.GetHistory()

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"logs":   history,
	})
}

// StreamLogs handles GET /api/logs/stream - tails new log lines over SSE.
func (h *LogsHandler) StreamLogs(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	logger := utils.GetLogger()

	if c.Query("history") == "true" {
		for _, log := range logger.GetHistory() {
			if data, err := json.Marshal(log); err == nil {
				c.Writer.Write([]byte("data: " + string(data) + "\n\n"))
			}
		}
		c.Writer.Flush()
	}

	logChan := make(chan utils.LogEntry, 100)
	logger.AddListener(func(entry utils.LogEntry) {
		select {
		case logChan <- entry:
		default:
		}
	})

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "Streaming not supported"})
		return
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case log := <-logChan:
			if data, err := json.Marshal(log); err == nil {
				c.Writer.Write([]byte("data: " + string(data) + "\n\n"))
				flusher.Flush()
			}
		}
	}
}
