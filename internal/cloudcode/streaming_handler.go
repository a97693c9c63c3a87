// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

// StreamingHandler drives the streaming (SSE) request path: account
// selection/failover, endpoint fallback, and the four-way error
// classification (retry-same-account / switch-account / wait-then-retry /
// fatal) described for the dispatcher.
type StreamingHandler struct {
	accountManager *account.Manager
	httpClient     *http.Client
}

func NewStreamingHandler(accountManager *account.Manager) *StreamingHandler {
	return &StreamingHandler{
		accountManager: accountManager,
		httpClient:     &http.Client{Timeout: 10 * time.Minute},
	}
}

// SendMessageStream returns channels of translated Anthropic SSE events and
// a terminal error, if any.
func (h *StreamingHandler) SendMessageStream(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		if err := h.streamWithRetry(ctx, anthropicRequest, fallbackEnabled, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (h *StreamingHandler) streamWithRetry(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, events chan<- *SSEEvent) error {
	model := anthropicRequest.Model
	maxAttempts := config.MaxRetries
	if n := h.accountManager.GetAccountCount() + 1; n > maxAttempts {
		maxAttempts = n
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		h.accountManager.ClearExpiredLimits()

		if len(h.accountManager.GetAvailableAccounts(model)) == 0 {
			if h.accountManager.IsAllRateLimited(model) {
				minWaitMs := h.accountManager.GetMinWaitTimeMs(model)

				if minWaitMs > config.MaxWaitBeforeErrorMs {
					if fallbackEnabled {
						if fallbackModel, ok := config.GetFallbackModel(model); ok {
							utils.Warn("[cloudcode] all accounts exhausted for %s (%s wait), falling back to %s",
								model, utils.FormatDuration(minWaitMs), fallbackModel)
							fallbackRequest := *anthropicRequest
							fallbackRequest.Model = fallbackModel
							return h.streamWithRetry(ctx, &fallbackRequest, false, events)
						}
					}
					resetTime := time.Now().Add(time.Duration(minWaitMs) * time.Millisecond).Format(time.RFC3339)
					return fmt.Errorf("RESOURCE_EXHAUSTED: rate limited on %s, resets after %s (%s)",
						model, utils.FormatDuration(minWaitMs), resetTime)
				}

				utils.Warn("[cloudcode] all accounts rate-limited, waiting %s", utils.FormatDuration(minWaitMs))
				utils.SleepMs(minWaitMs + 500)
				attempt--
				continue
			}
			return fmt.Errorf("no accounts available")
		}

		selectedAccount, waitMs, err := h.accountManager.PickSticky(model)
		if err != nil {
			return err
		}
		if selectedAccount == nil {
			if waitMs > 0 {
				utils.Info("[cloudcode] waiting %s for account", utils.FormatDuration(waitMs))
				utils.SleepMs(waitMs + 500)
				attempt--
				continue
			}
			continue
		}

		if err := h.streamOneAccount(ctx, selectedAccount, anthropicRequest, model, events); err != nil {
			if shouldStop, stopErr := classifyFatal(err); shouldStop {
				return stopErr
			}
			continue
		}
		return nil
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[cloudcode] retries exhausted for %s, falling back to %s", model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.streamWithRetry(ctx, &fallbackRequest, false, events)
		}
	}
	return fmt.Errorf("max retries exceeded")
}

// fatalErr wraps an error that must abort the whole request instead of
// advancing to the next account.
type fatalErr struct{ err error }

func (f *fatalErr) Error() string { return f.err.Error() }
func (f *fatalErr) Unwrap() error { return f.err }

func classifyFatal(err error) (bool, error) {
	if fe, ok := err.(*fatalErr); ok {
		return true, fe.err
	}
	return false, nil
}

// streamOneAccount tries every fallback endpoint for a single selected
// account and streams on the first success. A non-fatal error means the
// caller should select the next account and retry.
func (h *StreamingHandler) streamOneAccount(ctx context.Context, selectedAccount *store.Account, anthropicRequest *anthropic.MessagesRequest, model string, events chan<- *SSEEvent) error {
	token, err := h.accountManager.GetAccessToken(ctx, selectedAccount)
	if err != nil {
		utils.Warn("[cloudcode] failed to get token for %s: %v", selectedAccount.Email, err)
		return err
	}
	projectID, err := h.accountManager.GetProjectID(ctx, selectedAccount, token)
	if err != nil || projectID == "" {
		projectID = config.DefaultProjectID
	}

	payload, err := BuildCloudCodeRequest(anthropicRequest, projectID)
	if err != nil {
		return &fatalErr{err}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return &fatalErr{err}
	}

	var lastErr error
	for _, endpoint := range config.AntigravityEndpointFallbacks {
		url := endpoint + "/v1internal:streamGenerateContent?alt=sse"

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
		if err != nil {
			return &fatalErr{err}
		}
		headers := BuildHeaders(token, model, "text/event-stream")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := h.httpClient.Do(req)
		if err != nil {
			if utils.IsNetworkError(err) {
				utils.Warn("[cloudcode] network error at %s: %v", endpoint, err)
				lastErr = err
				h.accountManager.NotifyFailure(selectedAccount, model)
				continue
			}
			return &fatalErr{err}
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			errorText := string(body)
			utils.Warn("[cloudcode] stream error at %s: %d - %.200s", endpoint, resp.StatusCode, errorText)

			switch {
			case resp.StatusCode == 401 && IsPermanentAuthFailure(errorText):
				h.accountManager.MarkInvalid(selectedAccount.Email, "token revoked, re-authentication required")
				return &fatalErr{fmt.Errorf("AUTH_INVALID: %s", errorText)}

			case resp.StatusCode == 401:
				lastErr = fmt.Errorf("auth error: %s", errorText)
				continue

			case resp.StatusCode == 429:
				resetMs := ParseResetTime(resp.Header, errorText)
				if resetMs < 0 {
					resetMs = config.DefaultCooldownMs
				}
				h.accountManager.MarkRateLimited(selectedAccount.Email, resetMs, model)
				lastErr = fmt.Errorf("rate limited: %s", errorText)
				continue

			case resp.StatusCode == 400:
				return &fatalErr{fmt.Errorf("invalid_request_error: %s", errorText)}

			default:
				lastErr = fmt.Errorf("api error %d: %s", resp.StatusCode, errorText)
				if resp.StatusCode >= 500 {
					h.accountManager.NotifyFailure(selectedAccount, model)
					utils.SleepMs(1000)
				}
				continue
			}
		}

		return h.relaySSE(ctx, resp, anthropicRequest.Model, url, payloadBytes, headers, selectedAccount, model, events)
	}

	return lastErr
}

func (h *StreamingHandler) relaySSE(ctx context.Context, resp *http.Response, originalModel, url string, payloadBytes []byte, headers map[string]string, selectedAccount *store.Account, model string, events chan<- *SSEEvent) error {
	emptyRetries := 0
	currentResp := resp

	for {
		sseEvents, sseErrs := StreamSSEResponse(currentResp.Body, originalModel)
		for event := range sseEvents {
			events <- event
		}

		var streamErr error
		select {
		case streamErr = <-sseErrs:
		default:
		}

		if streamErr == nil {
			currentResp.Body.Close()
			h.accountManager.NotifySuccess(selectedAccount, model)
			return nil
		}

		if IsEmptyResponseError(streamErr) && emptyRetries < config.MaxEmptyResponseRetries {
			currentResp.Body.Close()
			backoffMs := 500 * (1 << emptyRetries)
			utils.Warn("[cloudcode] empty response, retry %d/%d after %dms", emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
			utils.SleepMs(int64(backoffMs))

			newReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
			if err != nil {
				return &fatalErr{err}
			}
			for k, v := range headers {
				newReq.Header.Set(k, v)
			}
			currentResp, err = h.httpClient.Do(newReq)
			if err != nil || currentResp.StatusCode != http.StatusOK {
				return fmt.Errorf("empty-response retry failed: %v", err)
			}
			emptyRetries++
			continue
		}

		if IsEmptyResponseError(streamErr) {
			utils.Error("[cloudcode] empty response after %d retries", config.MaxEmptyResponseRetries)
			emitEmptyResponseFallback(events, originalModel)
			return nil
		}

		return streamErr
	}
}

// emitEmptyResponseFallback synthesizes a minimal Anthropic response when
// the upstream never sends any content after retrying, so the client gets a
// well-formed (if apologetic) reply instead of a hung connection.
func emitEmptyResponseFallback(events chan<- *SSEEvent, model string) {
	messageID := anthropic.GenerateMessageID()

	events <- &SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:      messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   model,
			Usage:   &anthropic.Usage{},
		},
	}
	events <- &SSEEvent{Type: "content_block_start", Index: 0, ContentBlock: &anthropic.ContentBlock{Type: "text", Text: ""}}
	events <- &SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{"type": "text_delta", "text": "[No response after retries - please try again]"},
	}
	events <- &SSEEvent{Type: "content_block_stop", Index: 0}
	events <- &SSEEvent{
		Type:  "message_delta",
		Delta: map[string]interface{}{"stop_reason": "end_turn", "stop_sequence": nil},
		Usage: &anthropic.Usage{},
	}
	events <- &SSEEvent{Type: "message_stop"}
}
