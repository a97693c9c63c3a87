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
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

// MessageHandler drives the non-streaming request path. Thinking models are
// always requested over the SSE endpoint (non-streaming generateContent
// never returns thinking blocks) and the accumulated SSE is collapsed into
// one response; non-thinking models use generateContent directly.
type MessageHandler struct {
	accountManager *account.Manager
	httpClient     *http.Client
}

func NewMessageHandler(accountManager *account.Manager) *MessageHandler {
	return &MessageHandler{
		accountManager: accountManager,
		httpClient:     &http.Client{Timeout: 10 * time.Minute},
	}
}

// SendMessage runs the retry/failover loop described for the dispatcher and
// returns the translated Anthropic response.
func (h *MessageHandler) SendMessage(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
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
							return h.SendMessage(ctx, &fallbackRequest, false)
						}
					}
					resetTime := time.Now().Add(time.Duration(minWaitMs) * time.Millisecond).Format(time.RFC3339)
					return nil, fmt.Errorf("RESOURCE_EXHAUSTED: rate limited on %s, resets after %s (%s)",
						model, utils.FormatDuration(minWaitMs), resetTime)
				}

				utils.Warn("[cloudcode] all accounts rate-limited, waiting %s", utils.FormatDuration(minWaitMs))
				utils.SleepMs(minWaitMs + 500)
				attempt--
				continue
			}
			return nil, fmt.Errorf("no accounts available")
		}

		selectedAccount, waitMs, err := h.accountManager.PickSticky(model)
		if err != nil {
			return nil, err
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

		result, err := h.sendOneAccount(ctx, selectedAccount, anthropicRequest, model)
		if err != nil {
			if fe, ok := err.(*fatalErr); ok {
				return nil, fe.err
			}
			continue
		}
		return result, nil
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[cloudcode] retries exhausted for %s, falling back to %s", model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.SendMessage(ctx, &fallbackRequest, false)
		}
	}
	return nil, fmt.Errorf("max retries exceeded")
}

func (h *MessageHandler) sendOneAccount(ctx context.Context, selectedAccount *store.Account, anthropicRequest *anthropic.MessagesRequest, model string) (*anthropic.MessagesResponse, error) {
	token, err := h.accountManager.GetAccessToken(ctx, selectedAccount)
	if err != nil {
		utils.Warn("[cloudcode] failed to get token for %s: %v", selectedAccount.Email, err)
		return nil, err
	}
	projectID, err := h.accountManager.GetProjectID(ctx, selectedAccount, token)
	if err != nil || projectID == "" {
		projectID = config.DefaultProjectID
	}

	payload, err := BuildCloudCodeRequest(anthropicRequest, projectID)
	if err != nil {
		return nil, &fatalErr{err}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, &fatalErr{err}
	}

	thinking := config.IsThinkingModel(model)

	var lastErr error
	for _, endpoint := range config.AntigravityEndpointFallbacks {
		var url, accept string
		if thinking {
			url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
			accept = "text/event-stream"
		} else {
			url = endpoint + "/v1internal:generateContent"
			accept = "application/json"
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
		if err != nil {
			return nil, &fatalErr{err}
		}
		headers := BuildHeaders(token, model, accept)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := h.httpClient.Do(req)
		if err != nil {
			if utils.IsNetworkError(err) {
				lastErr = err
				h.accountManager.NotifyFailure(selectedAccount, model)
				continue
			}
			return nil, &fatalErr{err}
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			errorText := string(body)

			switch {
			case resp.StatusCode == 401 && IsPermanentAuthFailure(errorText):
				h.accountManager.MarkInvalid(selectedAccount.Email, "token revoked, re-authentication required")
				return nil, &fatalErr{fmt.Errorf("AUTH_INVALID: %s", errorText)}

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
				return nil, &fatalErr{fmt.Errorf("invalid_request_error: %s", errorText)}

			default:
				lastErr = fmt.Errorf("api error %d: %s", resp.StatusCode, errorText)
				if resp.StatusCode >= 500 {
					h.accountManager.NotifyFailure(selectedAccount, model)
					utils.SleepMs(1000)
				}
				continue
			}
			continue
		}

		var result *anthropic.MessagesResponse
		if thinking {
			result, err = ParseThinkingSSEResponse(resp.Body, anthropicRequest.Model)
			resp.Body.Close()
		} else {
			var data map[string]interface{}
			decodeErr := json.NewDecoder(resp.Body).Decode(&data)
			resp.Body.Close()
			if decodeErr != nil {
				return nil, &fatalErr{decodeErr}
			}
			result = format.ConvertGoogleToAnthropic(format.GoogleResponseFromMap(data), anthropicRequest.Model)
		}
		if err != nil {
			lastErr = err
			continue
		}

		h.accountManager.NotifySuccess(selectedAccount, model)
		return result, nil
	}

	return nil, lastErr
}
