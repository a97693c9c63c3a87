// Package handlers provides HTTP handlers for the WebUI.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

// AccountsHandler handles account management endpoints for the WebUI: the
// pool listing, removal, bulk export/import, and the browser-driven OAuth
// add-account flow. It intentionally does not expose the per-account quota
// threshold or enable/disable knobs the CLI-era config once had - those
// never had a backing field on store.Account here.
type AccountsHandler struct {
	accountManager *account.Manager
	cfg            *config.Config
	pendingOAuthFlows map[string]*OAuthFlowData
}

// OAuthFlowData is a pending browser-driven OAuth flow awaiting its callback.
type OAuthFlowData struct {
	Verifier       string
	State          string
	CallbackServer *auth.CallbackServer
	Timestamp      int64
}

// NewAccountsHandler creates a new AccountsHandler.
func NewAccountsHandler(accountManager *account.Manager, cfg *config.Config) *AccountsHandler {
	return &AccountsHandler{
		accountManager:    accountManager,
		cfg:               cfg,
		pendingOAuthFlows: make(map[string]*OAuthFlowData),
	}
}

// ListAccounts handles GET /api/accounts
func (h *AccountsHandler) ListAccounts(c *gin.Context) {
	accounts := h.accountManager.ListAccounts()
	status := h.accountManager.GetStatus()

	out := make([]gin.H, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, gin.H{
			"email":     acc.Email,
			"source":    acc.Source,
			"projectId": acc.ProjectID,
			"addedAt":   acc.AddedAt,
			"lastUsed":  acc.LastUsed,
			"isInvalid": acc.IsInvalid,
			"invalidReason": acc.InvalidReason,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accounts": out,
		"summary": gin.H{
			"total":   status.Total,
			"invalid": status.Invalid,
			"text":    status.Summary,
		},
	})
}

// RefreshAccount handles POST /api/accounts/:email/refresh. The credential
// broker only keeps one combined token/project cache, so this clears it for
// every account rather than singling one out.
func (h *AccountsHandler) RefreshAccount(c *gin.Context) {
	email := c.Param("email")

	h.accountManager.ClearTokenCache()
	h.accountManager.ClearProjectCache()

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token cache cleared for " + email,
	})
}

// DeleteAccount handles DELETE /api/accounts/:email
func (h *AccountsHandler) DeleteAccount(c *gin.Context) {
	email := c.Param("email")

	if err := h.accountManager.RemoveAccount(email); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	if err := h.accountManager.Reload(ctx); err != nil {
		utils.Warn("[WebUI] Failed to reload accounts after delete: %v", err)
	}

	utils.Info("[WebUI] Account %s removed", email)

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Account " + email + " removed",
	})
}

// ReloadAccounts handles POST /api/accounts/reload
func (h *AccountsHandler) ReloadAccounts(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.accountManager.Reload(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	status := h.accountManager.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Accounts reloaded from disk",
		"summary": status.Summary,
	})
}

// ExportAccounts handles GET /api/accounts/export
func (h *AccountsHandler) ExportAccounts(c *gin.Context) {
	accounts := h.accountManager.ListAccounts()

	exportData := make([]gin.H, 0)
	for _, acc := range accounts {
		if acc.Source == store.SourceDB {
			continue
		}

		essential := gin.H{"email": acc.Email}
		if acc.RefreshToken != "" {
			essential["refresh_token"] = acc.RefreshToken
		}
		if acc.APIKey != "" {
			essential["api_key"] = acc.APIKey
		}
		exportData = append(exportData, essential)
	}

	c.JSON(http.StatusOK, exportData)
}

// ImportAccountsRequest is the request body for POST /api/accounts/import.
type ImportAccountsRequest struct {
	Accounts []ImportAccountData `json:"accounts"`
}

// ImportAccountData is a single account to import.
type ImportAccountData struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
	APIKey       string `json:"api_key"`
}

// ImportAccounts handles POST /api/accounts/import
func (h *AccountsHandler) ImportAccounts(c *gin.Context) {
	var rawData interface{}
	if err := c.ShouldBindJSON(&rawData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid JSON"})
		return
	}

	var importAccounts []map[string]interface{}

	switch data := rawData.(type) {
	case []interface{}:
		for _, item := range data {
			if m, ok := item.(map[string]interface{}); ok {
				importAccounts = append(importAccounts, m)
			}
		}
	case map[string]interface{}:
		if accounts, ok := data["accounts"].([]interface{}); ok {
			for _, item := range accounts {
				if m, ok := item.(map[string]interface{}); ok {
					importAccounts = append(importAccounts, m)
				}
			}
		}
	}

	if len(importAccounts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "accounts must be a non-empty array"})
		return
	}

	added := []string{}
	failed := []gin.H{}

	existingEmails := make(map[string]bool)
	for _, acc := range h.accountManager.ListAccounts() {
		existingEmails[acc.Email] = true
	}

	for _, accData := range importAccounts {
		email, _ := accData["email"].(string)
		if email == "" {
			failed = append(failed, gin.H{"email": "unknown", "reason": "Missing email"})
			continue
		}

		refreshToken, _ := accData["refresh_token"].(string)
		if refreshToken == "" {
			refreshToken, _ = accData["refreshToken"].(string)
		}
		apiKey, _ := accData["api_key"].(string)
		if apiKey == "" {
			apiKey, _ = accData["apiKey"].(string)
		}

		if refreshToken == "" && apiKey == "" {
			failed = append(failed, gin.H{"email": email, "reason": "Missing refresh_token or api_key"})
			continue
		}

		source := store.SourceOAuth
		if apiKey != "" {
			source = store.SourceManual
		}

		newAcc := &store.Account{
			Email:        email,
			Source:       source,
			RefreshToken: refreshToken,
			APIKey:       apiKey,
			AddedAt:      time.Now().UnixMilli(),
		}

		if err := h.accountManager.AddOrUpdateAccount(newAcc); err != nil {
			failed = append(failed, gin.H{"email": email, "reason": err.Error()})
			continue
		}

		added = append(added, email)
	}

	ctx := c.Request.Context()
	if err := h.accountManager.Reload(ctx); err != nil {
		utils.Warn("[WebUI] Failed to reload accounts after import: %v", err)
	}

	utils.Info("[WebUI] Import complete: %d added, %d failed", len(added), len(failed))

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"results": gin.H{
			"added":  added,
			"failed": failed,
		},
	})
}

// GetAuthURL handles GET /api/auth/url - starts a browser-driven OAuth flow.
func (h *AccountsHandler) GetAuthURL(c *gin.Context) {
	now := time.Now().UnixMilli()
	for key, val := range h.pendingOAuthFlows {
		if now-val.Timestamp > 10*60*1000 {
			delete(h.pendingOAuthFlows, key)
		}
	}

	result, err := auth.GetAuthorizationURL()
	if err != nil {
		utils.Error("[WebUI] Error generating auth URL: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	callbackServer := auth.NewCallbackServer(result.State)

	h.pendingOAuthFlows[result.State] = &OAuthFlowData{
		Verifier:       result.Verifier,
		State:          result.State,
		CallbackServer: callbackServer,
		Timestamp:      now,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		code, err := callbackServer.Start(ctx)
		if err != nil {
			if err != context.Canceled && err != context.DeadlineExceeded {
				utils.Error("[WebUI] OAuth callback server error: %v", err)
			}
			delete(h.pendingOAuthFlows, result.State)
			return
		}

		utils.Info("[WebUI] Received OAuth callback, completing flow...")
		tokens, email, projectID, err := auth.CompleteOAuthFlow(context.Background(), code, result.Verifier)
		if err != nil {
			utils.Error("[WebUI] OAuth flow completion error: %v", err)
			delete(h.pendingOAuthFlows, result.State)
			return
		}

		newAcc := &store.Account{
			Email:        email,
			RefreshToken: tokens.RefreshToken,
			Source:       store.SourceOAuth,
			ProjectID:    projectID,
			AddedAt:      time.Now().UnixMilli(),
		}

		if err := h.accountManager.AddOrUpdateAccount(newAcc); err != nil {
			utils.Error("[WebUI] Failed to add account: %v", err)
		} else {
			utils.Success("[WebUI] Account %s added successfully", email)
		}

		if err := h.accountManager.Reload(context.Background()); err != nil {
			utils.Warn("[WebUI] Failed to reload accounts: %v", err)
		}

		delete(h.pendingOAuthFlows, result.State)
	}()

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"url":    result.URL,
		"state":  result.State,
	})
}

// CompleteOAuthRequest is the request body for POST /api/auth/complete.
type CompleteOAuthRequest struct {
	CallbackInput string `json:"callbackInput"`
	State         string `json:"state"`
}

// CompleteOAuth handles POST /api/auth/complete, for environments where the
// local callback server couldn't bind a port and the user pastes the
// redirect URL or code manually.
func (h *AccountsHandler) CompleteOAuth(c *gin.Context) {
	var req CompleteOAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallbackInput == "" || req.State == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Missing callbackInput or state"})
		return
	}

	flowData, ok := h.pendingOAuthFlows[req.State]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"error":  "OAuth flow not found. The account may have been already added via auto-callback. Please refresh the account list.",
		})
		return
	}

	codeResult, err := auth.ExtractCodeFromInput(req.CallbackInput)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	tokens, email, projectID, err := auth.CompleteOAuthFlow(ctx, codeResult.Code, flowData.Verifier)
	if err != nil {
		utils.Error("[WebUI] Manual OAuth completion error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	newAcc := &store.Account{
		Email:        email,
		RefreshToken: tokens.RefreshToken,
		Source:       store.SourceOAuth,
		ProjectID:    projectID,
		AddedAt:      time.Now().UnixMilli(),
	}

	if err := h.accountManager.AddOrUpdateAccount(newAcc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	if err := h.accountManager.Reload(ctx); err != nil {
		utils.Warn("[WebUI] Failed to reload accounts: %v", err)
	}

	if flowData.CallbackServer != nil {
		flowData.CallbackServer.Abort()
	}
	delete(h.pendingOAuthFlows, req.State)

	utils.Success("[WebUI] Account %s added via manual callback", email)

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"email":   email,
		"message": "Account " + email + " added successfully",
	})
}
