// Package auth implements the credential broker: OAuth token exchange,
// Cloud Code project discovery, and the onboarding fallback, plus the
// PKCE flow and local SQLite read used by the CLI/account-add collaborator.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// PKCE holds a generated PKCE verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a random verifier and its S256 challenge.
func GeneratePKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// GenerateState returns a random CSRF state token for the OAuth dance.
func GenerateState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// AuthorizationURLResult carries the URL the CLI collaborator opens in a
// browser, plus the verifier/state it must hold onto for the callback.
type AuthorizationURLResult struct {
	URL      string
	Verifier string
	State    string
}

// GetAuthorizationURL builds the Google OAuth consent URL for PKCE.
func GetAuthorizationURL() (*AuthorizationURLResult, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	values := url.Values{
		"client_id":             {config.OAuthClientID},
		"redirect_uri":          {fmt.Sprintf("http://localhost:%d/oauth-callback", config.OAuthCallbackPort)},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthScopes, " ")},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
	}

	return &AuthorizationURLResult{
		URL:      config.OAuthAuthURL + "?" + values.Encode(),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// OAuthTokens is the raw token endpoint response.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode trades an authorization code plus PKCE verifier for tokens.
func ExchangeCode(ctx context.Context, code, verifier string) (*OAuthTokens, error) {
	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {fmt.Sprintf("http://localhost:%d/oauth-callback", config.OAuthCallbackPort)},
	}
	return doTokenRequest(ctx, data)
}

// RefreshResult is what the credential broker needs from a refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// ClassifiedError distinguishes transient network failures (retry with
// another account) from permanent ones (mark the account invalid), per the
// credential broker's failure classification.
type ClassifiedError struct {
	Code    string // AUTH_NETWORK_ERROR or AUTH_INVALID
	Message string
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e *ClassifiedError) IsPermanent() bool { return e.Code == "AUTH_INVALID" }

// RefreshAccessToken exchanges a refresh token for a fresh access token.
// Returned errors are always *ClassifiedError.
func RefreshAccessToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", config.OAuthTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &ClassifiedError{Code: "AUTH_NETWORK_ERROR", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// Connection refused/reset, DNS failure, timeout: transient.
		return nil, &ClassifiedError{Code: "AUTH_NETWORK_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClassifiedError{Code: "AUTH_NETWORK_ERROR", Message: err.Error()}
	}

	if resp.StatusCode >= 500 {
		return nil, &ClassifiedError{Code: "AUTH_NETWORK_ERROR", Message: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ClassifiedError{Code: "AUTH_INVALID", Message: string(body)}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ClassifiedError{Code: "AUTH_INVALID", Message: "malformed token response"}
	}
	if result.AccessToken == "" {
		return nil, &ClassifiedError{Code: "AUTH_INVALID", Message: "no access_token in response"}
	}

	return &RefreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil
}

func doTokenRequest(ctx context.Context, data url.Values) (*OAuthTokens, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", config.OAuthTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		utils.Error("[OAuth] Token exchange failed: %d %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("token exchange failed: %s", string(body))
	}

	var tokens OAuthTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("no access token received")
	}
	return &tokens, nil
}

// GetUserEmail resolves the account email behind an access token.
func GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", config.OAuthUserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("parse user info: %w", err)
	}
	return userInfo.Email, nil
}

// DiscoverProjectID finds the Cloud AI Companion project for an account by
// calling :loadCodeAssist across the ordered endpoint list, onboarding the
// user if no project is associated yet.
func DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	var loadCodeAssistData map[string]interface{}

	for _, endpoint := range config.AntigravityEndpointFallbacks {
		projectID, data, err := tryDiscoverProject(ctx, accessToken, endpoint)
		if err != nil {
			utils.Warn("[OAuth] Project discovery failed at %s: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			return projectID, nil
		}
		loadCodeAssistData = data
		break
	}

	if loadCodeAssistData != nil {
		tierID := getDefaultTierID(loadCodeAssistData)
		if tierID == "" {
			tierID = "FREE"
		}
		utils.Info("[OAuth] Onboarding user with tier: %s", tierID)
		onboardedProject, err := OnboardUser(ctx, accessToken, tierID)
		if err == nil && onboardedProject != "" {
			utils.Success("[OAuth] Onboarded, project: %s", onboardedProject)
			return onboardedProject, nil
		}
	}

	return "", nil
}

func tryDiscoverProject(ctx context.Context, accessToken, endpoint string) (string, map[string]interface{}, error) {
	reqBody := map[string]interface{}{
		"metadata": config.LoadCodeAssistMetadata(),
	}
	bodyBytes, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(bodyBytes)))
	if err != nil {
		return "", nil, err
	}
	for k, v := range config.LoadCodeAssistHeaders() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("loadCodeAssist %d: %s", resp.StatusCode, string(body))
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", nil, err
	}

	if proj, ok := data["cloudaicompanionProject"]; ok {
		switch v := proj.(type) {
		case string:
			return v, data, nil
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				return id, data, nil
			}
		}
	}
	return "", data, nil
}

func getDefaultTierID(data map[string]interface{}) string {
	tiers, ok := data["allowedTiers"].([]interface{})
	if !ok {
		return ""
	}
	for _, t := range tiers {
		tier, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, _ := tier["isDefault"].(bool); isDefault {
			if id, ok := tier["id"].(string); ok {
				return id
			}
		}
	}
	return ""
}

// OnboardUser calls :onboardUser and polls the returned long-running
// operation until a project is assigned or the budget is exhausted.
func OnboardUser(ctx context.Context, accessToken, tierID string) (string, error) {
	reqBody := map[string]interface{}{
		"tierId":   tierID,
		"metadata": config.LoadCodeAssistMetadata(),
	}
	bodyBytes, _ := json.Marshal(reqBody)

	for _, endpoint := range config.OnboardUserEndpoints {
		req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:onboardUser", strings.NewReader(string(bodyBytes)))
		if err != nil {
			continue
		}
		for k, v := range config.LoadCodeAssistHeaders() {
			req.Header.Set(k, v)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}

		var op map[string]interface{}
		if err := json.Unmarshal(body, &op); err != nil {
			continue
		}
		if done, _ := op["done"].(bool); done {
			if response, ok := op["response"].(map[string]interface{}); ok {
				if proj, ok := response["cloudaicompanionProject"].(map[string]interface{}); ok {
					if id, ok := proj["id"].(string); ok {
						return id, nil
					}
				}
			}
		}
		// Onboarding is asynchronous in general; a single best-effort poll
		// after a short delay covers the common case without blocking the
		// CLI collaborator indefinitely.
		time.Sleep(2 * time.Second)
	}
	return "", fmt.Errorf("onboarding did not complete")
}

// CodeExtractResult is a code/state pair pulled out of user-pasted input.
type CodeExtractResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either a raw authorization code or the full
// redirect URL a user might paste when the local callback server couldn't
// bind any port.
func ExtractCodeFromInput(input string) (*CodeExtractResult, error) {
	if input == "" {
		return nil, fmt.Errorf("no input provided")
	}
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid URL format")
		}
		if errParam := parsed.Query().Get("error"); errParam != "" {
			return nil, fmt.Errorf("oauth error: %s", errParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code found in URL")
		}
		return &CodeExtractResult{Code: code, State: parsed.Query().Get("state")}, nil
	}

	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input is too short to be a valid authorization code")
	}
	return &CodeExtractResult{Code: trimmed}, nil
}

// CompleteOAuthFlow runs code exchange, email resolution, and project
// discovery in one call for the CLI's add-account command.
func CompleteOAuthFlow(ctx context.Context, code, verifier string) (*OAuthTokens, string, string, error) {
	tokens, err := ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, "", "", err
	}
	email, err := GetUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, "", "", err
	}
	projectID, err := DiscoverProjectID(ctx, tokens.AccessToken)
	if err != nil {
		utils.Warn("[OAuth] Project discovery failed, will retry lazily: %v", err)
	}
	return tokens, email, projectID, nil
}
