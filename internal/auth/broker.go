package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Broker resolves an access token and a project ID for an account,
// caching both in process memory so a sticky-selected account doesn't
// refresh on every request. It is the getTokenForAccount /
// getProjectForAccount implementation.
//
// redisClient, when set, mirrors both caches so a restart or a second
// replica doesn't force every account to refresh at once.
type Broker struct {
	mu           sync.RWMutex
	tokenCache   map[string]*cachedToken
	projectCache map[string]string
	redisClient  *redis.Client
}

func NewBroker() *Broker {
	return &Broker{
		tokenCache:   make(map[string]*cachedToken),
		projectCache: make(map[string]string),
	}
}

// NewBrokerWithRedis creates a Broker that mirrors tokens and project IDs
// into redisClient in addition to its in-process cache.
func NewBrokerWithRedis(redisClient *redis.Client) *Broker {
	b := NewBroker()
	b.redisClient = redisClient
	return b
}

// GetAccessToken returns a usable access token for acc, refreshing it if the
// cached copy is stale or absent. Errors are always *ClassifiedError so the
// dispatcher can tell network hiccups from permanently broken credentials.
func (b *Broker) GetAccessToken(ctx context.Context, acc *store.Account) (string, error) {
	if cached, ok := b.cachedToken(acc.Email); ok {
		return cached, nil
	}

	if b.redisClient != nil {
		if token, err := b.redisClient.GetCachedToken(ctx, acc.Email); err == nil && token != "" {
			b.cacheToken(acc.Email, token, time.Duration(config.TokenRefreshIntervalMs)*time.Millisecond)
			return token, nil
		}
	}

	token, ttl, err := b.fetchToken(ctx, acc)
	if err != nil {
		return "", err
	}
	b.cacheToken(acc.Email, token, ttl)
	if b.redisClient != nil {
		_ = b.redisClient.SetCachedToken(ctx, acc.Email, token, ttl)
	}
	return token, nil
}

func (b *Broker) cachedToken(email string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ct, ok := b.tokenCache[email]
	if !ok || time.Now().After(ct.expiresAt) {
		return "", false
	}
	return ct.token, true
}

func (b *Broker) cacheToken(email, token string, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenCache[email] = &cachedToken{token: token, expiresAt: time.Now().Add(ttl)}
}

func (b *Broker) fetchToken(ctx context.Context, acc *store.Account) (string, time.Duration, error) {
	switch acc.Source {
	case store.SourceOAuth:
		result, err := RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			return "", 0, err
		}
		ttl := time.Duration(config.TokenRefreshIntervalMs) * time.Millisecond
		if result.ExpiresIn > 0 {
			refreshEarly := time.Duration(result.ExpiresIn) * time.Second / 2
			if refreshEarly < ttl {
				ttl = refreshEarly
			}
		}
		return result.AccessToken, ttl, nil

	case store.SourceManual:
		if acc.APIKey == "" {
			return "", 0, &ClassifiedError{Code: "AUTH_INVALID", Message: "manual account has no apiKey"}
		}
		// Manual keys don't expire on our side; cache for the standard window
		// so a key rotation on the upstream side is picked up reasonably soon.
		return acc.APIKey, time.Duration(config.TokenRefreshIntervalMs) * time.Millisecond, nil

	case store.SourceDB:
		status, err := GetAuthStatus(acc.DBPath)
		if err != nil {
			return "", 0, &ClassifiedError{Code: "AUTH_NETWORK_ERROR", Message: err.Error()}
		}
		return status.APIKey, time.Duration(config.TokenRefreshIntervalMs) * time.Millisecond, nil

	default:
		return "", 0, &ClassifiedError{Code: "AUTH_INVALID", Message: fmt.Sprintf("unknown account source %q", acc.Source)}
	}
}

// GetProjectID returns the Cloud Code project to use for acc, discovering
// and caching it lazily if the account wasn't onboarded with one up front.
func (b *Broker) GetProjectID(ctx context.Context, acc *store.Account, accessToken string) (string, error) {
	if acc.ProjectID != "" {
		return acc.ProjectID, nil
	}

	b.mu.RLock()
	cached, ok := b.projectCache[acc.Email]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if b.redisClient != nil {
		if projectID, err := b.redisClient.GetCachedProject(ctx, acc.Email); err == nil && projectID != "" {
			b.mu.Lock()
			b.projectCache[acc.Email] = projectID
			b.mu.Unlock()
			return projectID, nil
		}
	}

	projectID, err := DiscoverProjectID(ctx, accessToken)
	if err != nil {
		return "", &ClassifiedError{Code: "AUTH_NETWORK_ERROR", Message: err.Error()}
	}
	if projectID == "" {
		projectID = config.DefaultProjectID
	}

	b.mu.Lock()
	b.projectCache[acc.Email] = projectID
	b.mu.Unlock()
	if b.redisClient != nil {
		_ = b.redisClient.SetCachedProject(ctx, acc.Email, projectID, time.Duration(config.TokenRefreshIntervalMs)*time.Millisecond)
	}
	return projectID, nil
}

// ClearCache drops every cached token and project, forcing the next call to
// refresh from the upstream source.
func (b *Broker) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenCache = make(map[string]*cachedToken)
	b.projectCache = make(map[string]string)
}

// ClearCacheForAccount drops cached state for a single account, used after
// marking it invalid so a later re-add doesn't reuse a stale token.
func (b *Broker) ClearCacheForAccount(email string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokenCache, email)
	delete(b.projectCache, email)
}
