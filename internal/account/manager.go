// Package account manages the pool of upstream accounts: loading and
// persisting the account config file, selecting an account per request via
// a pluggable Strategy, and tracking rate limits and invalid accounts.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies"
	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

// Manager owns the account pool: its on-disk config, the active selection
// strategy, and the credential broker used to turn a selected account into
// a usable access token and project ID.
type Manager struct {
	mu sync.RWMutex

	configPath string
	cfg        *store.Config

	currentIndex int
	strategy     strategies.Strategy
	strategyName string

	broker *auth.Broker

	initialized bool
	saveTimer   *time.Timer
}

// NewManager builds a Manager bound to the given account config file path.
func NewManager(configPath, strategyName string) *Manager {
	if strategyName == "" {
		strategyName = "sticky"
	}
	return &Manager{
		configPath:   configPath,
		strategy:     strategies.New(strategyName),
		strategyName: strategyName,
		broker:       auth.NewBroker(),
	}
}

// NewManagerWithRedis builds a Manager whose credential broker mirrors
// tokens and project IDs into redisClient. redisClient may be nil.
func NewManagerWithRedis(configPath, strategyName string, redisClient *redis.Client) *Manager {
	m := NewManager(configPath, strategyName)
	if redisClient != nil {
		m.broker = auth.NewBrokerWithRedis(redisClient)
	}
	return m
}

// GetStrategyName returns the name of the currently active strategy.
func (m *Manager) GetStrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyName
}

// Reload switches the active strategy by name, taking effect for the next
// selection without requiring a restart.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = strategies.New(m.strategyName)
	return nil
}

// SetStrategyName updates the strategy used for future selections.
func (m *Manager) SetStrategyName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategyName = name
	m.strategy = strategies.New(name)
}

// Status summarizes the account pool for display (startup banner, health
// endpoint).
type Status struct {
	Total   int
	Invalid int
	Summary string
}

// GetStatus returns a snapshot summary of the account pool.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.cfg.Accounts)
	invalid := 0
	for _, acc := range m.cfg.Accounts {
		if acc.IsInvalid {
			invalid++
		}
	}
	active := total - invalid
	return Status{
		Total:   total,
		Invalid: invalid,
		Summary: fmt.Sprintf("%d active / %d total", active, total),
	}
}

// Initialize loads the account config file, falling back to a single
// db-backed account discovered from the local app state if the file is
// empty or missing.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	cfg, err := store.Load(m.configPath)
	if err != nil {
		return fmt.Errorf("load account config: %w", err)
	}
	m.cfg = cfg

	if len(m.cfg.Accounts) == 0 {
		if acc := discoverDBAccount(); acc != nil {
			m.cfg.Accounts = append(m.cfg.Accounts, acc)
			utils.Info("[account] discovered db-backed account %s", acc.Email)
		}
	}

	if m.cfg.ActiveIndex < 0 || m.cfg.ActiveIndex >= len(m.cfg.Accounts) {
		m.cfg.ActiveIndex = 0
	}
	m.currentIndex = m.cfg.ActiveIndex

	m.initialized = true
	m.scheduleSaveLocked()
	return nil
}

func discoverDBAccount() *store.Account {
	if !auth.IsDatabaseAccessible("") {
		return nil
	}
	status, err := auth.GetAuthStatus("")
	if err != nil {
		utils.Debug("[account] db discovery: %v", err)
		return nil
	}
	return &store.Account{
		Email:   status.Email,
		Source:  store.SourceDB,
		DBPath:  config.AntigravityDBPath,
		AddedAt: time.Now().UnixMilli(),
	}
}

// GetAccountCount returns the number of configured accounts.
func (m *Manager) GetAccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cfg.Accounts)
}

// GetAvailableAccounts returns the accounts currently usable for modelID.
func (m *Manager) GetAvailableAccounts(modelID string) []*store.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*store.Account
	for _, acc := range m.cfg.Accounts {
		if acc.IsInvalid {
			continue
		}
		if !rateLimited(acc, modelID) {
			out = append(out, acc)
		}
	}
	return out
}

func rateLimited(acc *store.Account, modelID string) bool {
	if modelID == "" {
		return false
	}
	rl := acc.ModelRateLimits[modelID]
	if rl == nil || !rl.IsRateLimited {
		return false
	}
	if rl.ResetTime > 0 && time.Now().UnixMilli() >= rl.ResetTime {
		return false
	}
	return true
}

// IsAllRateLimited reports whether every enabled account is currently
// rate-limited for modelID.
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, acc := range m.cfg.Accounts {
		if acc.IsInvalid {
			continue
		}
		if !rateLimited(acc, modelID) {
			return false
		}
	}
	return len(m.cfg.Accounts) > 0
}

// GetMinWaitTimeMs returns the shortest time until any account's rate limit
// for modelID clears, or 0 if one is already available.
func (m *Manager) GetMinWaitTimeMs(modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var minWait int64 = -1
	now := time.Now().UnixMilli()
	for _, acc := range m.cfg.Accounts {
		if acc.IsInvalid {
			continue
		}
		if !rateLimited(acc, modelID) {
			return 0
		}
		rl := acc.ModelRateLimits[modelID]
		wait := rl.ResetTime - now
		if wait > 0 && (minWait < 0 || wait < minWait) {
			minWait = wait
		}
	}
	if minWait < 0 {
		return 0
	}
	return minWait
}

// ClearExpiredLimits drops rate-limit markers whose reset time has passed.
func (m *Manager) ClearExpiredLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	changed := false
	for _, acc := range m.cfg.Accounts {
		for model, rl := range acc.ModelRateLimits {
			if rl.IsRateLimited && rl.ResetTime > 0 && now >= rl.ResetTime {
				delete(acc.ModelRateLimits, model)
				changed = true
			}
		}
	}
	if changed {
		m.scheduleSaveLocked()
	}
}

// PickSticky selects an account for modelID using the pool's configured
// strategy (sticky by default), returning (nil, waitMs) when nothing is
// usable right now but worth waiting for.
func (m *Manager) PickSticky(modelID string) (*store.Account, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, 0, fmt.Errorf("account manager not initialized")
	}
	if len(m.cfg.Accounts) == 0 {
		return nil, 0, fmt.Errorf("no accounts configured")
	}

	result := m.strategy.SelectAccount(m.cfg.Accounts, modelID, strategies.SelectOptions{
		CurrentIndex: m.currentIndex,
		OnSave:       m.scheduleSaveLocked,
	})
	m.currentIndex = result.Index
	m.cfg.ActiveIndex = result.Index
	return result.Account, result.WaitMs, nil
}

// MarkRateLimited records that acc is rate-limited for modelID until resetMs
// from now.
func (m *Manager) MarkRateLimited(email string, resetMs int64, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	if acc.ModelRateLimits == nil {
		acc.ModelRateLimits = make(map[string]*store.RateLimitInfo)
	}
	acc.ModelRateLimits[modelID] = &store.RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     time.Now().Add(time.Duration(resetMs) * time.Millisecond).UnixMilli(),
	}
	m.strategy.OnRateLimit(acc, modelID)
	m.scheduleSaveLocked()
}

// MarkInvalid marks an account permanently unusable (e.g. revoked refresh
// token) and drops its cached credentials.
func (m *Manager) MarkInvalid(email, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.InvalidAt = time.Now().UnixMilli()
	m.broker.ClearCacheForAccount(email)
	m.scheduleSaveLocked()
}

// NotifySuccess / NotifyFailure let the dispatcher report outcomes back to
// the strategy (a no-op for StickyStrategy, but part of the Strategy seam).
func (m *Manager) NotifySuccess(acc *store.Account, modelID string) {
	m.strategy.OnSuccess(acc, modelID)
}

func (m *Manager) NotifyFailure(acc *store.Account, modelID string) {
	m.strategy.OnFailure(acc, modelID)
}

func (m *Manager) findLocked(email string) *store.Account {
	for _, acc := range m.cfg.Accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// GetAccessToken resolves a usable access token for acc via the credential
// broker, marking the account invalid on a permanent auth failure.
func (m *Manager) GetAccessToken(ctx context.Context, acc *store.Account) (string, error) {
	token, err := m.broker.GetAccessToken(ctx, acc)
	if err != nil {
		if ce, ok := err.(*auth.ClassifiedError); ok && ce.IsPermanent() {
			m.MarkInvalid(acc.Email, ce.Message)
		}
		return "", err
	}
	return token, nil
}

// GetProjectID resolves the Cloud Code project for acc via the credential
// broker.
func (m *Manager) GetProjectID(ctx context.Context, acc *store.Account, accessToken string) (string, error) {
	return m.broker.GetProjectID(ctx, acc, accessToken)
}

// ClearTokenCache drops every cached access token, forcing the next request
// for any account to refresh from its upstream source.
func (m *Manager) ClearTokenCache() {
	m.broker.ClearCache()
}

// ClearProjectCache drops every cached project ID. Kept as a distinct call
// from ClearTokenCache even though the broker clears both together, since
// callers reason about the two caches separately.
func (m *Manager) ClearProjectCache() {
	m.broker.ClearCache()
}

// AddOrUpdateAccount inserts a new account or replaces an existing one by
// email.
func (m *Manager) AddOrUpdateAccount(acc *store.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.cfg.Accounts {
		if existing.Email == acc.Email {
			m.cfg.Accounts[i] = acc
			m.scheduleSaveLocked()
			return nil
		}
	}
	if len(m.cfg.Accounts) >= config.MaxAccounts {
		return fmt.Errorf("maximum accounts reached (%d)", config.MaxAccounts)
	}
	m.cfg.Accounts = append(m.cfg.Accounts, acc)
	m.scheduleSaveLocked()
	return nil
}

// RemoveAccount deletes an account by email.
func (m *Manager) RemoveAccount(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, acc := range m.cfg.Accounts {
		if acc.Email == email {
			m.cfg.Accounts = append(m.cfg.Accounts[:i], m.cfg.Accounts[i+1:]...)
			m.broker.ClearCacheForAccount(email)
			m.scheduleSaveLocked()
			return nil
		}
	}
	return fmt.Errorf("account %s not found", email)
}

// ListAccounts returns a snapshot of every configured account.
func (m *Manager) ListAccounts() []*store.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Account, len(m.cfg.Accounts))
	copy(out, m.cfg.Accounts)
	return out
}

// scheduleSaveLocked coalesces bursts of mutations into a single disk write
// a short moment later, instead of writing on every touch.
func (m *Manager) scheduleSaveLocked() {
	if m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(200*time.Millisecond, func() {
		m.mu.Lock()
		m.saveTimer = nil
		cfg := m.cfg
		m.mu.Unlock()
		if err := store.Save(m.configPath, cfg); err != nil {
			utils.Error("[account] failed to save config: %v", err)
		}
	})
}
