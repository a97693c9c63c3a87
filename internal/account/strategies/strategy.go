// Package strategies implements account-selection policies behind a small
// interface so the dispatcher is not hardwired to one selection algorithm.
package strategies

import (
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

// SelectOptions carries the caller's current pool state into a strategy.
type SelectOptions struct {
	CurrentIndex int
	OnSave       func()
}

// SelectionResult is what a strategy hands back to the pool manager.
//
// Account == nil && WaitMs == 0 means "nothing usable, not worth waiting".
// Account == nil && WaitMs > 0  means "sleep WaitMs then ask again".
// Account != nil                means "use this one now".
type SelectionResult struct {
	Account *store.Account
	Index   int
	WaitMs  int64
}

// Strategy selects an account for a request and observes outcomes.
type Strategy interface {
	SelectAccount(accounts []*store.Account, modelID string, opts SelectOptions) *SelectionResult
	OnSuccess(account *store.Account, modelID string)
	OnRateLimit(account *store.Account, modelID string)
	OnFailure(account *store.Account, modelID string)
}

// Strategy names accepted by New and by the --strategy flag.
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
)

// New resolves a strategy by name. Unknown names fall back to "sticky",
// which is both the default and the only strategy the dispatcher actually
// drives end to end.
func New(name string) Strategy {
	switch name {
	case StrategyRoundRobin:
		return &RoundRobinStrategy{}
	default:
		return &StickyStrategy{}
	}
}

// GetStrategyLabel returns the display label for a strategy name.
func GetStrategyLabel(name string) string {
	if label, ok := config.StrategyLabels[name]; ok {
		return label
	}
	return config.StrategyLabels[StrategySticky]
}

// isUsable reports whether an account may be selected for modelID right now.
func isUsable(account *store.Account, modelID string) bool {
	if account == nil || account.IsInvalid {
		return false
	}
	if modelID == "" {
		return true
	}
	rl := account.ModelRateLimits[modelID]
	if rl == nil || !rl.IsRateLimited {
		return true
	}
	if rl.ResetTime > 0 && time.Now().UnixMilli() >= rl.ResetTime {
		return true
	}
	return false
}

// usableIndices returns the indices of every usable account for modelID.
func usableIndices(accounts []*store.Account, modelID string) []int {
	out := make([]int, 0, len(accounts))
	for i, a := range accounts {
		if isUsable(a, modelID) {
			out = append(out, i)
		}
	}
	return out
}

// waitForAccount reports whether it's worth sleeping for account to become
// usable again, per the ~2 minute threshold in the selection algorithm.
func waitForAccount(account *store.Account, modelID string) (bool, int64) {
	if account == nil || account.IsInvalid || modelID == "" {
		return false, 0
	}
	rl := account.ModelRateLimits[modelID]
	if rl == nil || !rl.IsRateLimited || rl.ResetTime <= 0 {
		return false, 0
	}
	waitMs := rl.ResetTime - time.Now().UnixMilli()
	if waitMs > 0 && waitMs <= config.MaxWaitBeforeErrorMs {
		return true, waitMs
	}
	return false, 0
}

func touchLastUsed(account *store.Account, onSave func()) {
	now := time.Now().UnixMilli()
	account.LastUsed = &now
	if onSave != nil {
		onSave()
	}
}
