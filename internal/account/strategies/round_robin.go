package strategies

import "github.com/poemonsense/antigravity-proxy-go/pkg/store"

// RoundRobinStrategy advances to the next usable account on every call,
// never preferring the previous one. Kept as a second, deliberately simple
// implementation of Strategy to exercise the selection seam described
// alongside pickSticky — the dispatcher does not use it by default.
type RoundRobinStrategy struct{}

func (r *RoundRobinStrategy) SelectAccount(accounts []*store.Account, modelID string, opts SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Index: opts.CurrentIndex}
	}
	next, idx, ok := pickNextFrom(accounts, opts.CurrentIndex, modelID)
	if !ok {
		if shouldWait, waitMs := waitForAccount(accounts[opts.CurrentIndex%len(accounts)], modelID); shouldWait {
			return &SelectionResult{Index: opts.CurrentIndex, WaitMs: waitMs}
		}
	}
	touchLastUsed(next, opts.OnSave)
	return &SelectionResult{Account: next, Index: idx}
}

func (r *RoundRobinStrategy) OnSuccess(account *store.Account, modelID string)   {}
func (r *RoundRobinStrategy) OnRateLimit(account *store.Account, modelID string) {}
func (r *RoundRobinStrategy) OnFailure(account *store.Account, modelID string)  {}
