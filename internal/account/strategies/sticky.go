package strategies

import (
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

// StickyStrategy keeps using the same account across requests for upstream
// cache continuity, only switching away when the sticky account is
// unusable. This is pickSticky.
type StickyStrategy struct{}

func (s *StickyStrategy) SelectAccount(accounts []*store.Account, modelID string, opts SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Index: opts.CurrentIndex}
	}

	index := opts.CurrentIndex
	if index < 0 || index >= len(accounts) {
		index = 0
	}
	current := accounts[index]

	if isUsable(current, modelID) {
		touchLastUsed(current, opts.OnSave)
		return &SelectionResult{Account: current, Index: index}
	}

	// Sticky account unusable — look for any other usable account, advancing
	// round-robin from the current position.
	if next, nextIdx, ok := pickNextFrom(accounts, index, modelID); ok {
		utils.Info("[account] switching off sticky %s -> %s", current.Email, next.Email)
		touchLastUsed(next, opts.OnSave)
		return &SelectionResult{Account: next, Index: nextIdx}
	}

	// Nobody else usable. Is the sticky account worth waiting for?
	if shouldWait, waitMs := waitForAccount(current, modelID); shouldWait {
		return &SelectionResult{Index: index, WaitMs: waitMs}
	}

	// Nobody usable and the sticky wait isn't worth it — advance anyway so
	// the dispatcher's outer wait-for-all logic takes over.
	next, nextIdx, _ := pickNextFrom(accounts, index, modelID)
	return &SelectionResult{Account: next, Index: nextIdx}
}

// pickNextFrom scans accounts in round-robin order starting just after
// currentIndex and returns the first usable one, wrapping without re-trying
// currentIndex itself. If none are usable, it still returns the account that
// would be next (currentIndex+1 mod n) so the caller has somewhere to land.
func pickNextFrom(accounts []*store.Account, currentIndex int, modelID string) (*store.Account, int, bool) {
	n := len(accounts)
	if n == 0 {
		return nil, currentIndex, false
	}
	for i := 1; i <= n; i++ {
		idx := (currentIndex + i) % n
		if isUsable(accounts[idx], modelID) {
			return accounts[idx], idx, true
		}
	}
	idx := (currentIndex + 1) % n
	return accounts[idx], idx, false
}

func (s *StickyStrategy) OnSuccess(account *store.Account, modelID string)   {}
func (s *StickyStrategy) OnRateLimit(account *store.Account, modelID string) {}
func (s *StickyStrategy) OnFailure(account *store.Account, modelID string)  {}
