package strategies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/pkg/store"
)

func TestNewDefaultsToSticky(t *testing.T) {
	assert.IsType(t, &StickyStrategy{}, New("unknown"))
	assert.IsType(t, &StickyStrategy{}, New(""))
	assert.IsType(t, &RoundRobinStrategy{}, New(StrategyRoundRobin))
}

func TestGetStrategyLabelFallsBackToSticky(t *testing.T) {
	assert.Equal(t, GetStrategyLabel(StrategySticky), GetStrategyLabel("unknown-strategy"))
}

func TestIsUsableRejectsInvalidAccount(t *testing.T) {
	assert.False(t, isUsable(&store.Account{IsInvalid: true}, "model-a"))
	assert.False(t, isUsable(nil, "model-a"))
}

func TestIsUsableNoModelIDAlwaysUsable(t *testing.T) {
	acc := &store.Account{ModelRateLimits: map[string]*store.RateLimitInfo{
		"model-a": {IsRateLimited: true, ResetTime: time.Now().Add(time.Hour).UnixMilli()},
	}}
	assert.True(t, isUsable(acc, ""))
}

func TestIsUsableRespectsRateLimitResetTime(t *testing.T) {
	acc := &store.Account{ModelRateLimits: map[string]*store.RateLimitInfo{
		"model-a": {IsRateLimited: true, ResetTime: time.Now().Add(time.Hour).UnixMilli()},
	}}
	assert.False(t, isUsable(acc, "model-a"))

	pastLimit := &store.Account{ModelRateLimits: map[string]*store.RateLimitInfo{
		"model-a": {IsRateLimited: true, ResetTime: time.Now().Add(-time.Minute).UnixMilli()},
	}}
	assert.True(t, isUsable(pastLimit, "model-a"))
}

func TestStickyStrategyKeepsCurrentAccountWhenUsable(t *testing.T) {
	accounts := []*store.Account{{Email: "a@example.com"}, {Email: "b@example.com"}}
	strategy := &StickyStrategy{}

	result := strategy.SelectAccount(accounts, "", SelectOptions{CurrentIndex: 0})

	require.NotNil(t, result.Account)
	assert.Equal(t, "a@example.com", result.Account.Email)
	assert.Equal(t, 0, result.Index)
	require.NotNil(t, result.Account.LastUsed)
}

func TestStickyStrategySwitchesOffUnusableAccount(t *testing.T) {
	accounts := []*store.Account{
		{Email: "a@example.com", IsInvalid: true},
		{Email: "b@example.com"},
	}
	strategy := &StickyStrategy{}

	result := strategy.SelectAccount(accounts, "", SelectOptions{CurrentIndex: 0})

	require.NotNil(t, result.Account)
	assert.Equal(t, "b@example.com", result.Account.Email)
	assert.Equal(t, 1, result.Index)
}

func TestStickyStrategyWaitsWhenSingleAccountRateLimited(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Second).UnixMilli()
	accounts := []*store.Account{
		{Email: "a@example.com", ModelRateLimits: map[string]*store.RateLimitInfo{
			"model-a": {IsRateLimited: true, ResetTime: resetAt},
		}},
	}
	strategy := &StickyStrategy{}

	result := strategy.SelectAccount(accounts, "model-a", SelectOptions{CurrentIndex: 0})

	assert.Nil(t, result.Account)
	assert.Greater(t, result.WaitMs, int64(0))
}

func TestStickyStrategyEmptyPoolReturnsNoAccount(t *testing.T) {
	strategy := &StickyStrategy{}
	result := strategy.SelectAccount(nil, "", SelectOptions{CurrentIndex: 0})

	assert.Nil(t, result.Account)
	assert.Equal(t, int64(0), result.WaitMs)
}

func TestRoundRobinStrategyAdvancesPastCurrent(t *testing.T) {
	accounts := []*store.Account{{Email: "a@example.com"}, {Email: "b@example.com"}, {Email: "c@example.com"}}
	strategy := &RoundRobinStrategy{}

	result := strategy.SelectAccount(accounts, "", SelectOptions{CurrentIndex: 0})

	require.NotNil(t, result.Account)
	assert.Equal(t, "b@example.com", result.Account.Email)
	assert.Equal(t, 1, result.Index)
}

func TestRoundRobinStrategySkipsInvalidAccounts(t *testing.T) {
	accounts := []*store.Account{
		{Email: "a@example.com"},
		{Email: "b@example.com", IsInvalid: true},
		{Email: "c@example.com"},
	}
	strategy := &RoundRobinStrategy{}

	result := strategy.SelectAccount(accounts, "", SelectOptions{CurrentIndex: 0})

	require.NotNil(t, result.Account)
	assert.Equal(t, "c@example.com", result.Account.Email)
}
