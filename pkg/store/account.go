// Package store defines the persisted account-pool data model and its
// atomic on-disk JSON representation.
package store

import (
	"encoding/json"
)

// SourceKind identifies how an Account's credentials are obtained.
type SourceKind string

const (
	SourceOAuth   SourceKind = "oauth"
	SourceManual  SourceKind = "manual"
	SourceDB      SourceKind = "db"
)

// RateLimitInfo tracks a per-model cooldown for one account.
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"`
}

// Account is one entry in the pool. Email is the unique key.
type Account struct {
	Email         string                    `json:"email"`
	Source        SourceKind                `json:"source"`
	RefreshToken  string                    `json:"refreshToken,omitempty"`
	APIKey        string                    `json:"apiKey,omitempty"`
	ProjectID     string                    `json:"projectId,omitempty"`
	DBPath        string                    `json:"dbPath,omitempty"`
	AddedAt       int64                     `json:"addedAt"`
	LastUsed      *int64                    `json:"lastUsed,omitempty"`
	IsInvalid     bool                      `json:"isInvalid"`
	InvalidReason string                    `json:"invalidReason,omitempty"`
	InvalidAt     int64                     `json:"invalidAt,omitempty"`
	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`

	// Extra preserves any field this implementation does not recognize,
	// so the file round-trips even across format additions.
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens Extra back alongside the known fields.
func (a *Account) MarshalJSON() ([]byte, error) {
	type alias Account
	known, err := json.Marshal((*alias)(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures unrecognized fields into Extra.
func (a *Account) UnmarshalJSON(data []byte) error {
	type alias Account
	if err := json.Unmarshal(data, (*alias)(a)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := knownAccountFields()
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		a.Extra = extra
	}
	return nil
}

func knownAccountFields() map[string]bool {
	return map[string]bool{
		"email": true, "source": true, "refreshToken": true, "apiKey": true,
		"projectId": true, "dbPath": true, "addedAt": true, "lastUsed": true,
		"isInvalid": true, "invalidReason": true, "invalidAt": true,
		"modelRateLimits": true,
	}
}

// Settings holds the recognized pool-wide settings; unrecognized keys are
// preserved in Extra the same way Account does.
type Settings struct {
	CooldownDurationMs int64                      `json:"cooldownDurationMs,omitempty"`
	Extra              map[string]json.RawMessage `json:"-"`
}

func (s *Settings) MarshalJSON() ([]byte, error) {
	type alias Settings
	known, err := json.Marshal((*alias)(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	type alias Settings
	if err := json.Unmarshal(data, (*alias)(s)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if k != "cooldownDurationMs" {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		s.Extra = extra
	}
	return nil
}

// Config is the entire persisted pool state — the on-disk JSON file's shape.
type Config struct {
	Accounts    []*Account `json:"accounts"`
	ActiveIndex int        `json:"activeIndex"`
	Settings    Settings   `json:"settings"`
}
