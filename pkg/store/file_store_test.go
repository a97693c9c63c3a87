package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "accounts.json"))

	require.NoError(t, err)
	assert.Empty(t, cfg.Accounts)
	assert.Equal(t, 0, cfg.ActiveIndex)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	cfg := &Config{
		Accounts: []*Account{
			{Email: "a@example.com", Source: SourceOAuth, RefreshToken: "rt-1", AddedAt: 100},
		},
		ActiveIndex: 0,
	}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "a@example.com", loaded.Accounts[0].Email)
	assert.Equal(t, SourceOAuth, loaded.Accounts[0].Source)
	assert.Equal(t, "rt-1", loaded.Accounts[0].RefreshToken)
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "accounts.json")

	err := Save(path, &Config{Accounts: []*Account{}})

	require.NoError(t, err)
	_, err = Load(path)
	require.NoError(t, err)
}

func TestAccountUnmarshalPreservesUnknownFields(t *testing.T) {
	data := []byte(`{"email":"a@example.com","source":"oauth","addedAt":1,"futureField":"kept"}`)

	var acc Account
	require.NoError(t, acc.UnmarshalJSON(data))

	require.Contains(t, acc.Extra, "futureField")

	roundTripped, err := acc.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(roundTripped), `"futureField":"kept"`)
}

func TestLoadWithNilAccountsNormalizesToEmptySlice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, Save(path, &Config{}))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, cfg.Accounts)
}
