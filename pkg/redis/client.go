// Package redis provides an optional secondary-cache mirror on top of the
// file-backed account store. Nothing in this package is load-bearing: every
// caller treats it as a best-effort accelerator and falls back to its
// in-memory path when no client is configured or a call fails.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the values this proxy mirrors into Redis.
const (
	PrefixSignatureTool     = "antigravity:signatures:tool:"
	PrefixSignatureThinking = "antigravity:signatures:thinking:"
	PrefixTokenCache        = "antigravity:token_cache:"
	PrefixProjectCache      = "antigravity:project_cache:"
	PrefixStats             = "antigravity:stats:"
)

// Client wraps the go-redis client with the handful of domain operations
// this proxy needs.
type Client struct {
	rdb *redis.Client
}

// Config represents Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient dials Redis and verifies the connection with a PING.
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// IsNil reports whether err is redis.Nil (key not found).
func IsNil(err error) bool {
	return err == redis.Nil
}

// ============================================================
// Generic operations
// ============================================================

// Set stores a JSON-encoded value with optional TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Get retrieves and unmarshals a JSON-encoded value.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire sets a TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// HIncrBy increments a hash field by an integer, used by the usage-stats
// hourly/family counters.
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// HGetAll retrieves all fields from a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// Pipeline creates a new pipeline for batched stat updates.
func (c *Client) Pipeline() redis.Pipeliner {
	return c.rdb.Pipeline()
}

// ScanAll returns all keys matching a pattern using SCAN, paging until
// exhausted.
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error
		batch, cursor, err = c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// ============================================================
// Signature cache mirror (see internal/format.SignatureCache)
// ============================================================

// SetSignature stores a tool-use thought signature with TTL.
func (c *Client) SetSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixSignatureTool+toolUseID, signature, ttl).Err()
}

// GetSignature retrieves a tool-use thought signature.
func (c *Client) GetSignature(ctx context.Context, toolUseID string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixSignatureTool+toolUseID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// SetThinkingSignature stores the model family a thinking signature was
// issued under, keyed by the signature itself.
func (c *Client) SetThinkingSignature(ctx context.Context, signatureHash, modelFamily string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixSignatureThinking+signatureHash, modelFamily, ttl).Err()
}

// GetThinkingSignature retrieves the model family for a thinking signature.
func (c *Client) GetThinkingSignature(ctx context.Context, signatureHash string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixSignatureThinking+signatureHash).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// ============================================================
// Credential cache mirror (see internal/auth.Broker)
// ============================================================

// SetCachedToken mirrors an access token for an account with TTL.
func (c *Client) SetCachedToken(ctx context.Context, email, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixTokenCache+email, token, ttl).Err()
}

// GetCachedToken retrieves a mirrored access token, if present.
func (c *Client) GetCachedToken(ctx context.Context, email string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixTokenCache+email).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// SetCachedProject mirrors a resolved Cloud Code project ID for an account.
func (c *Client) SetCachedProject(ctx context.Context, email, projectID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixProjectCache+email, projectID, ttl).Err()
}

// GetCachedProject retrieves a mirrored project ID, if present.
func (c *Client) GetCachedProject(ctx context.Context, email string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixProjectCache+email).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}
