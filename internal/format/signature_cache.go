// Package format provides conversion between Anthropic and Google Generative AI formats.
package format

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// SignatureCache caches Gemini thoughtSignatures for tool calls and thinking
// blocks. Gemini models require thoughtSignature on tool calls, but Claude
// Code strips non-standard fields from the conversation it replays back, so
// signatures observed on the way out are stored here and restored on the way
// back in.
//
// An hashicorp/golang-lru bounded cache is the source of truth; a Redis
// client, when configured, is mirrored to on writes and consulted as a
// fallback so signatures survive a restart and are shared across replicas.
type SignatureCache struct {
	mu          sync.Mutex
	redisClient *redis.Client
	signatures  *lru.Cache[string, signatureEntry]
	thinking    *lru.Cache[string, thinkingEntry]
}

type signatureEntry struct {
	Signature string
	Timestamp time.Time
}

type thinkingEntry struct {
	ModelFamily string
	Timestamp   time.Time
}

// NewSignatureCache creates a SignatureCache. redisClient may be nil, in
// which case the cache operates purely out of the in-process LRU.
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	signatures, _ := lru.New[string, signatureEntry](config.SignatureCacheCapacity)
	thinking, _ := lru.New[string, thinkingEntry](config.SignatureCacheCapacity)
	return &SignatureCache{
		redisClient: redisClient,
		signatures:  signatures,
		thinking:    thinking,
	}
}

func (c *SignatureCache) ttl() time.Duration {
	return time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores a signature for a tool_use_id.
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	c.mu.Lock()
	c.signatures.Add(toolUseID, signatureEntry{Signature: signature, Timestamp: time.Now()})
	c.mu.Unlock()

	if c.redisClient != nil {
		_ = c.redisClient.SetSignature(context.Background(), toolUseID, signature, c.ttl())
	}
}

// GetCachedSignature retrieves a cached signature for a tool_use_id.
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	c.mu.Lock()
	entry, ok := c.signatures.Get(toolUseID)
	expired := ok && time.Since(entry.Timestamp) > c.ttl()
	if expired {
		c.signatures.Remove(toolUseID)
	}
	c.mu.Unlock()

	if ok && !expired {
		return entry.Signature
	}

	if c.redisClient == nil {
		return ""
	}
	signature, err := c.redisClient.GetSignature(context.Background(), toolUseID)
	if err != nil || signature == "" {
		return ""
	}
	c.mu.Lock()
	c.signatures.Add(toolUseID, signatureEntry{Signature: signature, Timestamp: time.Now()})
	c.mu.Unlock()
	return signature
}

// CacheThinkingSignature caches a thinking block signature with its model family.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	c.mu.Lock()
	c.thinking.Add(signature, thinkingEntry{ModelFamily: modelFamily, Timestamp: time.Now()})
	c.mu.Unlock()

	if c.redisClient != nil {
		_ = c.redisClient.SetThinkingSignature(context.Background(), signature, modelFamily, c.ttl())
	}
}

// GetCachedSignatureFamily returns the cached model family for a thinking signature.
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	c.mu.Lock()
	entry, ok := c.thinking.Get(signature)
	expired := ok && time.Since(entry.Timestamp) > c.ttl()
	if expired {
		c.thinking.Remove(signature)
	}
	c.mu.Unlock()

	if ok && !expired {
		return entry.ModelFamily
	}

	if c.redisClient == nil {
		return ""
	}
	family, err := c.redisClient.GetThinkingSignature(context.Background(), signature)
	if err != nil || family == "" {
		return ""
	}
	c.mu.Lock()
	c.thinking.Add(signature, thinkingEntry{ModelFamily: family, Timestamp: time.Now()})
	c.mu.Unlock()
	return family
}

// ClearThinkingSignatureCache clears all entries from the thinking signature cache.
func (c *SignatureCache) ClearThinkingSignatureCache() {
	c.mu.Lock()
	c.thinking.Purge()
	c.mu.Unlock()
}

var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitGlobalSignatureCache initializes the global signature cache. Only the
// first call takes effect.
func InitGlobalSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// GetGlobalSignatureCache returns the global signature cache instance,
// lazily creating a Redis-less one if InitGlobalSignatureCache was never called.
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global thinking signature cache.
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
}
