package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultTokenSafetyMargin is subtracted from a token's reported lifetime before caching
const DefaultTokenSafetyMargin = time.Minute

// TokenCache stores access tokens between calls. Implementations shared across
// processes (Redis) let every replica reuse one token.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, token string, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// TokenFetcher performs the provider-specific exchange and returns the token and its lifetime
type TokenFetcher func(ctx context.Context) (token string, lifetime time.Duration, err error)

// TokenProvider hands out a cached bearer token and refreshes it on expiry
type TokenProvider struct {
	key    string
	fetch  TokenFetcher
	apply  func(req *http.Request, token string)
	cache  TokenCache
	margin time.Duration
	mu     sync.Mutex
	logger *logrus.Entry
}

// NewTokenProvider creates a token provider. apply injects the token into each outbound request.
func NewTokenProvider(key string, fetch TokenFetcher, apply func(req *http.Request, token string), cache TokenCache, logger *logrus.Entry) *TokenProvider {
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	if apply == nil {
		apply = func(req *http.Request, token string) {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TokenProvider{
		key:    key,
		fetch:  fetch,
		apply:  apply,
		cache:  cache,
		margin: DefaultTokenSafetyMargin,
		logger: logger.WithField("token_key", key),
	}
}

// Token returns a valid token, exchanging credentials when the cache is empty
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if token, ok := p.cache.Get(ctx, p.key); ok {
		return token, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have refreshed while we waited
	if token, ok := p.cache.Get(ctx, p.key); ok {
		return token, nil
	}

	token, lifetime, err := p.fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrGatewayTimeout) || errors.Is(err, ErrAuthenticationFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: empty token in grant response", ErrAuthenticationFailed)
	}

	if ttl := lifetime - p.margin; ttl > 0 {
		p.cache.Set(ctx, p.key, token, ttl)
	}
	p.logger.WithField("lifetime", lifetime.String()).Debug("Gateway access token refreshed")
	return token, nil
}

// Apply implements Authenticator
func (p *TokenProvider) Apply(ctx context.Context, req *http.Request) error {
	token, err := p.Token(ctx)
	if err != nil {
		return err
	}
	p.apply(req, token)
	return nil
}

// Invalidate drops the cached token so the next call exchanges again
func (p *TokenProvider) Invalidate(ctx context.Context) {
	p.cache.Delete(ctx, p.key)
}

// MemoryTokenCache is a process-local TokenCache
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryToken
	now     func() time.Time
}

type memoryToken struct {
	token   string
	expires time.Time
}

// NewMemoryTokenCache creates an in-memory token cache
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{
		entries: make(map[string]memoryToken),
		now:     time.Now,
	}
}

func (c *MemoryTokenCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !c.now().Before(entry.expires) {
		return "", false
	}
	return entry.token, true
}

func (c *MemoryTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryToken{token: token, expires: c.now().Add(ttl)}
}

func (c *MemoryTokenCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// RedisTokenCache shares tokens between replicas
type RedisTokenCache struct {
	client *redis.Client
	prefix string
	logger *logrus.Entry
}

// NewRedisTokenCache creates a Redis backed token cache
func NewRedisTokenCache(client *redis.Client, logger *logrus.Entry) *RedisTokenCache {
	return &RedisTokenCache{
		client: client,
		prefix: "payment-core:gateway-token:",
		logger: logger.WithField("component", "token-cache"),
	}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, bool) {
	token, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).Warn("Failed to read gateway token from Redis")
		}
		return "", false
	}
	return token, true
}

func (c *RedisTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) {
	if err := c.client.Set(ctx, c.prefix+key, token, ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Failed to cache gateway token in Redis")
	}
}

func (c *RedisTokenCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		c.logger.WithError(err).Warn("Failed to drop gateway token from Redis")
	}
}
