package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores enterprise-IM access tokens per corp id.
type TokenCache struct {
	client *Client
}

func NewTokenCache(client *Client) *TokenCache {
	return &TokenCache{client: client}
}

// Get returns the cached token, or "" on a miss.
func (c *TokenCache) Get(ctx context.Context, corpID string) (string, error) {
	tok, err := c.client.rdb.Get(ctx, wechatTokenKey(corpID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	return tok, nil
}

func (c *TokenCache) Set(ctx context.Context, corpID, token string, ttl time.Duration) error {
	if err := c.client.rdb.Set(ctx, wechatTokenKey(corpID), token, ttl).Err(); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}
