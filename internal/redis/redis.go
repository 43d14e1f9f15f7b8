package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only while it still holds our token, so an expired
// lock taken over by another process is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client is a SETNX based lock over a single Redis instance.
type Client struct {
	RedisClient *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

func NewClient(ctx context.Context, dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	return &Client{
		RedisClient: redisClient,
		tokens:      map[string]string{},
	}, nil
}

func (c *Client) Lock(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (result bool, err error) {
	token := uuid.NewString()
	result, err = c.RedisClient.SetNX(ctx, lockKey, token, lockTimeDuration).Result()
	if err != nil {
		return false, err
	}

	if result {
		c.mu.Lock()
		c.tokens[lockKey] = token
		c.mu.Unlock()
	}
	return result, nil
}

func (c *Client) Refresh(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (held bool, err error) {
	c.mu.Lock()
	token, ok := c.tokens[lockKey]
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	n, err := refreshScript.Run(ctx, c.RedisClient, []string{lockKey}, token, lockTimeDuration.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Client) Unlock(ctx context.Context, lockKey string) (err error) {
	c.mu.Lock()
	token, ok := c.tokens[lockKey]
	delete(c.tokens, lockKey)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return unlockScript.Run(ctx, c.RedisClient, []string{lockKey}, token).Err()
}

func (c *Client) Close() (err error) {
	err = c.RedisClient.Close()
	return err
}

func (c *Client) Ping(ctx context.Context) (err error) {
	err = c.RedisClient.Ping(ctx).Err()
	return err
}
