package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient creates a pooled Redis client for the given address. The pool is
// shared and safe for concurrent use by every component in the process.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}
