package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	leaderKey = "sweeper:leader"
	leaderTTL = 30 * time.Second
)

// renewScript extends the lease only when this instance still owns it,
// atomically to avoid renewing a lease another instance just took.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// RedisElector leases sweeper leadership through a Redis key.
type RedisElector struct {
	client     *redis.Client
	instanceID string
	logger     *slog.Logger
}

func NewRedisElector(client *redis.Client, instanceID string, logger *slog.Logger) *RedisElector {
	return &RedisElector{client: client, instanceID: instanceID, logger: logger}
}

// AcquireOrRenew attempts SETNX, falling back to an owner-checked renewal.
// Returns true when this instance leads.
func (e *RedisElector) AcquireOrRenew(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, leaderKey, e.instanceID, leaderTTL).Result()
	if err != nil {
		e.logger.Error("leader election SetNX failed", slog.String("error", err.Error()))
		return false
	}
	if ok {
		e.logger.Info("acquired sweeper leadership", slog.String("instance_id", e.instanceID))
		return true
	}

	result, err := renewScript.Run(
		ctx, e.client,
		[]string{leaderKey},
		e.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		e.logger.Error("leader renewal failed", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
