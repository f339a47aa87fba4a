// Package queue is the Redis Streams work queue that carries process and
// revert jobs from triggers to workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
)

const (
	defaultConnectionTimeout = 2 * time.Second
	defaultPrefix            = "topic-monitor"
	consumerGroup            = "workers"
	jobIDField               = "job_id"
)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectionTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// keys builds every key under one prefix and queue name.
type keys struct {
	base string
}

func newKeys(prefix, name string) keys {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if name == "" {
		return keys{base: prefix}
	}
	return keys{base: prefix + ":" + name}
}

func (k keys) stream() string       { return k.base + ":jobs" }
func (k keys) job(id string) string { return k.base + ":job:" + id }
func (k keys) state(s State) string { return k.base + ":" + string(s) }
func (k keys) paused() string       { return k.base + ":paused" }
func (k keys) inflight(slug string) string {
	return k.base + ":inflight:process:" + slug
}

func ensureGroup(ctx context.Context, c *redis.Client, stream string) error {
	err := c.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// releaseInflight deletes the marker only while it still points at the job.
var releaseInflight = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// claimInflightScript points the marker at ARGV[1] unless it already names
// a job that is still pending. It returns that job's id, or "" once claimed.
// KEYS[1] marker; ARGV: job id, ttl ms, job key prefix, "1" to force.
var claimInflightScript = redis.NewScript(`
if ARGV[4] ~= "1" then
	local existing = redis.call("GET", KEYS[1])
	if existing then
		local state = redis.call("HGET", ARGV[3] .. existing, "state")
		if state == "waiting" or state == "active" or state == "delayed" then
			return existing
		end
	end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return ""
`)

// transition moves a job between state indexes while its stored state and
// attempt still equal the caller's, and returns 0 otherwise.
// KEYS: job hash, stream, source set, target index.
// ARGV: expected state, expected attempt, group, message id ("" skips the
// ack), job id, new state, new attempt, data, score ("" adds to a set).
var transition = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
local attempt = redis.call("HGET", KEYS[1], "attempt") or "0"
if state ~= ARGV[1] or attempt ~= ARGV[2] then
	return 0
end
if ARGV[4] ~= "" then
	redis.call("XACK", KEYS[2], ARGV[3], ARGV[4])
end
redis.call("SREM", KEYS[3], ARGV[5])
if ARGV[9] == "" then
	redis.call("SADD", KEYS[4], ARGV[5])
else
	redis.call("ZADD", KEYS[4], ARGV[9], ARGV[5])
end
redis.call("HSET", KEYS[1], "data", ARGV[8], "state", ARGV[6], "attempt", ARGV[7])
return 1
`)

// heartbeat resets the idle time of an active delivery by claiming the
// message again for its own consumer.
// KEYS: job hash, stream. ARGV: attempt, group, consumer, message id.
var heartbeat = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
local attempt = redis.call("HGET", KEYS[1], "attempt") or "0"
if state ~= "active" or attempt ~= ARGV[1] then
	return 0
end
redis.call("XCLAIM", KEYS[2], ARGV[2], ARGV[3], 0, ARGV[4], "JUSTID")
return 1
`)
