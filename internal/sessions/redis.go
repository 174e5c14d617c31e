package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend shares client records between daemons through Redis.
//
// Each session uses two hashes keyed by client ID:
//
//	<prefix><session>:hb    heartbeat, unix millis
//	<prefix><session>:meta  "<first seen millis>:<platform>"
//
// Both carry a TTL of the record TTL, refreshed on every accepted
// heartbeat. Millis rather than nanos keep values exact under Lua's
// double-precision numbers.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// upsertScript applies a heartbeat unless the stored one is newer.
// KEYS: hb, meta. ARGV: client, millis, platform, ttl millis.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
local first = ARGV[2]
local meta = redis.call('HGET', KEYS[2], ARGV[1])
if meta then
  local sep = string.find(meta, ':', 1, true)
  if sep then
    first = string.sub(meta, 1, sep - 1)
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], first .. ':' .. ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

// pruneScript removes clients whose heartbeat is older than ARGV[1].
// KEYS: hb, meta.
var pruneScript = redis.NewScript(`
local all = redis.call('HGETALL', KEYS[1])
local n = 0
for i = 1, #all, 2 do
  if tonumber(all[i + 1]) < tonumber(ARGV[1]) then
    redis.call('HDEL', KEYS[1], all[i])
    redis.call('HDEL', KEYS[2], all[i])
    n = n + 1
  end
end
return n
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "pulsed:sessions:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisBackend) hbKey(sessionID string) string   { return b.prefix + sessionID + ":hb" }
func (b *RedisBackend) metaKey(sessionID string) string { return b.prefix + sessionID + ":meta" }

func (b *RedisBackend) Upsert(ctx context.Context, rec ClientRecord) (bool, error) {
	n, err := upsertScript.Run(ctx, b.client,
		[]string{b.hbKey(rec.SessionID), b.metaKey(rec.SessionID)},
		rec.ClientID, rec.LastHeartbeat.UnixMilli(), rec.Platform, b.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis upsert: %w", err)
	}
	return n == 1, nil
}

func (b *RedisBackend) List(ctx context.Context, sessionID string) ([]ClientRecord, error) {
	pipe := b.client.Pipeline()
	hbCmd := pipe.HGetAll(ctx, b.hbKey(sessionID))
	metaCmd := pipe.HGetAll(ctx, b.metaKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	meta := metaCmd.Val()
	out := make([]ClientRecord, 0, len(hbCmd.Val()))
	for clientID, raw := range hbCmd.Val() {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis list: bad heartbeat for %s: %w", clientID, err)
		}
		rec := ClientRecord{
			SessionID:     sessionID,
			ClientID:      clientID,
			LastHeartbeat: time.UnixMilli(ms).UTC(),
			FirstSeen:     time.UnixMilli(ms).UTC(),
		}
		if m, ok := meta[clientID]; ok {
			first, platform, _ := strings.Cut(m, ":")
			rec.Platform = platform
			if fms, err := strconv.ParseInt(first, 10, 64); err == nil {
				rec.FirstSeen = time.UnixMilli(fms).UTC()
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *RedisBackend) Delete(ctx context.Context, sessionID, clientID string) error {
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.hbKey(sessionID), clientID)
	pipe.HDel(ctx, b.metaKey(sessionID), clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Prune scans heartbeat hashes under the prefix. Whole sessions also
// expire on their own through the key TTL.
func (b *RedisBackend) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	iter := b.client.Scan(ctx, 0, b.prefix+"*:hb", 100).Iterator()
	for iter.Next(ctx) {
		hb := iter.Val()
		meta := strings.TrimSuffix(hb, ":hb") + ":meta"
		n, err := pruneScript.Run(ctx, b.client, []string{hb, meta}, cutoff.UnixMilli()).Int()
		if err != nil {
			return total, fmt.Errorf("redis prune %s: %w", hb, err)
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("redis scan: %w", err)
	}
	return total, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
