package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const markerSuffix = ":initialized"

// seedScript writes the record and marker unless the marker already exists.
// KEYS[1] record hash, KEYS[2] marker. ARGV[1] count, ARGV[2] unix millis.
// Returns {created, count, lastUpdated}, or nil when the marker is set but
// the record is missing.
var seedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  if redis.call('EXISTS', KEYS[1]) == 0 then
    return false
  end
  return {0, redis.call('HGET', KEYS[1], 'count'), redis.call('HGET', KEYS[1], 'lastUpdated')}
end
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'count', ARGV[1], 'lastUpdated', ARGV[2])
  created = 1
end
redis.call('SET', KEYS[2], ARGV[2])
return {created, redis.call('HGET', KEYS[1], 'count'), redis.call('HGET', KEYS[1], 'lastUpdated')}
`)

// incrementScript adds ARGV[1] to the count and keeps the later of the stored
// and supplied (ARGV[2]) unix-millisecond timestamps. Returns nil when the
// record does not exist.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local count = redis.call('HINCRBY', KEYS[1], 'count', ARGV[1])
local last = redis.call('HGET', KEYS[1], 'lastUpdated')
if (not last) or tonumber(ARGV[2]) > tonumber(last) then
  redis.call('HSET', KEYS[1], 'lastUpdated', ARGV[2])
  last = ARGV[2]
end
return {count, last}
`)

// RedisOptions tunes the Redis connection pool.
type RedisOptions struct {
	PoolSize     int
	MinIdleConns int
}

// RedisStore implements the Store interface using a Redis hash for the record
// and a plain key for the marker. Seed and Increment run as Lua scripts so
// they are atomic across instances.
type RedisStore struct {
	client    redis.UniversalClient
	key       string
	markerKey string
}

// NewRedisStore creates a new RedisStore connected to the given Redis URL.
// The URL is parsed with redis.ParseURL so it supports redis:// and rediss:// schemes.
func NewRedisStore(url, key string, o RedisOptions) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	if o.MinIdleConns > 0 {
		opts.MinIdleConns = o.MinIdleConns
	}

	client := redis.NewClient(opts)

	// Verify connectivity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, key), nil
}

// NewRedisStoreWithClient wraps an existing client. The store takes ownership
// of the client and closes it on Close.
func NewRedisStoreWithClient(client redis.UniversalClient, key string) *RedisStore {
	return &RedisStore{
		client:    client,
		key:       key,
		markerKey: key + markerSuffix,
	}
}

// Name returns "redis".
func (r *RedisStore) Name() string { return "redis" }

// Load returns the record stored in the hash at the configured key.
func (r *RedisStore) Load(ctx context.Context) (Record, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: redis HGETALL %s: %w", ErrUnavailable, r.key, err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}
	return parseRecord(vals["count"], vals["lastUpdated"])
}

// Initialized reports whether the marker key exists.
func (r *RedisStore) Initialized(ctx context.Context) (bool, error) {
	n, err := r.client.Exists(ctx, r.markerKey).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis EXISTS %s: %w", ErrUnavailable, r.markerKey, err)
	}
	return n == 1, nil
}

// Seed runs seedScript.
func (r *RedisStore) Seed(ctx context.Context, rec Record) (Record, bool, error) {
	res, err := seedScript.Run(ctx, r.client, []string{r.key, r.markerKey},
		rec.Count, rec.LastUpdated.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, ErrMarkerWithoutRecord
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: redis seed %s: %w", ErrUnavailable, r.key, err)
	}
	if len(res) != 3 {
		return Record{}, false, fmt.Errorf("redis seed %s: unexpected reply %v", r.key, res)
	}

	created, _ := res[0].(int64)
	out, err := parseRecord(toString(res[1]), toString(res[2]))
	if err != nil {
		return Record{}, false, err
	}
	return out, created == 1, nil
}

// Increment runs incrementScript.
func (r *RedisStore) Increment(ctx context.Context, delta int64, now time.Time) (Record, error) {
	res, err := incrementScript.Run(ctx, r.client, []string{r.key}, delta, now.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: redis increment %s: %w", ErrUnavailable, r.key, err)
	}
	if len(res) != 2 {
		return Record{}, fmt.Errorf("redis increment %s: unexpected reply %v", r.key, res)
	}
	return parseRecord(toString(res[0]), toString(res[1]))
}

// Ping sends PING.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis PING: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// parseRecord decodes the hash fields: count as a base-10 integer and
// lastUpdated as unix milliseconds.
func parseRecord(count, lastUpdated string) (Record, error) {
	n, err := strconv.ParseInt(count, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parsing stored count %q: %w", count, err)
	}
	var ts time.Time
	if lastUpdated != "" {
		ms, err := strconv.ParseInt(lastUpdated, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("parsing stored timestamp %q: %w", lastUpdated, err)
		}
		ts = time.UnixMilli(ms).UTC()
	}
	return Record{Count: n, LastUpdated: ts}, nil
}

// toString normalizes a script reply element, which Redis returns as an
// integer or a bulk string depending on how the value was produced.
func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
