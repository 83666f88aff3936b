package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type redisConfig struct {
	prefix       string
	queryTimeout time.Duration
}

type RedisOption func(*redisConfig)

// WithPrefix namespaces every key written by the store.
func WithPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		c.prefix = prefix
	}
}

// WithQueryTimeout bounds every redis round trip.
func WithQueryTimeout(d time.Duration) RedisOption {
	return func(c *redisConfig) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

type redisRecord struct {
	Snapshot []byte `msgpack:"s"`
	StoredAt int64  `msgpack:"t"`
}

// writes only while the generation is still registered
var putScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var openScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	local seq = redis.call("INCR", KEYS[2])
	redis.call("ZADD", KEYS[1], seq, ARGV[1])
end
return 1
`)

type RedisCache struct {
	client *redis.Client
	cfg    redisConfig
}

var _ Provider = (*RedisCache)(nil)

// NewRedis returns a generation store backed by Redis.
// The caller owns the redis.Client lifecycle; Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisCache {
	cfg := redisConfig{
		prefix:       "appshell",
		queryTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisCache{client: client, cfg: cfg}
}

func (c *RedisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *RedisCache) key(parts ...string) string {
	k := c.cfg.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *RedisCache) generationsKey() string {
	return c.key("generations")
}

func (c *RedisCache) entriesKey(generation string) string {
	return c.key("gen", generation)
}

func (c *RedisCache) Open(ctx context.Context, generation string) (Handle, error) {
	if err := validGeneration(generation); err != nil {
		return nil, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	err := openScript.Run(qctx, c.client,
		[]string{c.generationsKey(), c.key("seq")}, generation).Err()
	if err != nil {
		return nil, err
	}
	return redisHandle{c: c, generation: generation}, nil
}

func (c *RedisCache) Generations(ctx context.Context) ([]string, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.client.ZRange(qctx, c.generationsKey(), 0, -1).Result()
}

func (c *RedisCache) Destroy(ctx context.Context, generation string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(qctx, c.generationsKey(), generation)
		pipe.Del(qctx, c.entriesKey(generation))
		return nil
	})
	return err
}

// Close is a no-op, the caller owns the redis.Client lifecycle.
func (c *RedisCache) Close() error {
	return nil
}

type redisHandle struct {
	c          *RedisCache
	generation string
}

func (h redisHandle) Generation() string {
	return h.generation
}

func (h redisHandle) Get(ctx context.Context, key string) (*Snapshot, bool, error) {
	qctx, cancel := h.c.queryCtx(ctx)
	defer cancel()
	data, err := h.c.client.HGet(qctx, h.c.entriesKey(h.generation), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec redisRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}
	snap, err := UnmarshalSnapshot(rec.Snapshot)
	if err != nil {
		return nil, false, err
	}
	snap.StoredAt = time.Unix(0, rec.StoredAt)
	return snap, true, nil
}

func (h redisHandle) Put(ctx context.Context, key string, snapshot *Snapshot) error {
	b, err := snapshot.MarshalBinary()
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(redisRecord{
		Snapshot: b,
		StoredAt: snapshot.StoredAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	qctx, cancel := h.c.queryCtx(ctx)
	defer cancel()
	n, err := putScript.Run(qctx, h.c.client,
		[]string{h.c.generationsKey(), h.c.entriesKey(h.generation)},
		h.generation, key, data).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrGenerationNotFound
	}
	return nil
}

func (h redisHandle) Keys(ctx context.Context, cb func(string)) error {
	qctx, cancel := h.c.queryCtx(ctx)
	defer cancel()
	keys, err := h.c.client.HKeys(qctx, h.c.entriesKey(h.generation)).Result()
	if err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}
