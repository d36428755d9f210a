package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanPageDelay spaces out scan pages to avoid throttling the backend.
const scanPageDelay = 20 * time.Millisecond

// patchScript merges a JSON patch into an existing document atomically and
// reports whether the record existed.
var patchScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if not cur then
  return 0
end
local doc = cjson.decode(cur)
local patch = cjson.decode(ARGV[2])
for k, v in pairs(patch) do
  doc[k] = v
end
redis.call("HSET", KEYS[1], ARGV[1], cjson.encode(doc))
return 1
`)

// RedisStore keeps each partition as one Redis hash: field = record id,
// value = JSON document.
type RedisStore struct {
	client *redis.Client
	tenant string
}

// NewRedisStore builds a store on a shared Redis client. The client is
// long-lived, pooled, and safe for concurrent use.
func NewRedisStore(addr, password, tenant string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		tenant: tenant,
	}
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, tenant string) *RedisStore {
	return &RedisStore{client: client, tenant: tenant}
}

// Partition returns the partition for one record kind.
func (s *RedisStore) Partition(kind string) Partition {
	return &redisPartition{
		client: s.client,
		key:    fmt.Sprintf("meta:%s:%s", s.tenant, kind),
	}
}

type redisPartition struct {
	client *redis.Client
	key    string
}

func (p *redisPartition) Insert(ctx context.Context, id string, doc []byte) error {
	set, err := p.client.HSetNX(ctx, p.key, id, doc).Result()
	if err != nil {
		return unavailable("insert", err)
	}
	if !set {
		return ErrConflict
	}
	return nil
}

func (p *redisPartition) Get(ctx context.Context, id string) ([]byte, bool, error) {
	val, err := p.client.HGet(ctx, p.key, id).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return val, true, nil
}

func (p *redisPartition) Patch(ctx context.Context, id string, patch []byte) (bool, error) {
	res, err := patchScript.Run(ctx, p.client, []string{p.key}, id, string(patch)).Int()
	if err != nil {
		return false, unavailable("patch", err)
	}
	return res == 1, nil
}

func (p *redisPartition) Put(ctx context.Context, id string, doc []byte) error {
	if err := p.client.HSet(ctx, p.key, id, doc).Err(); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, id string) (bool, error) {
	n, err := p.client.HDel(ctx, p.key, id).Result()
	if err != nil {
		return false, unavailable("delete", err)
	}
	return n > 0, nil
}

// ScanAll walks the partition hash with cursor pagination. Pages hold roughly
// scanPageSize entries and the walk stops at scanMaxRecords even when more
// records exist; callers above the ceiling see a truncated partition.
func (p *redisPartition) ScanAll(ctx context.Context) ([][]byte, error) {
	var (
		docs   [][]byte
		cursor uint64
	)
	for {
		keyvals, next, err := p.client.HScan(ctx, p.key, cursor, "", scanPageSize).Result()
		if err != nil {
			return nil, unavailable("scan", err)
		}
		for i := 1; i < len(keyvals); i += 2 {
			docs = append(docs, []byte(keyvals[i]))
		}
		cursor = next
		if cursor == 0 || len(docs) >= scanMaxRecords {
			break
		}
		select {
		case <-ctx.Done():
			return nil, unavailable("scan", ctx.Err())
		case <-time.After(scanPageDelay):
		}
	}
	if len(docs) > scanMaxRecords {
		docs = docs[:scanMaxRecords]
	}
	return docs, nil
}
