// Package redis implements kv.Store on Redis. Conditional writes run as Lua
// scripts so the compare and the write are a single server-side step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/relayd/internal/kv"
)

// Script results.
const (
	casApplied  = 1
	casMismatch = 0
	casMissing  = -1
)

var casScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
  if cur then return 0 end
else
  if not cur then return -1 end
  if cur ~= ARGV[2] then return 0 end
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

var cadScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return -1 end
if cur ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

const scanCount = 256

// Store is a Redis-backed kv.Store.
type Store struct {
	client goredis.UniversalClient
	owned  bool
}

// Open connects using a redis:// or rediss:// URL.
func Open(rawURL string) (*Store, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("kv/redis: parse url: %w", err)
	}
	return &Store{client: goredis.NewClient(opts), owned: true}, nil
}

// New wraps an existing client. Close leaves the client open.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrapErr(s.client.Ping(ctx).Err())
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrapErr(err)
	}
	return value, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return wrapErr(s.client.Set(ctx, key, value, ttl).Err())
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return wrapErr(s.client.Del(ctx, key).Err())
}

// ListKeys implements kv.Store using SCAN; keys are returned sorted.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		for _, key := range keys {
			seen[key] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	slices.Sort(out)
	return out, nil
}

// CompareAndSwap implements kv.Store.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	create := "0"
	if expected == nil {
		create = "1"
	}
	px := int64(0)
	if ttl > 0 {
		px = max(ttl.Milliseconds(), 1)
	}
	res, err := casScript.Run(ctx, s.client, []string{key}, create, string(expected), string(value), strconv.FormatInt(px, 10)).Int()
	if err != nil {
		return wrapErr(err)
	}
	return scriptResult(res)
}

// CompareAndDelete implements kv.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) error {
	res, err := cadScript.Run(ctx, s.client, []string{key}, string(expected)).Int()
	if err != nil {
		return wrapErr(err)
	}
	return scriptResult(res)
}

// Close closes the client when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func scriptResult(res int) error {
	switch res {
	case casApplied:
		return nil
	case casMissing:
		return kv.ErrNotFound
	default:
		return kv.ErrCASMismatch
	}
}

func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.Nil):
		return kv.ErrNotFound
	case errors.Is(err, goredis.ErrClosed):
		return kv.ErrClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return kv.NewTransientError(fmt.Errorf("kv/redis: %w", err))
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
