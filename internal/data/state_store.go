package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"Breakwater/internal/conf"
	"Breakwater/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// breakerKeyPrefix scopes shared-store records: breaker:{dependency}
const breakerKeyPrefix = "breaker"

// maxReadCacheTTL caps how long a remote record may be served from the local
// read cache. The effective TTL is a fraction of the reconciliation interval
// so peer transitions are never masked by the cache, whatever interval the
// operator configures.
const maxReadCacheTTL = time.Second

// readCacheIntervalFraction divides the sync interval into the cache TTL.
const readCacheIntervalFraction = 5

// readCacheSize caps the read cache; one entry per dependency.
const readCacheSize = 1024

// setIfNewerScript implements compare-and-swap on the record's
// lastTransitionAt. Equal timestamps with a differing state resolve by the
// configured open-on-tie bias; equal timestamps with the same state always
// apply, which is what refreshes the TTL between transitions.
//
// KEYS[1] record key
// ARGV[1] record JSON
// ARGV[2] new lastTransitionAt (unix millis)
// ARGV[3] new state
// ARGV[4] TTL seconds
// ARGV[5] "1" when open wins timestamp ties
var setIfNewerScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local rec = cjson.decode(cur)
  local cur_ts = tonumber(rec['lastTransitionAt'])
  local new_ts = tonumber(ARGV[2])
  if new_ts < cur_ts then
    return 0
  end
  if new_ts == cur_ts and ARGV[3] ~= rec['state'] then
    if ARGV[5] == '1' then
      if rec['state'] == 'open' and ARGV[3] ~= 'open' then
        return 0
      end
    else
      return 0
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[4]))
return 1
`)

// RedisStateStore implements biz.StateStore on Redis. Reads go through a
// short-TTL in-process cache so diagnostics scrapes do not multiply store
// traffic; writes use a Lua compare-and-swap on the record timestamp to
// avoid lost updates between replicas.
type RedisStateStore struct {
	rdb        *redis.Client
	cache      *expirable.LRU[string, *model.BreakerRecord]
	preferOpen bool
	logger     *log.Helper
}

// NewStateStore creates a Redis-backed breaker record store.
func NewStateStore(rdb *redis.Client, c *conf.Resilience, logger log.Logger) *RedisStateStore {
	helper := log.NewHelper(logger)
	if rdb == nil {
		helper.Warn("state store created without a Redis client, all operations will report degraded mode")
	}
	preferOpen := true
	cacheTTL := maxReadCacheTTL
	if c != nil && c.Sync != nil {
		preferOpen = c.Sync.PreferOpenOnTie
		if d := c.Sync.Interval.AsDuration(); d > 0 && d/readCacheIntervalFraction < cacheTTL {
			cacheTTL = d / readCacheIntervalFraction
		}
	}
	return &RedisStateStore{
		rdb:        rdb,
		cache:      expirable.NewLRU[string, *model.BreakerRecord](readCacheSize, nil, cacheTTL),
		preferOpen: preferOpen,
		logger:     helper,
	}
}

// GetBreakerRecord reads a dependency's record, serving repeat reads from
// the short-TTL cache. Returns (nil, nil) when no record exists.
func (s *RedisStateStore) GetBreakerRecord(ctx context.Context, dependency string) (*model.BreakerRecord, error) {
	if s.rdb == nil {
		return nil, errors.New("state store: redis client is nil")
	}

	key := breakerKey(dependency)
	if rec, ok := s.cache.Get(key); ok {
		return rec, nil
	}

	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("state store: failed to get record for %s: %w", dependency, err)
	}

	var rec model.BreakerRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("state store: failed to unmarshal record for %s: %w", dependency, err)
	}

	s.cache.Add(key, &rec)
	return &rec, nil
}

// SetBreakerRecordIfNewer writes the record when its timestamp is newer than
// the stored one. Returns whether the write was applied.
func (s *RedisStateStore) SetBreakerRecordIfNewer(ctx context.Context, dependency string, rec *model.BreakerRecord, ttl time.Duration) (bool, error) {
	if s.rdb == nil {
		return false, errors.New("state store: redis client is nil")
	}

	ttlSeconds := int(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = rec.TTLSeconds
	}
	if ttlSeconds <= 0 {
		return false, fmt.Errorf("state store: record for %s has no TTL", dependency)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("state store: failed to marshal record for %s: %w", dependency, err)
	}

	tieFlag := "0"
	if s.preferOpen {
		tieFlag = "1"
	}

	key := breakerKey(dependency)
	res, err := setIfNewerScript.Run(ctx, s.rdb, []string{key},
		string(payload), rec.LastTransitionAt, rec.State, ttlSeconds, tieFlag).Int()
	if err != nil {
		return false, fmt.Errorf("state store: set-if-newer failed for %s: %w", dependency, err)
	}

	applied := res == 1
	if applied {
		// Invalidate so the next read observes the new record.
		s.cache.Remove(key)
	}
	return applied, nil
}

// breakerKey builds the record key for a dependency.
func breakerKey(dependency string) string {
	return breakerKeyPrefix + ":" + dependency
}
