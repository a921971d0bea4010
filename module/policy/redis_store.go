package policy

import (
	"context"
	"strconv"
	"strings"

	"VBridge/tools/errs"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "vbridge:policy:"

// RedisStore 每个群一个 hash：vbridge:policy:<group> -> {key: value}
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(groupID int64) string {
	return s.prefix + strconv.FormatInt(groupID, 10)
}

func (s *RedisStore) Save(ctx context.Context, groupID int64, key, value string) error {
	return s.rdb.HSet(ctx, s.key(groupID), key, value).Err()
}

func (s *RedisStore) LoadAll(ctx context.Context) (map[int64]map[string]string, error) {
	out := map[int64]map[string]string{}
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		groupID, err := strconv.ParseInt(strings.TrimPrefix(k, s.prefix), 10, 64)
		if err != nil {
			continue
		}
		kv, err := s.rdb.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, errs.WrapMsg(err, "hgetall", "key", k)
		}
		out[groupID] = kv
	}
	if err := iter.Err(); err != nil {
		return nil, errs.WrapMsg(err, "scan policies")
	}
	return out, nil
}
