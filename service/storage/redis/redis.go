package redis

import (
	"context"
	"time"

	"VBridge/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Config 用于初始化 Redis
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" env:"VBRIDGE_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"` // key 前缀，多个部署共用一个库时区分
}

// RedisManager 持有连接；策略持久化与 NATS 去重共用
type RedisManager struct {
	client *redis.Client
	prefix string
}

// New 连接并 Ping，失败时关闭连接
func New(ctx context.Context, c Config) (*RedisManager, error) {
	if c.Prefix == "" {
		c.Prefix = "vbridge:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrApiTransient.WrapMsg("redis ping: "+err.Error(), "addr", c.Addr)
	}
	return &RedisManager{client: rdb, prefix: c.Prefix}, nil
}

func (m *RedisManager) Client() *redis.Client { return m.client }

// Key 拼接带前缀的 key
func (m *RedisManager) Key(parts ...string) string {
	k := m.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (m *RedisManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
