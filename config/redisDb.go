package config

import (
	"context"
	"os"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry dials REDIS_ADDRESS until it answers PING or ctx
// ends, then sets the global client and returns a lock client over it.
func ConnectRedisWithRetry(ctx context.Context) (*redislock.Client, error) {
	opts := &redis.Options{
		Addr:     stringFromEnv("REDIS_ADDRESS", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: intFromEnv("REDIS_POOL_SIZE", 100),
	}
	var client *redis.Client
	err := dialWithRetry(ctx, "redis", 0, logrus.Fields{"addr": opts.Addr}, func() error {
		c := redis.NewClient(opts)
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	rdb = client
	locker = redislock.New(rdb)
	return locker, nil
}

func CloseRedis() error {
	if rdb == nil {
		return nil
	}
	return rdb.Close()
}
