package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Skryldev/imageproxy/core"
)

// Hash fields used by RedisDriver.
const (
	fieldData   = "data"
	fieldMTime  = "mtime"
	fieldMaxAge = "max_age"
)

// RedisDriver stores each item as a hash with data, mtime and max_age fields.
type RedisDriver struct {
	client *redis.Client
}

var _ Driver = (*RedisDriver)(nil)

// NewRedisDriver wraps an existing client.
func NewRedisDriver(client *redis.Client) *RedisDriver {
	return &RedisDriver{client: client}
}

// NewRedisDriverWithURL creates a driver from a redis:// URL.
func NewRedisDriverWithURL(url string) (*RedisDriver, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisDriver{client: redis.NewClient(opts)}, nil
}

func (d *RedisDriver) Name() string { return "redis" }

func (d *RedisDriver) Meta(ctx context.Context, key string) (core.SourceMeta, bool, error) {
	vals, err := d.client.HMGet(ctx, key, fieldMTime, fieldMaxAge).Result()
	if err != nil {
		return core.SourceMeta{}, false, err
	}
	// Put always writes both fields, so a nil mtime means the key is absent.
	if vals[0] == nil {
		return core.SourceMeta{}, false, nil
	}
	var meta core.SourceMeta
	if s, ok := vals[0].(string); ok && s != "" {
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
			t := time.Unix(sec, 0).UTC()
			meta.MTime = &t
		}
	}
	if s, ok := vals[1].(string); ok && s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			meta.MaxAge = &n
		}
	}
	return meta, true, nil
}

func (d *RedisDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := d.client.HGet(ctx, key, fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (d *RedisDriver) Put(ctx context.Context, key string, item Item) error {
	values := map[string]interface{}{fieldData: item.Data, fieldMTime: "", fieldMaxAge: ""}
	if item.MTime != nil {
		values[fieldMTime] = strconv.FormatInt(item.MTime.Unix(), 10)
	}
	if item.MaxAge != nil {
		values[fieldMaxAge] = strconv.Itoa(*item.MaxAge)
	}
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, values)
	_, err := pipe.Exec(ctx)
	return err
}

func (d *RedisDriver) Delete(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (d *RedisDriver) Close() error {
	return d.client.Close()
}
