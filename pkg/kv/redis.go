// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore keeps one namespace of entries in a redis hash.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisClient connects and pings with a 5s budget.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func NewRedisStore(client redis.UniversalClient, prefix, namespace string) *RedisStore {
	if prefix == "" {
		prefix = "devtools:storage:"
	}
	return &RedisStore{client: client, key: prefix + namespace}
}

func (r *RedisStore) Get(ctx context.Context, key string) (Value, bool, error) {
	data, err := r.client.HGet(ctx, r.key, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Value{}, false, nil
		}
		return Value{}, false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	v, err := decodeStored(data)
	if err != nil {
		return Value{}, false, err
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, v Value) error {
	data, err := encodeStored(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.HSet(ctx, r.key, key, data).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.HDel(ctx, r.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys are returned sorted since a hash has no insertion order.
func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisStore) Clear(ctx context.Context) ([]string, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.key, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis clear: %w", err)
	}
	return keys, nil
}
