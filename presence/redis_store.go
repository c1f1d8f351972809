package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares presence between servers behind one registry entry.
//
//	{prefix}online        set of online users
//	{prefix}user:{name}   set of that user's session ids
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection with PING.
func NewRedisStore(ctx context.Context, addr string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("presence: connect to redis: %w", err)
	}
	return &RedisStore{client: rdb, prefix: prefix}, nil
}

func (r *RedisStore) onlineKey() string          { return r.prefix + "online" }
func (r *RedisStore) userKey(user string) string { return r.prefix + "user:" + user }

func (r *RedisStore) Add(ctx context.Context, user, sessionID string) (bool, error) {
	var added *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.userKey(user), sessionID)
		added = p.SAdd(ctx, r.onlineKey(), user)
		return nil
	})
	if err != nil {
		return false, err
	}
	return added.Val() == 1, nil
}

func (r *RedisStore) Remove(ctx context.Context, user, sessionID string) (bool, error) {
	var left *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.userKey(user), sessionID)
		left = p.SCard(ctx, r.userKey(user))
		return nil
	})
	if err != nil {
		return false, err
	}
	if left.Val() > 0 {
		return false, nil
	}
	removed, err := r.client.SRem(ctx, r.onlineKey(), user).Result()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}

func (r *RedisStore) Online(ctx context.Context) ([]string, error) {
	users, err := r.client.SMembers(ctx, r.onlineKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
