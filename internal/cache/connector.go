package cache

import (
	"context"
	"fmt"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"moff.io/coursewallet/internal/config"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"strconv"
	"strings"
)

const keyPrefix = "coursewallet:progress:"

// Connect opens a redis client and pings it.
func Connect(ctx context.Context, cred *config.DBCredential) (*redis.Client, error) {
	db, _ := strconv.ParseInt(cred.Database, 10, 64)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cred.GetRedisAddress(),
		Password: cred.Password,
		DB:       int(db),
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "ping to redis")
	}
	log.Info("Connected to redis...")
	return rdb, nil
}

// NewRateLimiter returns a GCRA limiter backed by rdb.
func NewRateLimiter(rdb *redis.Client) *redis_rate.Limiter {
	return redis_rate.NewLimiter(rdb)
}

// ProgressStore keeps one redis set of completed sections per account and course.
type ProgressStore struct {
	rdb *redis.Client
}

func NewProgressStore(rdb *redis.Client) *ProgressStore {
	return &ProgressStore{rdb: rdb}
}

func accountPrefix(account common.Address) string {
	return keyPrefix + strings.ToLower(account.Hex()) + ":"
}

func progressKey(account common.Address, course string) string {
	return accountPrefix(account) + course
}

func (s *ProgressStore) Completed(ctx context.Context, account common.Address, course string) (map[string]bool, error) {
	members, err := s.rdb.SMembers(ctx, progressKey(account, course)).Result()
	if err != nil {
		return nil, errors.WrapAndReport(err, "read completed sections")
	}
	out := make(map[string]bool, len(members))
	for _, m := range members {
		out[m] = true
	}
	return out, nil
}

func (s *ProgressStore) MarkCompleted(ctx context.Context, account common.Address, course, section string) error {
	err := s.rdb.SAdd(ctx, progressKey(account, course), section).Err()
	return errors.WrapAndReport(err, "mark section completed")
}

// Reset drops every course of account.
func (s *ProgressStore) Reset(ctx context.Context, account common.Address) error {
	return s.deleteFromPrefix(ctx, accountPrefix(account))
}

func (s *ProgressStore) deleteFromPrefix(ctx context.Context, prefix string) error {
	var (
		cursor uint64
		match        = fmt.Sprintf("%v*", prefix)
		count  int64 = 200
	)
	log.Debugf("deleting cache pattern %v", match)
	for {
		keys, c, err := s.rdb.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return errors.WrapAndReport(err, "scan caches")
		}
		cursor = c
		if len(keys) > 0 {
			err = s.rdb.Del(ctx, keys...).Err()
			if err != nil {
				return errors.WrapAndReport(err, "delete caches")
			}
		}
		if c == 0 {
			return nil
		}
	}
}
