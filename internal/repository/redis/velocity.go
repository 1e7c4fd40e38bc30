package redis

import (
	"context"
	"errors"
	"fmt"
	"fraud_engine/internal/repository"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "fraud_engine:"

// The window opens on the first hit, matching the in-memory store.
var incrementScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

type Options struct {
	Addr     string
	Password string
	DB       int
}

// VelocityStore keeps velocity counters in Redis so replicas share them.
type VelocityStore struct {
	client *goredis.Client
}

func Open(ctx context.Context, opts Options) (*VelocityStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}

	return &VelocityStore{client: client}, nil
}

func NewVelocityStore(client *goredis.Client) *VelocityStore {
	return &VelocityStore{client: client}
}

func (s *VelocityStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("velocity window must be positive, got %s", window)
	}

	count, err := incrementScript.Run(ctx, s.client, []string{keyPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: velocity increment: %v", repository.ErrUnavailable, err)
	}
	return count, nil
}

func (s *VelocityStore) Close() error {
	return s.client.Close()
}
