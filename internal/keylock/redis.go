package keylock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis shares key locks between replicas. A held lock is refreshed every
// TTL/3 so long backend calls keep it; a crashed holder frees it after TTL.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Poll   time.Duration
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client, Prefix: "jitlock:", TTL: 30 * time.Second, Poll: 50 * time.Millisecond}
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	if r.Client == nil {
		return nil, false, errors.New("redis client not configured")
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, r.Prefix+key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return r.holder(key, token, ttl), true, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	poll := r.Poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for {
		unlock, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (r *Redis) holder(key, token string, ttl time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = refreshScript.Run(ctx, r.Client, []string{r.Prefix + key}, token, ttl.Milliseconds()).Err()
				cancel()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.Client, []string{r.Prefix + key}, token).Err()
		})
	}
}
