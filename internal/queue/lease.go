package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a Redis mutex that keeps at most one runner active per stage
// and scope. Only the holder's token can renew or release it.
type Lease struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

// NewLease prepares a lease on name held under token.
func NewLease(client redis.Cmdable, name, token string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: "lease:" + name, token: token, ttl: ttl}
}

// Acquire takes the lease if nobody holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Renew extends the lease if it is still ours.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	return n == 1, err
}

// Release drops the lease if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Holder returns the current token, or "" when the lease is free.
func Holder(ctx context.Context, client redis.Cmdable, name string) (string, error) {
	v, err := client.Get(ctx, "lease:"+name).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
