package pin

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the reservation only if owner still holds it.
// KEYS[1] = reservation key
// ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisReserver shares reservations across devices and server instances
// through Redis. Reservations expire after ttl so a crashed creator does
// not hold a PIN forever.
type RedisReserver struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Reserver = (*RedisReserver)(nil)

// NewRedisReserver creates a reserver on an existing client.
func NewRedisReserver(client redis.UniversalClient, ttl time.Duration) *RedisReserver {
	return &RedisReserver{client: client, prefix: "fieldsync:pin:", ttl: ttl}
}

// DialRedis opens a client for addr.
func DialRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (r *RedisReserver) key(pin string) string {
	return r.prefix + pin
}

func (r *RedisReserver) Reserve(ctx context.Context, pin, owner string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(pin), owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserving PIN %s: %w", pin, err)
	}
	if ok {
		return true, nil
	}

	current, err := r.client.Get(ctx, r.key(pin)).Result()
	if err == redis.Nil {
		// Expired between the two calls; try once more.
		return r.client.SetNX(ctx, r.key(pin), owner, r.ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("reading PIN reservation %s: %w", pin, err)
	}
	return current == owner, nil
}

func (r *RedisReserver) Release(ctx context.Context, pin, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(pin)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing PIN %s: %w", pin, err)
	}
	return nil
}
