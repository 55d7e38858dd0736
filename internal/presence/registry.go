package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Registry is the advisory set of currently-connected users. It decides only
// whether a push notification is redundant; it is never consulted for
// authorization or membership.
type Registry interface {
	Connect(ctx context.Context, userID uint) error
	Disconnect(ctx context.Context, userID uint) error
	Heartbeat(ctx context.Context, userID uint) error
	IsOnline(ctx context.Context, userID uint) (bool, error)
	Online(ctx context.Context) ([]uint, error)
}

const defaultTTL = 90 * time.Second

// redisRegistry keeps one counter key per user with a TTL. Disconnects
// decrement the counter; a connection that dies without cleanup simply stops
// heartbeating and its entry expires, which closes the abnormal-disconnect
// gap without a reconciliation sweep.
type redisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisRegistry constructs a presence registry on the shared Redis cache.
func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) Registry {
	if prefix == "" {
		prefix = "chatter"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisRegistry{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "presence_registry").Logger(),
	}
}

func (r *redisRegistry) key(userID uint) string {
	return fmt.Sprintf("%s:presence:%d", r.prefix, userID)
}

func (r *redisRegistry) Connect(ctx context.Context, userID uint) error {
	key := r.key(userID)
	if err := r.client.Incr(ctx, key).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

func (r *redisRegistry) Disconnect(ctx context.Context, userID uint) error {
	key := r.key(userID)
	remaining, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if remaining <= 0 {
		return r.client.Del(ctx, key).Err()
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

func (r *redisRegistry) Heartbeat(ctx context.Context, userID uint) error {
	return r.client.Expire(ctx, r.key(userID), r.ttl).Err()
}

func (r *redisRegistry) IsOnline(ctx context.Context, userID uint) (bool, error) {
	count, err := r.client.Exists(ctx, r.key(userID)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *redisRegistry) Online(ctx context.Context) ([]uint, error) {
	pattern := fmt.Sprintf("%s:presence:*", r.prefix)
	var (
		cursor uint64
		online []uint
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw := key[strings.LastIndex(key, ":")+1:]
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				r.logger.Debug().Str("key", key).Msg("skipping malformed presence key")
				continue
			}
			online = append(online, uint(id))
		}
		cursor = next
		if cursor == 0 {
			return online, nil
		}
	}
}
