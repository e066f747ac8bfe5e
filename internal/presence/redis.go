// Package presence mirrors the registry's user to connection index into
// Redis so that other processes can see who is online.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL applies when Config.TTL is zero.
	DefaultTTL = 60 * time.Second

	opTimeout = 2 * time.Second
)

// releaseScript deletes the key only while it still names the given
// connection, so a stale disconnect cannot hide a newer login.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config holds the Redis connection settings and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long an entry survives without Keepalive.
	TTL time.Duration
	// Prefix namespaces the keys, default "chat:presence:".
	Prefix string
}

// Redis implements chat.PresenceObserver on a Redis server.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg Config, logger zerolog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chat:presence:"
	}
	return &Redis{
		rdb:    rdb,
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		logger: logger.With().Str("component", "presence").Logger(),
	}, nil
}

func (r *Redis) key(userID string) string { return r.prefix + userID }

// Online records connID as the user's routable connection.
func (r *Redis) Online(userID, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.rdb.Set(ctx, r.key(userID), connID, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("presence online failed")
	}
}

// Offline removes the user's entry if it still names connID.
func (r *Redis) Offline(userID, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, r.rdb, []string{r.key(userID)}, connID).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("presence offline failed")
	}
}

// Lookup returns the connection recorded for userID.
func (r *Redis) Lookup(ctx context.Context, userID string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// RouteSource hands out snapshots of the user to connection index, ordered
// with the Online and Offline calls it makes. *chat.Registry implements it.
type RouteSource interface {
	SyncRoutes(fn func(routes map[string]string))
}

// Keepalive rewrites every route of src each interval until ctx is done,
// renewing the TTL of users that stay connected.
func (r *Redis) Keepalive(ctx context.Context, interval time.Duration, src RouteSource) error {
	if interval <= 0 {
		interval = r.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			src.SyncRoutes(func(current map[string]string) {
				r.refresh(ctx, current)
			})
		}
	}
}

func (r *Redis) refresh(ctx context.Context, routes map[string]string) {
	if len(routes) == 0 {
		return
	}
	pipe := r.rdb.Pipeline()
	for userID, connID := range routes {
		pipe.Set(ctx, r.key(userID), connID, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Int("users", len(routes)).Msg("presence keepalive failed")
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
