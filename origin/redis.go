package origin

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const defaultRedisTimeout = 500 * time.Millisecond

// Redis stores marks in Redis so several processes acting for the same
// client (for example a CLI and a background view server) share them.
// Redis failures fail open: the event is applied and the collection's
// duplicate-id guard still prevents double inserts.
type Redis struct {
	client  *redis.Client
	prefix  string
	window  time.Duration
	timeout time.Duration
	logger  *log.Logger
}

// NewRedis creates a tracker storing marks under prefix.
func NewRedis(client *redis.Client, prefix string, window time.Duration, logger *log.Logger) *Redis {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Redis{client: client, prefix: prefix, window: window, timeout: defaultRedisTimeout, logger: logger}
}

func (r *Redis) key(id string) string {
	return fmt.Sprintf("%s:origin:%s", r.prefix, id)
}

func (r *Redis) Mark(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key(id), 1, r.window).Err(); err != nil {
		r.logger.WithError(err).WithField("entity", id).Warn("origin mark not stored")
	}
}

// IsLocal deletes the mark; only the caller that removed it sees true.
func (r *Redis) IsLocal(id string) bool {
	if id == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		r.logger.WithError(err).WithField("entity", id).Warn("origin lookup failed")
		return false
	}
	return n == 1
}
