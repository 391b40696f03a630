// Package mirror publishes accepted room events to Redis pub/sub so
// observers outside the process (dashboards, bridges) can follow a room
// without joining it. The room stays the single authority; the mirror is
// relay only.
package mirror

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel returns the pub/sub channel carrying a room's events.
func Channel(roomID string) string {
	return "collabroom:" + roomID
}

// Publisher mirrors room broadcasts to Redis. Best-effort: publish failures
// are logged and swallowed.
type Publisher struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func New(rdb *redis.Client, log *zap.SugaredLogger) *Publisher {
	return &Publisher{rdb: rdb, log: log}
}

func (p *Publisher) Publish(ctx context.Context, roomID string, payload []byte) {
	if err := p.rdb.Publish(ctx, Channel(roomID), payload).Err(); err != nil {
		p.log.Warnw("mirror publish failed", "room", roomID, "err", err)
	}
}
