// Package auditsink mirrors control-plane events to a Redis Pub/Sub
// channel for external dashboards. It is fire-and-forget observability:
// the supervisor never reads it back, so it does not introduce any
// persisted state the daemon depends on across restarts.
//
// Wraps a *redis.Client with a named *zap.Logger and a bounded-timeout
// Ping at construction time.
package auditsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannel = "taskmaster:events"

// Sink publishes one JSON line per event to a Redis channel.
type Sink struct {
	client  *redis.Client
	log     *zap.Logger
	channel string
}

// event is the wire shape published to the channel.
type event struct {
	Event   string `json:"event"`
	Program string `json:"program"`
	Detail  string `json:"detail,omitempty"`
	AtUnix  int64  `json:"at_unix"`
}

// New constructs a Sink against addr/db, pinging once at startup the same
// way redis.NewClient does, and logging (not failing) on a ping error —
// the sink degrades to dropped-on-the-floor publishes rather than taking
// the daemon down, matching its non-essential role.
func New(addr string, db int, log *zap.Logger) *Sink {
	opts := &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
	s := &Sink{
		client:  redis.NewClient(opts),
		log:     log.Named("auditsink"),
		channel: defaultChannel,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Warn("redis ping failed; audit events will be best-effort", zap.Error(err), zap.String("addr", addr))
	} else {
		s.log.Info("connected", zap.String("addr", addr), zap.Int("db", db))
	}
	return s
}

// Publish fires one event. Errors are logged, never returned: a publish
// failure must never affect the verb whose side effect it's reporting.
func (s *Sink) Publish(eventName, program, detail string) {
	e := event{Event: eventName, Program: program, Detail: detail, AtUnix: time.Now().Unix()}
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("marshal event failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		s.log.Debug("publish failed", zap.Error(err))
	}
}

// Close releases the underlying Redis connection pool.
func (s *Sink) Close() error {
	return s.client.Close()
}
