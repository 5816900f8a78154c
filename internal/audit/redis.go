package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisChannelPrefix namespaces the per-type Pub/Sub channels and the
// mirrored ring key.
const redisChannelPrefix = "agenthub:audit:"

// RedisMirror copies every event into Redis: a PUBLISH on the per-type
// channel for cross-process consumers, and an LPUSH onto a capped
// recent-events list that mirrors the in-memory ring.
type RedisMirror struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisMirror connects to Redis and verifies it answers before
// returning the sink.
func NewRedisMirror(addr, password string, db int) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	m := &RedisMirror{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[RedisMirror] ", log.LstdFlags),
	}
	m.logger.Printf("✅ Audit mirror connected to redis at %s", addr)
	return m, nil
}

// Publish mirrors one event. The channel publish and the ring append
// ride a single pipeline round trip.
func (m *RedisMirror) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	pipe := m.rdb.Pipeline()
	pipe.Publish(ctx, redisChannelPrefix+string(event.EventType), payload)
	pipe.LPush(ctx, redisChannelPrefix+"recent", payload)
	pipe.LTrim(ctx, redisChannelPrefix+"recent", 0, maxRecords-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mirror %s: %w", event.ID, err)
	}
	return nil
}

// Close shuts down the client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}

var _ EventSink = (*RedisMirror)(nil)
