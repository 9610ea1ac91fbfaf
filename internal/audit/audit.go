// Package audit records broadcast domain events to an append-only stream.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "ward:events"

// Sink receives every domain event the gateway broadcasts.
type Sink interface {
	Publish(ctx context.Context, event string, data any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) {}

// Entry is one recorded event as read back from the stream.
type Entry struct {
	Time  time.Time
	ID    string
	Event string
	Data  json.RawMessage
}

// RedisSink appends events to a Redis stream with XADD. Publishing is
// fire-and-forget: failures are logged and never reach the caller.
type RedisSink struct {
	client  *redis.Client
	logger  *zap.Logger
	now     func() time.Time
	stream  string
	maxLen  int64
	timeout time.Duration
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink creates a sink writing to stream (DefaultStream if empty).
// maxLen caps the stream length; zero means unbounded.
func NewRedisSink(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{
		client:  client,
		logger:  logger,
		now:     time.Now,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
	}
}

// Publish appends event to the stream.
func (s *RedisSink) Publish(ctx context.Context, event string, data any) {
	if _, err := s.publish(ctx, event, data); err != nil {
		s.logger.Warn("audit publish failed",
			zap.String("event", event),
			zap.String("stream", s.stream),
			zap.Error(err))
	}
}

func (s *RedisSink) publish(ctx context.Context, event string, data any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Values: map[string]interface{}{
			"event":     event,
			"data":      string(payload),
			"timestamp": strconv.FormatInt(s.now().UnixMilli(), 10),
		},
	}).Result()
}

// Recent returns up to n of the newest entries, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Entry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{ID: m.ID}
		if v, ok := m.Values["event"].(string); ok {
			e.Event = v
		}
		if v, ok := m.Values["data"].(string); ok {
			e.Data = json.RawMessage(v)
		}
		if v, ok := m.Values["timestamp"].(string); ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				e.Time = time.UnixMilli(ms)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping checks the connection, for startup.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
