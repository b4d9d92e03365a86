package events

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Streams exporter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
	// Timeout bounds dialing and each XADD round trip.
	Timeout time.Duration
}

// Stream defaults applied when RedisConfig leaves them empty.
const (
	DefaultRedisStream = "streamrelay:events"
	DefaultRedisMaxLen = 10000

	defaultRedisTimeout = 2 * time.Second
)

// RedisPublisher appends events to a Redis stream. Each entry carries the
// event type and session as plain fields so consumers can filter without
// decoding the JSON payload. The stream is trimmed approximately to MaxLen.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher does not contact Redis; connection problems surface on
// the first Publish.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	stream := cmp.Or(strings.TrimSpace(cfg.Stream), DefaultRedisStream)
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultRedisMaxLen
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:             addr,
		Password:         cfg.Password,
		DB:               cfg.DB,
		DialTimeout:      timeout,
		ReadTimeout:      timeout,
		WriteTimeout:     timeout,
		MaxRetries:       2,
		Protocol:         2,
		DisableIndentity: true,
	})
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

// Stream reports the Redis stream key events are appended to.
func (p *RedisPublisher) Stream() string {
	return p.stream
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	values := []any{"type", string(event.Type), "payload", string(payload)}
	if event.SessionID != "" {
		values = append(values, "session", event.SessionID)
	}
	args := &redis.XAddArgs{Stream: p.stream, MaxLen: p.maxLen, Approx: true, Values: values}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
