// Package review keeps the recent suspicious-activity feed shown to reviewers.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sams/internal/anticheat"
)

const (
	DefaultSize = 100
	DefaultTTL  = 30 * 24 * time.Hour
)

// Activity is one suspicious but accepted check-in.
type Activity struct {
	RecordID       string                   `json:"attendance_id"`
	StudentID      string                   `json:"student_id"`
	SessionID      string                   `json:"session_id"`
	Flags          []anticheat.Flag         `json:"flags"`
	Confidence     float64                  `json:"confidence"`
	Severity       anticheat.Severity       `json:"severity"`
	Recommendation anticheat.Recommendation `json:"recommendation"`
	At             time.Time                `json:"at"`
}

// Feed is a capped newest-first list of activities.
type Feed interface {
	Push(ctx context.Context, a Activity) error
	Recent(ctx context.Context, limit int) ([]Activity, error)
}

// RedisFeed stores the feed in a single Redis list.
type RedisFeed struct {
	client redis.UniversalClient
	key    string
	size   int
	ttl    time.Duration
}

// NewRedisFeed builds a feed. Zero size or ttl take the defaults.
func NewRedisFeed(client redis.UniversalClient, key string, size int, ttl time.Duration) *RedisFeed {
	if key == "" {
		key = "sams:suspicious_activities"
	}
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisFeed{client: client, key: key, size: size, ttl: ttl}
}

func (f *RedisFeed) Push(ctx context.Context, a Activity) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, f.key, raw)
	pipe.LTrim(ctx, f.key, 0, int64(f.size-1))
	pipe.Expire(ctx, f.key, f.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (f *RedisFeed) Recent(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 || limit > f.size {
		limit = f.size
	}
	vals, err := f.client.LRange(ctx, f.key, 0, int64(limit-1)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(vals))
	for _, v := range vals {
		var a Activity
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Memory is an in-process feed.
type Memory struct {
	mu    sync.Mutex
	size  int
	items []Activity
}

// NewMemory builds a feed holding at most size entries.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	return &Memory{size: size}
}

func (m *Memory) Push(_ context.Context, a Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]Activity{a}, m.items...)
	if len(m.items) > m.size {
		m.items = m.items[:m.size]
	}
	return nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.items) {
		limit = len(m.items)
	}
	return append([]Activity(nil), m.items[:limit]...), nil
}
